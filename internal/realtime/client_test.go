package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory socket. The test plays the server by pushing
// frames in and reading what the client wrote.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []Frame
	writeErr error
	// onWrite sees each text frame as it goes out, before it is recorded.
	onWrite func(Frame)
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	var fr Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	if f.onWrite != nil {
		f.onWrite(fr)
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeConn) watchWrites(fn func(Frame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite = fn
}

func (f *fakeConn) pushRaw(t *testing.T, data string) {
	t.Helper()
	f.inbound <- []byte(data)
}

func (f *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	fr, err := NewFrame(typ, payload)
	require.NoError(t, err)
	data, err := json.Marshal(fr)
	require.NoError(t, err)
	select {
	case f.inbound <- data:
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not read %s", typ)
	}
}

func (f *fakeConn) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.written...)
}

type harness struct {
	client *Client
	dials  atomic.Int64

	mu    sync.Mutex
	conns []*fakeConn
	// dialErrs are returned by the first len(dialErrs) dials.
	dialErrs []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := New(Config{Origin: "https://party.example.com"})
	require.NoError(t, err)

	h := &harness{client: c}
	c.dial = func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		n := h.dials.Add(1)
		h.mu.Lock()
		defer h.mu.Unlock()
		if int(n) <= len(h.dialErrs) {
			return nil, h.dialErrs[n-1]
		}
		fc := newFakeConn()
		h.conns = append(h.conns, fc)
		return fc, nil
	}
	var ids atomic.Int64
	c.newID = func() string { return fmt.Sprintf("client-%d", ids.Add(1)) }
	t.Cleanup(c.Disconnect)
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.client.State()) }, 2*time.Second, 5*time.Millisecond)
}

func authenticate(t *testing.T, h *harness, fc *fakeConn, userID int64) {
	t.Helper()
	fc.push(t, TypeAuthenticated, map[string]any{"user_id": userID})
	h.waitFor(t, func(s State) bool { return s.Authenticated })
}

func TestClient_AuthenticatedRequestsPartyStatus(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)

	st := h.client.State()
	assert.True(t, st.Connected)
	assert.False(t, st.Authenticated)
	assert.Equal(t, PhaseOpen, h.client.Phase())

	authenticate(t, h, fc, 7)

	st = h.client.State()
	assert.Equal(t, int64(7), st.UserID)
	require.Eventually(t, func() bool { return len(fc.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TypeGetMyPartyStatus, fc.frames()[0].Type)
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)
	authenticate(t, h, fc, 7)

	require.NoError(t, h.client.Connect(context.Background()))

	assert.Equal(t, int64(1), h.dials.Load())
	st := h.client.State()
	assert.True(t, st.Authenticated)
	assert.Equal(t, int64(7), st.UserID)
}

func TestClient_TrackedSendReconciles(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)
	authenticate(t, h, fc, 7)

	h.client.SendMessage(TypeSendMessageToThread, ChatPayload{ThreadID: 3, Content: "hi"})

	st := h.client.State()
	require.Len(t, st.PendingMessages, 1)
	pm := st.PendingMessages["client-1"]
	assert.Equal(t, StatusSent, pm.Status)
	assert.Equal(t, ChatPayload{ThreadID: 3, Content: "hi"}, pm.Payload)
	assert.False(t, pm.CreatedAt.IsZero())

	frames := fc.frames()
	last := frames[len(frames)-1]
	assert.Equal(t, TypeSendMessageToThread, last.Type)
	assert.JSONEq(t, `{"thread_id":3,"content":"hi"}`, string(last.Payload))

	fc.push(t, TypeNewChatMessage, map[string]any{"thread_id": 3, "content": "hi", "author": map[string]any{"id": 7}})
	h.waitFor(t, func(s State) bool { return len(s.PendingMessages) == 0 })
}

func TestClient_TrackedSendPublishesSendingFirst(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)
	authenticate(t, h, fc, 7)

	ch, stop := h.client.Subscribe()
	defer stop()
	<-ch

	// The client lock is held during the write, so read the subscription
	// instead of State.
	var atWrite *PendingMessage
	fc.watchWrites(func(fr Frame) {
		if fr.Type != TypeSendMessageToThread {
			return
		}
		select {
		case st := <-ch:
			if pm, ok := st.PendingMessages["client-1"]; ok {
				atWrite = &pm
			}
		default:
		}
	})

	h.client.SendMessage(TypeSendMessageToThread, ChatPayload{ThreadID: 3, Content: "hi"})

	require.NotNil(t, atWrite, "no pending message published before the write")
	assert.Equal(t, StatusSending, atWrite.Status)
	assert.Equal(t, ChatPayload{ThreadID: 3, Content: "hi"}, atWrite.Payload)

	select {
	case st := <-ch:
		assert.Equal(t, StatusSent, st.PendingMessages["client-1"].Status)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after the write")
	}
}

func TestClient_UntrackedSends(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)

	h.client.Send(SendToThread(3, ""))
	h.client.Send(JoinWatchParty(3, 10))
	h.client.SendMessage(TypeLeaveWatchParty, nil)

	assert.Empty(t, h.client.State().PendingMessages)
	frames := fc.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, TypeJoinWatchParty, frames[1].Type)
	assert.Empty(t, frames[2].Payload)
}

func TestClient_FailedWriteMarksPending(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)
	fc.failWrites(errors.New("broken pipe"))

	h.client.Send(SendToParty(3, "hello"))

	st := h.client.State()
	require.Len(t, st.PendingMessages, 1)
	assert.Equal(t, StatusFailed, st.PendingMessages["client-1"].Status)
	assert.True(t, st.Connected)
}

func TestClient_SendWithoutConnectionIsDropped(t *testing.T) {
	h := newHarness(t)
	before := h.client.State()

	h.client.Send(SendToThread(3, "hi"))

	assert.Equal(t, before, h.client.State())
	assert.Equal(t, int64(0), h.dials.Load())
}

func TestClient_CloseResetsEverything(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)
	authenticate(t, h, fc, 7)

	fc.push(t, TypeJoinedWatchPartySuccess, map[string]any{"thread_id": 3, "file_id": 10, "is_owner": true})
	fc.push(t, TypeTranscodingComplete, map[string]any{"file_id": 10, "url": "/v/10"})
	h.client.Send(SendToThread(3, "pending forever"))
	h.waitFor(t, func(s State) bool { return len(s.TranscodingStatus) == 1 && s.Party.Active() })

	fc.Close()

	h.waitFor(t, func(s State) bool { return !s.Connected })
	assert.Equal(t, InitialState(), h.client.State())
	assert.Equal(t, PhaseIdle, h.client.Phase())
}

func TestClient_DisconnectWithoutHandleResets(t *testing.T) {
	h := newHarness(t)
	owner := true
	h.client.SetParty(PartyPatch{IsOwner: &owner})
	require.True(t, h.client.State().Party.IsOwner)

	h.client.Disconnect()

	assert.Equal(t, InitialState(), h.client.State())
}

func TestClient_DisconnectClosesSocket(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)
	authenticate(t, h, fc, 7)

	h.client.Disconnect()

	assert.Equal(t, InitialState(), h.client.State())
	select {
	case <-fc.closed:
	case <-time.After(time.Second):
		t.Fatal("socket was not closed")
	}
}

func TestClient_StaleCloseIgnored(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)
	h.client.Disconnect()

	second := h.connect(t)
	authenticate(t, h, second, 9)
	first.Close()

	// give the old reader time to notice
	time.Sleep(50 * time.Millisecond)
	st := h.client.State()
	assert.True(t, st.Connected)
	assert.Equal(t, int64(9), st.UserID)
	assert.Equal(t, int64(2), h.dials.Load())
}

func TestClient_MalformedFrameIgnored(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)

	fc.pushRaw(t, "{not json")
	fc.pushRaw(t, `{"type":"authenticated"}`)
	authenticate(t, h, fc, 7)

	st := h.client.State()
	assert.True(t, st.Connected)
	require.NotNil(t, st.LastMessage)
	assert.Equal(t, TypeAuthenticated, st.LastMessage.Type)
}

func TestClient_UnknownFrameRecorded(t *testing.T) {
	h := newHarness(t)
	fc := h.connect(t)

	fc.push(t, "presence_changed", map[string]any{"online": 3})
	h.waitFor(t, func(s State) bool { return s.LastMessage != nil })

	st := h.client.State()
	assert.Equal(t, "presence_changed", st.LastMessage.Type)
	assert.Equal(t, Party{}, st.Party)
}

func TestClient_LocalMutators(t *testing.T) {
	h := newHarness(t)

	h.client.SetPartyFile(12)
	assert.Equal(t, Party{}, h.client.State().Party, "no party, no file change")

	thread, file := int64(3), int64(10)
	h.client.SetParty(PartyPatch{ThreadID: &thread, FileID: &file})
	h.client.SetPartyFile(12)
	assert.Equal(t, Party{ThreadID: 3, FileID: 12}, h.client.State().Party)

	h.client.UpdateTranscodingStatus(12, TranscodingStatus{URL: "/v/12", Completed: false})
	assert.Equal(t, TranscodingStatus{URL: "/v/12"}, h.client.State().TranscodingStatus[12])
}

func TestClient_StateSnapshotsAreCopies(t *testing.T) {
	h := newHarness(t)
	h.client.UpdateTranscodingStatus(1, TranscodingStatus{URL: "a"})

	st := h.client.State()
	st.TranscodingStatus[2] = TranscodingStatus{URL: "b"}

	assert.Len(t, h.client.State().TranscodingStatus, 1)
}

func TestClient_Subscribe(t *testing.T) {
	h := newHarness(t)
	ch, stop := h.client.Subscribe()
	defer stop()

	first := <-ch
	assert.False(t, first.Connected)

	h.connect(t)
	select {
	case st := <-ch:
		assert.True(t, st.Connected)
	case <-time.After(time.Second):
		t.Fatal("no state after connect")
	}

	stop()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestClient_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.dialErrs = []error{errors.New("connection refused")}

	err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, PhaseIdle, h.client.Phase())
	assert.Equal(t, InitialState(), h.client.State())

	// a later connect starts from scratch
	h.connect(t)
	assert.True(t, h.client.State().Connected)
}

func TestClient_ConnectWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.dialErrs = []error{errors.New("refused"), errors.New("refused")}

	err := h.client.ConnectWithBackoff(context.Background(), ReconnectPolicy{Min: time.Millisecond, Max: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.dials.Load())
	assert.True(t, h.client.State().Connected)
}

func TestClient_ConnectWithBackoffGivesUp(t *testing.T) {
	h := newHarness(t)
	h.dialErrs = make([]error, 1000)
	for i := range h.dialErrs {
		h.dialErrs[i] = errors.New("refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.client.ConnectWithBackoff(ctx, ReconnectPolicy{Min: time.Millisecond, Max: 10 * time.Millisecond})
	require.Error(t, err)
	assert.False(t, h.client.State().Connected)
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		origin, path, want string
		wantErr            bool
	}{
		{"https://party.example.com", "", "wss://party.example.com/api/ws/connect", false},
		{"http://localhost:8080/", "", "ws://localhost:8080/api/ws/connect", false},
		{"http://localhost:8080/some/page?x=1", "/ws", "ws://localhost:8080/ws", false},
		{"ftp://example.com", "", "", true},
		{"https://", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			got, err := SocketURL(tt.origin, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
