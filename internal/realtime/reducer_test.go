package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, typ string, payload any) Frame {
	t.Helper()
	f, err := NewFrame(typ, payload)
	require.NoError(t, err)
	return f
}

func stateWith(userID int64, party Party) State {
	s := InitialState()
	s.Connected = true
	s.Authenticated = userID != 0
	s.UserID = userID
	s.Party = party
	return s
}

func TestReduce_Authenticated(t *testing.T) {
	prev := stateWith(0, Party{})

	next, effects, err := Reduce(prev, frame(t, TypeAuthenticated, map[string]any{"user_id": 7}))
	require.NoError(t, err)

	assert.True(t, next.Authenticated)
	assert.Equal(t, int64(7), next.UserID)
	require.Len(t, effects, 1)
	assert.Equal(t, TypeGetMyPartyStatus, effects[0].Type)
	// prev untouched
	assert.False(t, prev.Authenticated)
	assert.Nil(t, prev.LastMessage)
}

func TestReduce_PartyTransitions(t *testing.T) {
	inParty := Party{ThreadID: 3, FileID: 10, IsOwner: false}

	tests := []struct {
		name    string
		userID  int64
		prev    Party
		typ     string
		payload any
		want    Party
	}{
		{"active party info", 7, Party{}, TypeActivePartyInfo,
			map[string]any{"thread_id": 4, "file_id": 11, "is_owner": true}, Party{ThreadID: 4, FileID: 11, IsOwner: true}},
		{"joined", 7, Party{}, TypeJoinedWatchPartySuccess,
			map[string]any{"thread_id": 3, "file_id": 10, "is_owner": false}, inParty},
		{"left", 7, inParty, TypeWatchPartyLeft, nil, Party{}},
		{"banned self", 7, inParty, TypeUserBanned, map[string]any{"banned_user_id": 7}, Party{}},
		{"banned other", 7, inParty, TypeUserBanned, map[string]any{"banned_user_id": 8}, inParty},
		{"banned before auth", 0, inParty, TypeUserBanned, map[string]any{}, inParty},
		{"ownership transferred", 7, inParty, TypeOwnershipTransferred,
			map[string]any{"thread_id": 3}, Party{ThreadID: 3, FileID: 10, IsOwner: true}},
		{"ownership transferred other thread", 7, inParty, TypeOwnershipTransferred,
			map[string]any{"thread_id": 99}, inParty},
		{"ownership revoked", 7, Party{ThreadID: 3, FileID: 10, IsOwner: true}, TypeOwnershipRevoked,
			map[string]any{"thread_id": 3}, inParty},
		{"ownership revoked other thread", 7, Party{ThreadID: 3, FileID: 10, IsOwner: true}, TypeOwnershipRevoked,
			map[string]any{"thread_id": 4}, Party{ThreadID: 3, FileID: 10, IsOwner: true}},
		{"ownership outside party", 7, Party{}, TypeOwnershipTransferred, map[string]any{"thread_id": 0}, Party{}},
		{"file changed", 7, inParty, TypePartyFileChanged,
			map[string]any{"newFileId": 12}, Party{ThreadID: 3, FileID: 12}},
		{"file changed snake case", 7, inParty, TypePartyFileChanged,
			map[string]any{"new_file_id": 13}, Party{ThreadID: 3, FileID: 13}},
		{"file changed outside party", 7, Party{}, TypePartyFileChanged, map[string]any{"newFileId": 12}, Party{}},
		{"list updated with file", 7, inParty, TypePartyListUpdated,
			map[string]any{"newFileId": 14}, Party{ThreadID: 3, FileID: 14}},
		{"list updated without file", 7, inParty, TypePartyListUpdated, map[string]any{"parties": []int{1}}, inParty},
		{"list updated no payload", 7, inParty, TypePartyListUpdated, nil, inParty},
		{"list updated outside party", 7, Party{}, TypePartyListUpdated, map[string]any{"newFileId": 14}, Party{}},
		{"chat message", 7, inParty, TypeNewChatMessage,
			map[string]any{"thread_id": 3, "content": "hi", "author": map[string]any{"id": 7}}, inParty},
		{"transcoding", 7, inParty, TypeTranscodingComplete, map[string]any{"file_id": 10, "url": "/v/10.m3u8"}, inParty},
		{"unknown", 7, inParty, "presence_changed", map[string]any{"thread_id": 3}, inParty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := stateWith(tt.userID, tt.prev)
			next, _, err := Reduce(prev, frame(t, tt.typ, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, next.Party)
			assert.Equal(t, tt.prev, prev.Party)
			require.NotNil(t, next.LastMessage)
			assert.Equal(t, tt.typ, next.LastMessage.Type)
		})
	}
}

func TestReduce_PartyIsPure(t *testing.T) {
	f := frame(t, TypeOwnershipTransferred, map[string]any{"thread_id": 3})
	prev := stateWith(7, Party{ThreadID: 3, FileID: 10})

	a, _, err := Reduce(prev, f)
	require.NoError(t, err)
	b, _, err := Reduce(prev, f)
	require.NoError(t, err)
	assert.Equal(t, a.Party, b.Party)
}

func TestReduce_UnknownOnlyRecordsLastMessage(t *testing.T) {
	prev := stateWith(7, Party{ThreadID: 3, FileID: 10, IsOwner: true})
	prev = prev.withTranscoding(1, TranscodingStatus{URL: "u", Completed: true})
	f := frame(t, "something_new", map[string]any{"x": 1})

	next, effects, err := Reduce(prev, f)
	require.NoError(t, err)
	assert.Empty(t, effects)

	want := prev
	want.LastMessage = &f
	assert.Equal(t, want, next)
}

func TestReduce_MalformedPayload(t *testing.T) {
	prev := stateWith(7, Party{ThreadID: 3})

	tests := []Frame{
		{Type: TypeAuthenticated},
		{Type: TypeOwnershipTransferred, Payload: json.RawMessage(`null`)},
		{Type: TypeNewChatMessage, Payload: json.RawMessage(`"oops"`)},
		{Type: TypeTranscodingComplete, Payload: json.RawMessage(`{"file_id":"x"}`)},
	}
	for _, f := range tests {
		t.Run(f.Type, func(t *testing.T) {
			next, effects, err := Reduce(prev, f)
			require.ErrorIs(t, err, ErrMalformedFrame)
			assert.Empty(t, effects)
			assert.Equal(t, prev, next)
		})
	}
}

func TestReduce_ReconcilesOwnEcho(t *testing.T) {
	now := time.Unix(1700000000, 0)
	prev := stateWith(7, Party{})
	prev = prev.withPending(PendingMessage{ClientID: "b", Status: StatusSent, Payload: ChatPayload{ThreadID: 3, Content: "hi"}, CreatedAt: now.Add(time.Second)})
	prev = prev.withPending(PendingMessage{ClientID: "a", Status: StatusSent, Payload: ChatPayload{ThreadID: 3, Content: "hi"}, CreatedAt: now})
	prev = prev.withPending(PendingMessage{ClientID: "c", Status: StatusSent, Payload: ChatPayload{ThreadID: 4, Content: "hi"}, CreatedAt: now})

	echo := frame(t, TypeNewChatMessage, map[string]any{"thread_id": 3, "content": "hi", "author": map[string]any{"id": 7}})
	next, _, err := Reduce(prev, echo)
	require.NoError(t, err)

	// identical sends cannot be told apart; the oldest one is removed
	assert.NotContains(t, next.PendingMessages, "a")
	assert.Contains(t, next.PendingMessages, "b")
	assert.Contains(t, next.PendingMessages, "c")
	assert.Len(t, prev.PendingMessages, 3)

	next, _, err = Reduce(next, echo)
	require.NoError(t, err)
	assert.Len(t, next.PendingMessages, 1)
	assert.Contains(t, next.PendingMessages, "c")
}

func TestReduce_IgnoresOtherAuthorsAndMismatches(t *testing.T) {
	prev := stateWith(7, Party{})
	prev = prev.withPending(PendingMessage{ClientID: "a", Status: StatusSent, Payload: ChatPayload{ThreadID: 3, Content: "hi"}})

	tests := map[string]map[string]any{
		"other author":      {"thread_id": 3, "content": "hi", "author": map[string]any{"id": 8}},
		"no author":         {"thread_id": 3, "content": "hi"},
		"other thread":      {"thread_id": 5, "content": "hi", "author": map[string]any{"id": 7}},
		"different content": {"thread_id": 3, "content": "hi!", "author": map[string]any{"id": 7}},
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			next, _, err := Reduce(prev, frame(t, TypeNewChatMessage, payload))
			require.NoError(t, err)
			assert.Len(t, next.PendingMessages, 1)
		})
	}
}

func TestReduce_TranscodingMerges(t *testing.T) {
	prev := stateWith(7, Party{})
	prev = prev.withTranscoding(1, TranscodingStatus{URL: "/v/1", Completed: true})

	next, _, err := Reduce(prev, frame(t, TypeTranscodingComplete, map[string]any{"file_id": 2, "url": "/v/2"}))
	require.NoError(t, err)

	assert.Equal(t, map[int64]TranscodingStatus{
		1: {URL: "/v/1", Completed: true},
		2: {URL: "/v/2", Completed: true},
	}, next.TranscodingStatus)
	assert.Len(t, prev.TranscodingStatus, 1)
}

func TestDecodeEvent_Variants(t *testing.T) {
	ev, err := DecodeEvent(frame(t, TypeActivePartyInfo, map[string]any{"thread_id": 1, "file_id": 2, "is_owner": true}))
	require.NoError(t, err)
	assert.Equal(t, ActivePartyInfo{PartyInfo{ThreadID: 1, FileID: 2, IsOwner: true}}, ev)

	ev, err = DecodeEvent(Frame{Type: TypeWatchPartyLeft})
	require.NoError(t, err)
	assert.Equal(t, WatchPartyLeft{}, ev)

	ev, err = DecodeEvent(Frame{Type: "mystery"})
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: "mystery"}, ev)
}

func TestParseFrame_Malformed(t *testing.T) {
	for _, raw := range []string{"not json", `[1,2]`, `{"type":5}`} {
		_, err := ParseFrame([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, raw)
	}

	f, err := ParseFrame([]byte(`{"type":"watch_party_left"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeWatchPartyLeft, f.Type)
	assert.Empty(t, f.Payload)
}
