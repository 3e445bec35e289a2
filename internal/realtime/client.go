// Package realtime keeps one socket connection to the watch party server
// and folds its server pushes into a State snapshot.
//
// Every transition (connection events, inbound frames, local sends and
// mutators) runs under one lock, so transitions never interleave and each
// one reads the latest committed State. Socket failures are never returned
// from the mutators; they show up as State changes (Connected flips false).
// Reconnecting after a drop is the caller's job, see ConnectWithBackoff.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Phase is the lifecycle of the connection handle. A closed handle goes
// straight back to PhaseIdle after the state reset.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Origin of the page/API, e.g. "https://party.example.com".
	Origin string
	// Path of the socket endpoint. Defaults to DefaultPath.
	Path string
	// Jar supplies the session cookies sent on the upgrade request.
	Jar http.CookieJar

	WriteWait        time.Duration
	PongWait         time.Duration
	MaxMessageSize   int64
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// pingPeriod must stay below PongWait.
func (c *Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

type Client struct {
	cfg    Config
	url    string
	dial   dialFunc
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu      sync.Mutex
	phase   Phase
	conn    *connection
	state   State
	subs    map[int]chan State
	nextSub int
}

func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	u, err := SocketURL(cfg.Origin, cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		url:    u,
		dial:   gorillaDialer(cfg.Jar, cfg.HandshakeTimeout),
		logger: cfg.Logger,
		newID:  func() string { return uuid.NewString() },
		now:    time.Now,
		state:  InitialState(),
		subs:   make(map[int]chan State),
	}, nil
}

// URL is the socket address this client dials.
func (c *Client) URL() string {
	return c.url
}

// Connect opens the socket and blocks until the dial settles. It is a no-op
// while a handle already exists (connecting or open); the caller must not
// assume a fresh connection. A failed dial resets the state and returns an
// error wrapping ErrTransportUnavailable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		phase := c.phase
		c.mu.Unlock()
		c.logger.Debug("connect skipped, websocket handle already exists", "phase", phase.String())
		return nil
	}
	dialCtx, cancel := context.WithCancel(ctx)
	conn := newConnection(cancel)
	c.conn = conn
	c.phase = PhaseConnecting
	c.mu.Unlock()

	c.logger.Info("connecting to websocket", "url", c.url)
	ws, err := c.dial(dialCtx, c.url, c.header())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		// Disconnect won the race with the dial.
		if ws != nil {
			_ = ws.Close()
		}
		cancel()
		return fmt.Errorf("%w: disconnected while dialing", ErrTransportUnavailable)
	}
	if err != nil {
		c.logger.Warn("websocket connect failed", "url", c.url, "error", err)
		cancel()
		c.resetLocked()
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	conn.setWS(ws)
	c.phase = PhaseOpen
	next := c.state
	next.Connected = true
	c.commitLocked(next)
	c.logger.Info("websocket connection opened, awaiting authentication", "url", c.url)

	go c.readPump(conn)
	go c.pingPump(conn)
	return nil
}

// Disconnect closes the handle if there is one and resets the state either way.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn := c.conn; conn != nil {
		c.logger.Info("closing websocket", "url", c.url)
		conn.close()
	}
	c.resetLocked()
}

func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State returns a copy of the current snapshot.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe delivers the current snapshot and then every later one.
// Slow readers only ever see the latest snapshot. Call the returned func to stop.
func (c *Client) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan State, 1)
	ch <- c.state.Clone()
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// SendMessage encodes payload and sends it, see Send.
func (c *Client) SendMessage(typ string, payload any) {
	frame, err := NewFrame(typ, payload)
	if err != nil {
		c.logger.Error("failed to encode websocket message", "type", typ, "error", err)
		return
	}
	c.Send(frame)
}

// Send writes frame to the socket. Without an open socket the frame is
// dropped with a warning. Chat sends with content are tracked as pending
// messages until their broadcast echo arrives.
func (c *Client) Send(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(frame)
}

func (c *Client) sendLocked(frame Frame) {
	conn := c.conn
	if conn == nil || c.phase != PhaseOpen {
		c.logger.Warn("attempted to send message, but websocket is not open", "type", frame.Type, "error", ErrTransportUnavailable)
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode websocket message", "type", frame.Type, "error", err)
		return
	}

	payload, ok := trackable(frame)
	if !ok {
		c.logger.Debug("sending websocket message", "type", frame.Type)
		if err := conn.write(websocket.TextMessage, data, c.cfg.WriteWait); err != nil {
			c.logger.Error("failed to send websocket message", "type", frame.Type, "error", err)
		}
		return
	}

	// The client id stays local: the server has no field to echo it back.
	clientID := c.newID()
	c.commitLocked(c.state.withPending(PendingMessage{
		ClientID:  clientID,
		Status:    StatusSending,
		Payload:   payload,
		CreatedAt: c.now(),
	}))

	c.logger.Debug("sending trackable websocket message", "type", frame.Type, "client_id", clientID)
	if err := conn.write(websocket.TextMessage, data, c.cfg.WriteWait); err != nil {
		c.logger.Error("failed to send websocket message", "type", frame.Type, "client_id", clientID, "error", err)
		c.commitLocked(c.state.withPendingStatus(clientID, StatusFailed))
		return
	}
	c.commitLocked(c.state.withPendingStatus(clientID, StatusSent))
}

// trackable reports whether frame is a text send worth tracking.
func trackable(frame Frame) (ChatPayload, bool) {
	if frame.Type != TypeSendMessageToThread && frame.Type != TypeSendMessageToParty {
		return ChatPayload{}, false
	}
	var p ChatPayload
	if len(frame.Payload) == 0 || json.Unmarshal(frame.Payload, &p) != nil {
		return ChatPayload{}, false
	}
	return p, p.Content != ""
}

// SetParty merges patch into the current party.
func (c *Client) SetParty(patch PartyPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state
	next.Party = patch.apply(next.Party)
	c.commitLocked(next)
}

// SetPartyFile changes the party's file; it does nothing outside a party.
func (c *Client) SetPartyFile(fileID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Party.Active() {
		return
	}
	next := c.state
	next.Party.FileID = fileID
	c.commitLocked(next)
}

func (c *Client) UpdateTranscodingStatus(fileID int64, status TranscodingStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitLocked(c.state.withTranscoding(fileID, status))
}

// readPump pumps frames from the socket into the reducer until the socket fails.
func (c *Client) readPump(conn *connection) {
	defer c.closed(conn)

	ws := conn.ws
	ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			} else {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handleFrame(conn, data)
	}
}

// pingPump keeps the connection alive until it closes.
func (c *Client) pingPump(conn *connection) {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil, c.cfg.WriteWait); err != nil {
				c.logger.Warn("websocket ping failed", "error", err)
				conn.close()
				return
			}
		}
	}
}

func (c *Client) handleFrame(conn *connection, data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		c.logger.Warn("failed to parse websocket message", "data", string(data), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}

	c.logger.Debug("websocket message received", "type", frame.Type)
	next, effects, err := Reduce(c.state, frame)
	if err != nil {
		c.logger.Warn("failed to handle websocket message", "type", frame.Type, "error", err)
		return
	}
	if next.Authenticated && !c.state.Authenticated {
		c.logger.Info("websocket authenticated", "user_id", next.UserID)
	}
	c.commitLocked(next)

	for _, f := range effects {
		c.sendLocked(f)
	}
}

// closed runs when the read side of conn stops. A close from a handle that
// has already been replaced or dropped is ignored.
func (c *Client) closed(conn *connection) {
	conn.close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.logger.Info("websocket closed", "url", c.url)
	c.resetLocked()
}

// resetLocked drops the handle and returns every connection-scoped field to
// its initial value.
func (c *Client) resetLocked() {
	c.conn = nil
	c.phase = PhaseIdle
	c.commitLocked(InitialState())
}

func (c *Client) commitLocked(next State) {
	c.state = next
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next.Clone()
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Origin", c.cfg.Origin)
	return h
}
