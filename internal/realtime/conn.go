package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultPath = "/api/ws/connect"

	defaultWriteWait        = 10 * time.Second // Time allowed to write a message to the peer.
	defaultPongWait         = 60 * time.Second // Time allowed to read the next pong message from the peer.
	defaultMaxMessageSize   = 1 << 20          // Maximum message size allowed from peer.
	defaultHandshakeTimeout = 15 * time.Second
)

// ErrTransportUnavailable means there is no open socket to use.
var ErrTransportUnavailable = errors.New("websocket is not open")

// wsConn is the subset of *websocket.Conn the client uses, so tests can
// swap in a fake socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func gorillaDialer(jar http.CookieJar, handshakeTimeout time.Duration) dialFunc {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Jar:              jar,
	}
	return func(ctx context.Context, u string, header http.Header) (wsConn, error) {
		conn, resp, err := d.DialContext(ctx, u, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dialing %s: %w (status %d)", u, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dialing %s: %w", u, err)
		}
		return conn, nil
	}
}

// SocketURL derives the socket address from the page origin: a secure
// origin gets a secure socket.
func SocketURL(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parsing origin: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme %q", origin, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// connection is the handle owned by the client while Connecting or Open.
type connection struct {
	ws      wsConn // nil until the dial completes
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func newConnection(cancel context.CancelFunc) *connection {
	return &connection{cancel: cancel, done: make(chan struct{})}
}

func (c *connection) write(messageType int, data []byte, wait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return ErrTransportUnavailable
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection) setWS(ws wsConn) {
	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
}

// close tears the handle down once, whichever side notices first.
func (c *connection) close() {
	c.once.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		ws := c.ws
		if ws != nil {
			_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.writeMu.Unlock()

		if ws != nil {
			_ = ws.Close()
		}
		close(c.done)
	})
}
