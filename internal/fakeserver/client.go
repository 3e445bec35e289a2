package fakeserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev backend: every origin is allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	server   *Server
	conn     *websocket.Conn
	Send     chan []byte
	UserID   int64
	Username string
	logger   *slog.Logger
}

// ServeWs upgrades an authenticated request and greets the user.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server:   s,
		conn:     conn,
		Send:     make(chan []byte, 256),
		UserID:   userID,
		Username: username,
		logger:   s.logger.With("user_id", userID),
	}
	if !s.hub.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.reply("authenticated", map[string]int64{"user_id": userID})
}

// readPump pumps frames from the connection into handle.
func (c *Client) readPump() {
	defer func() {
		c.server.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(message)
	}
}

// writePump pumps messages from the hub to the connection, one frame per
// message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		c.logger.Warn("bad frame from client", "error", err)
		return
	}
	s := c.server

	switch f.Type {
	case "get_my_party_status":
		if info, ok := s.parties.Status(c.UserID); ok {
			c.reply("active_party_info", info)
		}

	case "join_watch_party":
		var p joinPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.ThreadID == 0 {
			c.logger.Warn("bad join_watch_party payload", "error", err)
			return
		}
		info, left := s.parties.Join(c.UserID, p.ThreadID, p.FileID)
		s.announceHandoff(left)
		c.reply("joined_watch_party_success", info)

	case "leave_watch_party":
		left, ok := s.parties.Leave(c.UserID)
		if !ok {
			return
		}
		s.announceHandoff(left)
		c.reply("watch_party_left", nil)

	case "send_message_to_thread", "send_message_to_party":
		var p chatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Content == "" {
			c.logger.Warn("bad chat payload", "type", f.Type, "error", err)
			return
		}
		msg := chatMessage{
			ID:       s.msgID.Add(1),
			ThreadID: p.ThreadID,
			Content:  p.Content,
			Author:   author{ID: c.UserID, Username: c.Username},
		}
		s.send(BroadcastMessage{}, "new_chat_message", msg)

	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Client) reply(typ string, payload any) {
	c.server.send(BroadcastMessage{Client: c}, typ, payload)
}
