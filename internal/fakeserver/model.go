package fakeserver

import "encoding/json"

// ---------------------------------------------
// Socket wire format
// ---------------------------------------------

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatPayload struct {
	ThreadID int64  `json:"thread_id"`
	Content  string `json:"content"`
}

type joinPayload struct {
	ThreadID int64 `json:"thread_id"`
	FileID   int64 `json:"file_id"`
}

type partyInfo struct {
	ThreadID int64 `json:"thread_id"`
	FileID   int64 `json:"file_id"`
	IsOwner  bool  `json:"is_owner"`
}

type author struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type chatMessage struct {
	ID       int64  `json:"id"`
	ThreadID int64  `json:"thread_id"`
	Content  string `json:"content"`
	Author   author `json:"author"`
}

// ---------------------------------------------
// Internal hub models
// ---------------------------------------------

// BroadcastMessage is routed by the hub. A nil Client and zero TargetID
// reach everyone.
type BroadcastMessage struct {
	TargetID int64
	Client   *Client
	Payload  []byte
}

func (m BroadcastMessage) reaches(c *Client) bool {
	switch {
	case m.Client != nil:
		return m.Client == c
	case m.TargetID != 0:
		return m.TargetID == c.UserID
	default:
		return true
	}
}

func encodeFrame(typ string, payload any) ([]byte, error) {
	f := frame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}
