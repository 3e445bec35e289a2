package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types pushed by the server.
const (
	TypeAuthenticated           = "authenticated"
	TypeActivePartyInfo         = "active_party_info"
	TypeJoinedWatchPartySuccess = "joined_watch_party_success"
	TypeWatchPartyLeft          = "watch_party_left"
	TypeUserBanned              = "user_banned"
	TypePartyListUpdated        = "party_list_updated"
	TypeOwnershipTransferred    = "ownership_transferred"
	TypeOwnershipRevoked        = "ownership_revoked"
	TypePartyFileChanged        = "party_file_changed"
	TypeNewChatMessage          = "new_chat_message"
	TypeTranscodingComplete     = "transcoding_complete"
)

// Outbound frame types sent by the client.
const (
	TypeGetMyPartyStatus    = "get_my_party_status"
	TypeSendMessageToThread = "send_message_to_thread"
	TypeSendMessageToParty  = "send_message_to_party"
	TypeJoinWatchParty      = "join_watch_party"
	TypeLeaveWatchParty     = "leave_watch_party"
)

// ErrMalformedFrame marks an inbound frame that could not be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame encodes payload into a frame. A nil payload is omitted.
func NewFrame(typ string, payload any) (Frame, error) {
	f := Frame{Type: typ}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	f.Payload = raw
	return f, nil
}

// ParseFrame decodes one raw socket message.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return f, nil
}

// ChatPayload is the body of a thread or party text send.
type ChatPayload struct {
	ThreadID int64  `json:"thread_id"`
	Content  string `json:"content"`
}

func GetMyPartyStatus() Frame {
	return Frame{Type: TypeGetMyPartyStatus}
}

func SendToThread(threadID int64, content string) Frame {
	f, _ := NewFrame(TypeSendMessageToThread, ChatPayload{ThreadID: threadID, Content: content})
	return f
}

func SendToParty(threadID int64, content string) Frame {
	f, _ := NewFrame(TypeSendMessageToParty, ChatPayload{ThreadID: threadID, Content: content})
	return f
}

func JoinWatchParty(threadID, fileID int64) Frame {
	f, _ := NewFrame(TypeJoinWatchParty, map[string]int64{"thread_id": threadID, "file_id": fileID})
	return f
}

func LeaveWatchParty(threadID int64) Frame {
	f, _ := NewFrame(TypeLeaveWatchParty, map[string]int64{"thread_id": threadID})
	return f
}

// Event is the closed set of decoded inbound frames. Only types in this
// package implement it, so a type switch over Event sees every case.
type Event interface {
	eventType() string
}

type Authenticated struct {
	UserID int64 `json:"user_id"`
}

// PartyInfo describes a watch party membership as sent by the server.
type PartyInfo struct {
	ThreadID int64 `json:"thread_id"`
	FileID   int64 `json:"file_id"`
	IsOwner  bool  `json:"is_owner"`
}

// ActivePartyInfo reports a party this session already belongs to,
// typically joined from another tab.
type ActivePartyInfo struct {
	PartyInfo
}

type JoinedWatchPartySuccess struct {
	PartyInfo
}

type WatchPartyLeft struct{}

type UserBanned struct {
	BannedUserID int64 `json:"banned_user_id"`
}

// PartyListUpdated is overloaded by the server: when it carries a new file
// id it doubles as a file change notice for party members.
type PartyListUpdated struct {
	NewFileID int64
}

type OwnershipTransferred struct {
	ThreadID int64 `json:"thread_id"`
}

type OwnershipRevoked struct {
	ThreadID int64 `json:"thread_id"`
}

type PartyFileChanged struct {
	NewFileID int64
}

type Author struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type NewChatMessage struct {
	ID       int64   `json:"id,omitempty"`
	ThreadID int64   `json:"thread_id"`
	Content  string  `json:"content"`
	Author   *Author `json:"author,omitempty"`
}

type TranscodingComplete struct {
	FileID int64  `json:"file_id"`
	URL    string `json:"url"`
}

// Unknown is any frame type this client does not act on.
type Unknown struct {
	Type string
}

func (Authenticated) eventType() string           { return TypeAuthenticated }
func (ActivePartyInfo) eventType() string         { return TypeActivePartyInfo }
func (JoinedWatchPartySuccess) eventType() string { return TypeJoinedWatchPartySuccess }
func (WatchPartyLeft) eventType() string          { return TypeWatchPartyLeft }
func (UserBanned) eventType() string              { return TypeUserBanned }
func (PartyListUpdated) eventType() string        { return TypePartyListUpdated }
func (OwnershipTransferred) eventType() string    { return TypeOwnershipTransferred }
func (OwnershipRevoked) eventType() string        { return TypeOwnershipRevoked }
func (PartyFileChanged) eventType() string        { return TypePartyFileChanged }
func (NewChatMessage) eventType() string          { return TypeNewChatMessage }
func (TranscodingComplete) eventType() string     { return TypeTranscodingComplete }
func (u Unknown) eventType() string               { return u.Type }

// fileChange accepts both spellings the server has used for the new file id.
type fileChange struct {
	NewFileID      int64 `json:"newFileId"`
	NewFileIDSnake int64 `json:"new_file_id"`
}

func (f fileChange) id() int64 {
	if f.NewFileID != 0 {
		return f.NewFileID
	}
	return f.NewFileIDSnake
}

// DecodeEvent maps a frame to its typed variant. Types whose handling needs
// the payload fail with ErrMalformedFrame when it is missing or invalid.
func DecodeEvent(f Frame) (Event, error) {
	switch f.Type {
	case TypeAuthenticated:
		return decodeAs[Authenticated](f, true)
	case TypeActivePartyInfo:
		return decodeAs[ActivePartyInfo](f, true)
	case TypeJoinedWatchPartySuccess:
		return decodeAs[JoinedWatchPartySuccess](f, true)
	case TypeWatchPartyLeft:
		return WatchPartyLeft{}, nil
	case TypeUserBanned:
		return decodeAs[UserBanned](f, false)
	case TypePartyListUpdated:
		var fc fileChange
		if err := decodePayload(f, &fc, false); err != nil {
			return nil, err
		}
		return PartyListUpdated{NewFileID: fc.id()}, nil
	case TypeOwnershipTransferred:
		return decodeAs[OwnershipTransferred](f, true)
	case TypeOwnershipRevoked:
		return decodeAs[OwnershipRevoked](f, true)
	case TypePartyFileChanged:
		var fc fileChange
		if err := decodePayload(f, &fc, true); err != nil {
			return nil, err
		}
		return PartyFileChanged{NewFileID: fc.id()}, nil
	case TypeNewChatMessage:
		return decodeAs[NewChatMessage](f, true)
	case TypeTranscodingComplete:
		return decodeAs[TranscodingComplete](f, true)
	default:
		return Unknown{Type: f.Type}, nil
	}
}

func decodeAs[T Event](f Frame, required bool) (Event, error) {
	var e T
	if err := decodePayload(f, &e, required); err != nil {
		return nil, err
	}
	return e, nil
}

func decodePayload(f Frame, v any, required bool) error {
	if !hasPayload(f) {
		if required {
			return fmt.Errorf("%w: %s without payload", ErrMalformedFrame, f.Type)
		}
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

func hasPayload(f Frame) bool {
	return len(f.Payload) > 0 && string(f.Payload) != "null"
}
