package realtime

import (
	"maps"
	"time"
)

// Party is this session's membership in a watch party. Ids are positive;
// zero means none.
type Party struct {
	ThreadID int64
	FileID   int64
	IsOwner  bool
}

func (p Party) Active() bool {
	return p.ThreadID != 0
}

// PartyPatch is a partial update applied by SetParty. Nil fields are left alone.
type PartyPatch struct {
	ThreadID *int64
	FileID   *int64
	IsOwner  *bool
}

func (pp PartyPatch) apply(p Party) Party {
	if pp.ThreadID != nil {
		p.ThreadID = *pp.ThreadID
	}
	if pp.FileID != nil {
		p.FileID = *pp.FileID
	}
	if pp.IsOwner != nil {
		p.IsOwner = *pp.IsOwner
	}
	return p
}

type PendingStatus string

const (
	StatusSending PendingStatus = "sending"
	StatusSent    PendingStatus = "sent"
	StatusFailed  PendingStatus = "failed"
)

// PendingMessage is a chat send awaiting its broadcast echo.
type PendingMessage struct {
	ClientID  string
	Status    PendingStatus
	Payload   ChatPayload
	CreatedAt time.Time
}

type TranscodingStatus struct {
	URL       string
	Completed bool
}

// State is one immutable snapshot of the connection. Maps are never written
// after a State has been published; transitions copy them first.
type State struct {
	Connected         bool
	Authenticated     bool
	UserID            int64
	Party             Party
	PendingMessages   map[string]PendingMessage
	TranscodingStatus map[int64]TranscodingStatus
	LastMessage       *Frame
}

// InitialState is the state before connect and after every close.
func InitialState() State {
	return State{
		PendingMessages:   map[string]PendingMessage{},
		TranscodingStatus: map[int64]TranscodingStatus{},
	}
}

// Clone returns a deep copy safe to hand out to callers.
func (s State) Clone() State {
	s.PendingMessages = maps.Clone(s.PendingMessages)
	s.TranscodingStatus = maps.Clone(s.TranscodingStatus)
	if s.PendingMessages == nil {
		s.PendingMessages = map[string]PendingMessage{}
	}
	if s.TranscodingStatus == nil {
		s.TranscodingStatus = map[int64]TranscodingStatus{}
	}
	if s.LastMessage != nil {
		f := *s.LastMessage
		f.Payload = append([]byte(nil), f.Payload...)
		s.LastMessage = &f
	}
	return s
}

func (s State) withPending(pm PendingMessage) State {
	pending := maps.Clone(s.PendingMessages)
	if pending == nil {
		pending = map[string]PendingMessage{}
	}
	pending[pm.ClientID] = pm
	s.PendingMessages = pending
	return s
}

func (s State) withPendingStatus(clientID string, status PendingStatus) State {
	pm, ok := s.PendingMessages[clientID]
	if !ok {
		return s
	}
	pm.Status = status
	return s.withPending(pm)
}

func (s State) withoutPending(clientID string) State {
	pending := maps.Clone(s.PendingMessages)
	delete(pending, clientID)
	s.PendingMessages = pending
	return s
}

func (s State) withTranscoding(fileID int64, status TranscodingStatus) State {
	ts := maps.Clone(s.TranscodingStatus)
	if ts == nil {
		ts = map[int64]TranscodingStatus{}
	}
	ts[fileID] = status
	s.TranscodingStatus = ts
	return s
}
