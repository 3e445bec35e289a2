package realtime

import (
	"fmt"
	"sort"
)

// Reduce applies one inbound frame to prev and returns the next state plus
// any frames that must be sent in reaction. It never mutates prev.
// A frame that fails to decode leaves prev untouched and returns the error.
func Reduce(prev State, frame Frame) (State, []Frame, error) {
	ev, err := DecodeEvent(frame)
	if err != nil {
		return prev, nil, err
	}

	next := prev
	last := frame
	next.LastMessage = &last
	next.Party = reduceParty(prev.Party, prev.UserID, ev)

	var effects []Frame

	switch e := ev.(type) {
	case Authenticated:
		next.Authenticated = true
		next.UserID = e.UserID
		// Ask right away in case another tab already joined a party.
		effects = append(effects, GetMyPartyStatus())
	case NewChatMessage:
		if clientID, ok := matchPending(prev, e); ok {
			next = next.withoutPending(clientID)
		}
	case TranscodingComplete:
		next = next.withTranscoding(e.FileID, TranscodingStatus{URL: e.URL, Completed: true})
	case ActivePartyInfo, JoinedWatchPartySuccess, WatchPartyLeft, UserBanned,
		PartyListUpdated, OwnershipTransferred, OwnershipRevoked, PartyFileChanged, Unknown:
		// party only
	default:
		panic(fmt.Sprintf("realtime: unhandled event %T", ev))
	}

	return next, effects, nil
}

// reduceParty is the party part of Reduce: the result depends only on the
// previous party, this session's user id and the event.
func reduceParty(p Party, userID int64, ev Event) Party {
	switch e := ev.(type) {
	case ActivePartyInfo:
		return Party(e.PartyInfo)
	case JoinedWatchPartySuccess:
		return Party(e.PartyInfo)
	case WatchPartyLeft:
		return Party{}
	case UserBanned:
		if userID != 0 && e.BannedUserID == userID {
			return Party{}
		}
	case PartyListUpdated:
		if e.NewFileID != 0 && p.Active() && p.FileID != e.NewFileID {
			p.FileID = e.NewFileID
		}
	case OwnershipTransferred:
		if p.Active() && p.ThreadID == e.ThreadID {
			p.IsOwner = true
		}
	case OwnershipRevoked:
		if p.Active() && p.ThreadID == e.ThreadID {
			p.IsOwner = false
		}
	case PartyFileChanged:
		if p.Active() && p.FileID != e.NewFileID {
			p.FileID = e.NewFileID
		}
	case Authenticated, NewChatMessage, TranscodingComplete, Unknown:
	default:
		panic(fmt.Sprintf("realtime: unhandled event %T", ev))
	}
	return p
}

// matchPending finds the oldest pending send with the same thread and
// content as an echo authored by this session. Content equality is the only
// signal the server gives us, so two identical rapid sends to one thread
// cannot be told apart.
func matchPending(s State, msg NewChatMessage) (string, bool) {
	if s.UserID == 0 || msg.Author == nil || msg.Author.ID != s.UserID {
		return "", false
	}

	candidates := make([]PendingMessage, 0, len(s.PendingMessages))
	for _, pm := range s.PendingMessages {
		if pm.Payload.ThreadID == msg.ThreadID && pm.Payload.Content == msg.Content {
			candidates = append(candidates, pm)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ClientID < candidates[j].ClientID
	})
	return candidates[0].ClientID, true
}
