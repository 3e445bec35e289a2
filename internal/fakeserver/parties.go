package fakeserver

import (
	"slices"
	"sync"
)

type watchParty struct {
	threadID int64
	fileID   int64
	ownerID  int64
	members  map[int64]bool
}

func (p *watchParty) info(userID int64) partyInfo {
	return partyInfo{ThreadID: p.threadID, FileID: p.fileID, IsOwner: p.ownerID == userID}
}

// Parties tracks who watches what. A user is in at most one party; the
// first member of a thread's party owns it.
type Parties struct {
	mu       sync.Mutex
	byThread map[int64]*watchParty
	memberOf map[int64]int64
}

func NewParties() *Parties {
	return &Parties{
		byThread: make(map[int64]*watchParty),
		memberOf: make(map[int64]int64),
	}
}

func (ps *Parties) Status(userID int64) (partyInfo, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	thread, ok := ps.memberOf[userID]
	if !ok {
		return partyInfo{}, false
	}
	return ps.byThread[thread].info(userID), true
}

// Join puts userID into the thread's party, leaving any other party first.
// A zero fileID keeps the party's current file.
func (ps *Parties) Join(userID, threadID, fileID int64) (info partyInfo, left handoff) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if cur, ok := ps.memberOf[userID]; ok && cur != threadID {
		left = ps.leaveLocked(userID)
	}

	p, ok := ps.byThread[threadID]
	if !ok {
		p = &watchParty{threadID: threadID, fileID: fileID, ownerID: userID, members: make(map[int64]bool)}
		ps.byThread[threadID] = p
	}
	if fileID != 0 && p.ownerID == userID {
		p.fileID = fileID
	}
	p.members[userID] = true
	ps.memberOf[userID] = threadID
	return p.info(userID), left
}

// handoff describes what a leave did to the party left behind.
type handoff struct {
	ThreadID int64
	NewOwner int64
}

func (ps *Parties) Leave(userID int64) (handoff, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.memberOf[userID]; !ok {
		return handoff{}, false
	}
	return ps.leaveLocked(userID), true
}

func (ps *Parties) leaveLocked(userID int64) handoff {
	thread := ps.memberOf[userID]
	delete(ps.memberOf, userID)

	p := ps.byThread[thread]
	delete(p.members, userID)
	h := handoff{ThreadID: thread}

	if len(p.members) == 0 {
		delete(ps.byThread, thread)
		return h
	}
	if p.ownerID == userID {
		// lowest remaining id takes over
		ids := make([]int64, 0, len(p.members))
		for id := range p.members {
			ids = append(ids, id)
		}
		p.ownerID = slices.Min(ids)
		h.NewOwner = p.ownerID
	}
	return h
}

// ChangeFile switches the party's file and returns its members.
func (ps *Parties) ChangeFile(threadID, fileID int64) []int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, ok := ps.byThread[threadID]
	if !ok {
		return nil
	}
	p.fileID = fileID
	members := make([]int64, 0, len(p.members))
	for id := range p.members {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}
