// Package party tracks which views want to show the watch party indicator.
//
// Several views can ask for the indicator at once; the one registered with
// the highest priority owns it. Ties go to whichever registered first.
package party

import (
	"sync"

	"github.com/google/uuid"
)

// ID identifies one registered view. Callers keep it to unregister later.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

type entry struct {
	priority int
	seq      uint64
}

// Snapshot is a copy of the registry; changing it does not affect the Indicator.
type Snapshot struct {
	Registry     map[ID]int
	AlwaysFollow bool
}

type Indicator struct {
	mu           sync.Mutex
	registry     map[ID]entry
	alwaysFollow bool
	seq          uint64

	subs    map[int]chan Snapshot
	nextSub int
}

func NewIndicator() *Indicator {
	return &Indicator{
		registry: make(map[ID]entry),
		subs:     make(map[int]chan Snapshot),
	}
}

// Register adds id or changes its priority. A view that re-registers keeps
// its original place for tie breaking.
func (in *Indicator) Register(id ID, priority int) {
	in.mu.Lock()
	defer in.mu.Unlock()

	e, ok := in.registry[id]
	if !ok {
		in.seq++
		e.seq = in.seq
	}
	e.priority = priority
	in.registry[id] = e
	in.publishLocked()
}

func (in *Indicator) Unregister(id ID) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, ok := in.registry[id]; !ok {
		return
	}
	delete(in.registry, id)
	in.publishLocked()
}

func (in *Indicator) SetAlwaysFollow(follow bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.alwaysFollow == follow {
		return
	}
	in.alwaysFollow = follow
	in.publishLocked()
}

func (in *Indicator) AlwaysFollow() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.alwaysFollow
}

// Leader returns the view that should render the indicator.
func (in *Indicator) Leader() (ID, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var (
		best  ID
		bestE entry
		found bool
	)
	for id, e := range in.registry {
		if !found || e.priority > bestE.priority || (e.priority == bestE.priority && e.seq < bestE.seq) {
			best, bestE, found = id, e, true
		}
	}
	return best, found
}

func (in *Indicator) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.snapshotLocked()
}

// Subscribe delivers the current snapshot and every later change. Slow
// readers only see the latest one.
func (in *Indicator) Subscribe() (<-chan Snapshot, func()) {
	in.mu.Lock()
	defer in.mu.Unlock()

	id := in.nextSub
	in.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- in.snapshotLocked()
	in.subs[id] = ch

	return ch, func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if sub, ok := in.subs[id]; ok {
			delete(in.subs, id)
			close(sub)
		}
	}
}

func (in *Indicator) snapshotLocked() Snapshot {
	reg := make(map[ID]int, len(in.registry))
	for id, e := range in.registry {
		reg[id] = e.priority
	}
	return Snapshot{Registry: reg, AlwaysFollow: in.alwaysFollow}
}

func (in *Indicator) publishLocked() {
	for _, ch := range in.subs {
		select {
		case <-ch:
		default:
		}
		ch <- in.snapshotLocked()
	}
}
