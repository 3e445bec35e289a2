package user

import "sync"

// Store holds the current profile. A nil profile means nobody is signed in.
type Store struct {
	mu      sync.Mutex
	profile *Profile
	subs    map[int]chan *Profile
	nextSub int
}

func NewStore() *Store {
	return &Store{subs: make(map[int]chan *Profile)}
}

func (s *Store) Get() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Set replaces the current profile. The store keeps p; callers must not
// modify it afterwards.
func (s *Store) Set(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.publishLocked()
}

func (s *Store) Clear() {
	s.Set(nil)
}

// Subscribe delivers the current profile and every later change, latest
// value first.
func (s *Store) Subscribe() (<-chan *Profile, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan *Profile, 1)
	ch <- s.profile
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Store) publishLocked() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.profile
	}
}
