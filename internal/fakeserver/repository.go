package fakeserver

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username already registered")
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Repository keeps accounts in memory. The fake backend is rebuilt for
// every test, so nothing outlives the process.
type Repository struct {
	mu     sync.RWMutex
	byID   map[int64]*User
	byName map[string]*User
	lastID int64
}

func NewRepository() *Repository {
	return &Repository{
		byID:   make(map[int64]*User),
		byName: make(map[string]*User),
	}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[user.Username]; ok {
		return nil, ErrUserExists
	}
	r.lastID++
	u := *user
	u.ID = r.lastID
	r.byID[u.ID] = &u
	r.byName[u.Username] = &u

	user.ID = u.ID
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
