// Package fakeserver is an in-process watch party backend: the account
// endpoints with cookie sessions and the realtime socket. Tests, the dev
// server and the load test run against it.
package fakeserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Config struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Secure marks the session cookies Secure, for TLS deployments.
	Secure bool
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Secret == "" {
		c.Secret = "dev-secret"
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Server struct {
	logger  *slog.Logger
	repo    *Repository
	service *Service
	users   *Handler
	hub     *Hub
	parties *Parties
	router  chi.Router
	cancel  context.CancelFunc
	msgID   atomic.Int64
}

// New builds the backend and starts its hub. Close stops it.
func New(cfg Config) *Server {
	cfg.setDefaults()

	repo := NewRepository()
	service := NewService(repo, cfg.Secret, cfg.AccessTTL, cfg.RefreshTTL)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		logger:  cfg.Logger,
		repo:    repo,
		service: service,
		users:   NewHandler(service, cfg.Secure),
		hub:     NewHub(cfg.Logger),
		parties: NewParties(),
		cancel:  cancel,
	}
	go s.hub.Run(ctx)

	authMiddleware := NewAuthMiddleware(service)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/api/auth/register", s.users.Register)
	r.Post("/api/auth/token", s.users.Login)
	r.Post("/api/auth/refresh_token", s.users.Refresh)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/auth/me", s.users.Me)
		r.Post("/api/auth/logout", s.users.Logout)
		r.Get("/api/ws/connect", s.ServeWs)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the hub, which closes every socket.
func (s *Server) Close() {
	s.cancel()
	<-s.hub.done
}

// CreateUser registers an account directly.
func (s *Server) CreateUser(ctx context.Context, username, password string) (*User, error) {
	return s.service.Register(ctx, username, password)
}

// ExpireAccessTokens makes every issued access token fail with 401 until
// the client refreshes.
func (s *Server) ExpireAccessTokens() {
	s.service.ExpireAccessTokens()
}

// FailRefresh makes the refresh endpoint answer with status. Zero restores
// normal behavior.
func (s *Server) FailRefresh(status int) {
	s.users.refreshStatus.Store(int32(status))
}

// SlowRefresh delays every refresh by d.
func (s *Server) SlowRefresh(d time.Duration) {
	s.users.refreshDelay.Store(int64(d))
}

func (s *Server) RefreshCount() int64 {
	return s.users.refreshes.Load()
}

func (s *Server) Connections() int {
	return s.hub.Connections()
}

// Push sends one frame to every connection of userID; zero reaches everyone.
func (s *Server) Push(userID int64, typ string, payload any) bool {
	return s.send(BroadcastMessage{TargetID: userID}, typ, payload)
}

// ChangePartyFile switches a party's file and tells its members.
func (s *Server) ChangePartyFile(threadID, fileID int64) {
	for _, id := range s.parties.ChangeFile(threadID, fileID) {
		s.Push(id, "party_file_changed", map[string]int64{"newFileId": fileID})
	}
}

func (s *Server) announceHandoff(h handoff) {
	if h.NewOwner != 0 {
		s.Push(h.NewOwner, "ownership_transferred", map[string]int64{"thread_id": h.ThreadID})
	}
}

func (s *Server) send(route BroadcastMessage, typ string, payload any) bool {
	data, err := encodeFrame(typ, payload)
	if err != nil {
		s.logger.Error("failed to encode frame", "type", typ, "error", err)
		return false
	}
	route.Payload = data
	return s.hub.Deliver(route)
}
