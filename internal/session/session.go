// Package session wires the account API, the realtime socket and the party
// indicator around one shared cookie jar.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"go-watchparty/internal/authclient"
	"go-watchparty/internal/config"
	"go-watchparty/internal/party"
	"go-watchparty/internal/realtime"
	"go-watchparty/internal/user"
)

type options struct {
	doer   authclient.Doer
	logger *slog.Logger
}

type Option func(*options)

// WithDoer replaces the HTTP transport of the account API.
func WithDoer(d authclient.Doer) Option {
	return func(o *options) { o.doer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type Session struct {
	cfg       *config.Config
	logger    *slog.Logger
	api       *authclient.Client
	users     *user.Service
	rt        *realtime.Client
	indicator *party.Indicator
}

func New(cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	authOpts := []authclient.Option{
		authclient.WithLogger(o.logger.With("component", "auth")),
		authclient.WithRefreshPath(cfg.Auth.RefreshPath),
		authclient.WithRefreshTimeout(cfg.Auth.RefreshTimeout),
		authclient.WithRefreshBackoff(cfg.Auth.RefreshMaxElapsed),
	}
	if o.doer != nil {
		authOpts = append(authOpts, authclient.WithDoer(o.doer))
	}
	api, err := authclient.New(cfg.Server.Origin, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating auth client: %w", err)
	}

	rt, err := realtime.New(realtime.Config{
		Origin:         cfg.Server.Origin,
		Path:           cfg.Realtime.Path,
		Jar:            api.Jar(),
		WriteWait:      cfg.Realtime.WriteWait,
		PongWait:       cfg.Realtime.PongWait,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
		Logger:         o.logger.With("component", "realtime"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating realtime client: %w", err)
	}

	return &Session{
		cfg:       cfg,
		logger:    o.logger,
		api:       api,
		users:     user.NewService(api, user.NewStore(), o.logger.With("component", "user")),
		rt:        rt,
		indicator: party.NewIndicator(),
	}, nil
}

func (s *Session) API() *authclient.Client     { return s.api }
func (s *Session) Users() *user.Service        { return s.users }
func (s *Session) Realtime() *realtime.Client  { return s.rt }
func (s *Session) Indicator() *party.Indicator { return s.indicator }

// Profile is the signed-in user, or nil.
func (s *Session) Profile() *user.Profile {
	return s.users.Store().Get()
}

// Login signs in and opens the socket. Any socket from an earlier sign-in
// is dropped first so the new one authenticates as the new user. A socket
// failure is returned with the profile still set; the caller may retry
// with Reconnect.
func (s *Session) Login(ctx context.Context, username, password string) (*user.Profile, error) {
	s.rt.Disconnect()
	p, err := s.users.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return p, s.connect(ctx)
}

// Register creates the account, which also signs it in, and opens the socket.
func (s *Session) Register(ctx context.Context, username, password string) (*user.Profile, error) {
	s.rt.Disconnect()
	p, err := s.users.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return p, s.connect(ctx)
}

// Restore picks up a session left in the cookie jar. It returns nil when
// nobody is signed in.
func (s *Session) Restore(ctx context.Context) (*user.Profile, error) {
	p := s.users.CheckSession(ctx)
	if p == nil {
		return nil, nil
	}
	return p, s.connect(ctx)
}

// Logout ends the session on the server and always closes the socket.
func (s *Session) Logout(ctx context.Context) error {
	defer s.rt.Disconnect()
	return s.users.Logout(ctx)
}

// Close drops the socket but keeps the session cookies.
func (s *Session) Close() {
	s.rt.Disconnect()
}

// Reconnect reopens the socket with backoff. Callers use it after the
// realtime state reports the connection gone.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.rt.ConnectWithBackoff(ctx, realtime.ReconnectPolicy{
		Min: s.cfg.Realtime.ReconnectMin,
		Max: s.cfg.Realtime.ReconnectMax,
	})
}

// Me reloads the profile through the gated client.
func (s *Session) Me(ctx context.Context) (*user.Profile, error) {
	p, err := s.users.Me(ctx)
	if err != nil {
		return nil, s.check(err)
	}
	s.users.Store().Set(p)
	return p, nil
}

// Do issues a gated request on behalf of the signed-in user.
func (s *Session) Do(ctx context.Context, path string, opts authclient.Options) (*authclient.Response, error) {
	resp, err := s.api.Do(ctx, path, opts)
	if err != nil {
		return nil, s.check(err)
	}
	return resp, nil
}

// check ends the local session when err says the server session is gone.
func (s *Session) check(err error) error {
	if authclient.IsSessionExpired(err) {
		s.logger.Warn("session expired, signing out locally")
		s.users.Store().Clear()
		s.rt.Disconnect()
	}
	return err
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.rt.Connect(ctx); err != nil {
		return fmt.Errorf("opening realtime connection: %w", err)
	}
	return nil
}
