// Package user talks to the account endpoints and keeps the signed-in
// profile.
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-watchparty/internal/authclient"
)

const (
	RegisterPath = "/api/auth/register"
	LoginPath    = "/api/auth/token"
	LogoutPath   = "/api/auth/logout"
	MePath       = "/api/auth/me"

	AccessTokenCookie = "access_token"
)

var ErrNotLoggedIn = errors.New("not logged in")

type Service struct {
	api    *authclient.Client
	store  *Store
	logger *slog.Logger
}

func NewService(api *authclient.Client, store *Store, logger *slog.Logger) *Service {
	if store == nil {
		store = NewStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, store: store, logger: logger}
}

func (s *Service) Store() *Store {
	return s.store
}

// Register creates the account. The server signs the new user in and
// returns its profile.
func (s *Service) Register(ctx context.Context, username, password string) (*Profile, error) {
	opts, err := authclient.JSON(http.MethodPost, RegisterRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	resp, err := s.api.DoPublic(ctx, RegisterPath, opts)
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	p, err := decode[Profile](resp)
	if err != nil {
		return nil, err
	}
	s.store.Set(p)
	s.logger.Info("registered", "user_id", p.ID, "username", p.Username)
	return p, nil
}

// Login exchanges credentials for session cookies, then loads the profile.
func (s *Service) Login(ctx context.Context, username, password string) (*Profile, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	if _, err := s.api.DoPublic(ctx, LoginPath, authclient.Form(http.MethodPost, form)); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	p, err := s.Me(ctx)
	if err != nil {
		return nil, err
	}
	s.store.Set(p)
	s.logger.Info("logged in", "user_id", p.ID, "username", p.Username)
	return p, nil
}

// Logout asks the server to drop the session cookies. The profile is
// cleared even when the call fails.
func (s *Service) Logout(ctx context.Context) error {
	defer s.store.Clear()

	if _, err := s.api.Do(ctx, LogoutPath, authclient.Options{Method: http.MethodPost}); err != nil {
		s.logger.Warn("logout request failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) Me(ctx context.Context) (*Profile, error) {
	p, err := authclient.Issue[Profile](ctx, s.api, MePath, authclient.Options{})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%s: empty response", MePath)
	}
	return p, nil
}

// CheckSession loads the profile if the session cookies are still good and
// clears it otherwise. Not being logged in is not an error here.
func (s *Service) CheckSession(ctx context.Context) *Profile {
	p, err := s.Me(ctx)
	if err != nil {
		s.logger.Debug("no active session", "error", err)
		s.store.Clear()
		return nil
	}
	s.store.Set(p)
	return p
}

// TokenClaims decodes the current access token cookie without verifying it.
func (s *Service) TokenClaims() (*TokenClaims, error) {
	for _, ck := range s.api.Jar().Cookies(s.api.BaseURL()) {
		if ck.Name == AccessTokenCookie {
			return ParseAccessToken(ck.Value)
		}
	}
	return nil, ErrNotLoggedIn
}

// TokenClaims is the payload the server signs into access tokens.
type TokenClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ExpiresIn is how long until the token expires, or zero when it has no
// expiry or already expired.
func (c *TokenClaims) ExpiresIn(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return max(c.ExpiresAt.Sub(now), 0)
}

// ParseAccessToken reads the claims of a token. The signature is not
// checked: the client never holds the signing key and only uses the claims
// for display.
func ParseAccessToken(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	return claims, nil
}

func decode[T any](resp *authclient.Response) (*T, error) {
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}
