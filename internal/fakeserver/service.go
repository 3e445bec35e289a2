package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer = "go-watchparty"

	kindAccess  = "access"
	kindRefresh = "refresh"
)

var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims is signed into both token cookies. Epoch lets tests expire every
// outstanding access token at once.
type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Epoch    int64  `json:"epoch"`
	jwt.RegisteredClaims
}

type Tokens struct {
	Access  string
	Refresh string
}

type Service struct {
	repo       *Repository
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	epoch atomic.Int64
}

func NewService(repo *Repository, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		jwtSecret:  []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: username,
		Password: string(hashedPwd),
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*User, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) IssueTokens(u *User) (Tokens, error) {
	access, err := s.sign(u, kindAccess, s.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.sign(u, kindRefresh, s.refreshTTL)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{Access: access, Refresh: refresh}, nil
}

func (s *Service) sign(u *User, kind string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       u.ID,
		Username: u.Username,
		Kind:     kind,
		Epoch:    s.epoch.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	ss, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return ss, nil
}

// ValidateToken checks an access token and returns who it belongs to.
func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims, err := s.parse(tokenString, kindAccess)
	if err != nil {
		return 0, "", err
	}
	if claims.Epoch < s.epoch.Load() {
		return 0, "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims.ID, claims.Username, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, tokenString string) (Tokens, error) {
	claims, err := s.parse(tokenString, kindRefresh)
	if err != nil {
		return Tokens{}, err
	}
	u, err := s.repo.GetUserByID(ctx, claims.ID)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return s.IssueTokens(u)
}

// ExpireAccessTokens invalidates every access token issued so far. Refresh
// tokens stay valid.
func (s *Service) ExpireAccessTokens() {
	s.epoch.Add(1)
}

func (s *Service) parse(tokenString, kind string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: want %s token, got %q", ErrInvalidToken, kind, claims.Kind)
	}
	return claims, nil
}
