package fakeserver

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"

	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle reads the access token from its cookie, falling back to a bearer
// header for non-browser tools.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if ck, err := r.Cookie(AccessCookie); err == nil {
			tokenString = ck.Value
		}

		if tokenString == "" {
			authHeader := r.Header.Get("Authorization")
			if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				tokenString = token
			}
		}

		if tokenString == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identity(r *http.Request) (int64, string, bool) {
	userID, ok := r.Context().Value(UserKey).(int64)
	username, ok2 := r.Context().Value(UsernameKey).(string)
	return userID, username, ok && ok2
}
