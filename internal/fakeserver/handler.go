package fakeserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

const refreshCookiePath = "/api/auth"

type profile struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	IsGuest     bool     `json:"is_guest"`
	IsActive    bool     `json:"is_active"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func profileOf(u *User) profile {
	return profile{ID: u.ID, Username: u.Username, IsActive: true, Roles: []string{}, Permissions: []string{}}
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Handler struct {
	Service *Service
	secure  bool

	refreshes     atomic.Int64
	refreshStatus atomic.Int32
	refreshDelay  atomic.Int64
}

func NewHandler(s *Service, secure bool) *Handler {
	return &Handler{Service: s, secure: secure}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.Service.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUserExists) {
			status = http.StatusConflict
		}
		writeDetail(w, status, err.Error())
		return
	}

	if !h.setTokens(w, u) {
		return
	}
	writeJSON(w, http.StatusCreated, profileOf(u))
}

// Login takes the credentials as a form, the way OAuth2 password grants do.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.Service.Login(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, err.Error())
		return
	}

	if !h.setTokens(w, u) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.refreshes.Add(1)
	if d := time.Duration(h.refreshDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	if status := int(h.refreshStatus.Load()); status != 0 {
		writeDetail(w, status, "refresh rejected")
		return
	}

	ck, err := r.Cookie(RefreshCookie)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Missing refresh token")
		return
	}
	tokens, err := h.Service.Refresh(r.Context(), ck.Value)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	h.writeCookies(w, tokens)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: AccessCookie, Path: "/", MaxAge: -1, HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Path: refreshCookiePath, MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	u, err := h.Service.repo.GetUserByID(r.Context(), userID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profileOf(u))
}

func (h *Handler) setTokens(w http.ResponseWriter, u *User) bool {
	tokens, err := h.Service.IssueTokens(u)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return false
	}
	h.writeCookies(w, tokens)
	return true
}

func (h *Handler) writeCookies(w http.ResponseWriter, t Tokens) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookie,
		Value:    t.Access,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    t.Refresh,
		Path:     refreshCookiePath,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
