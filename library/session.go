package library

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenSource supplies the bearer token at request time. An empty token means
// the request goes out without an Authorization header.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Session is the authenticated state created by a successful login.
type Session struct {
	BearerToken string    `json:"token"`
	User        User      `json:"user"`
	SavedAt     time.Time `json:"savedAt"`
}

// NewSession builds a session from a login response.
func NewSession(resp *LoginResponse) (*Session, error) {
	if resp == nil || strings.TrimSpace(resp.Token) == "" {
		return nil, errors.New("login response carried no token")
	}
	return &Session{
		BearerToken: resp.Token,
		User: User{
			ID:       resp.ID,
			Name:     resp.Name,
			Username: resp.Username,
			Role:     resp.Role,
		},
		SavedAt: time.Now().UTC(),
	}, nil
}

// TokenClaims are the fields the service puts in its tokens. They are read
// without verifying the signature; the server remains the authority.
type TokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Claims decodes the bearer token's payload.
func (s *Session) Claims() (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.BearerToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Expired reports whether the token's exp claim is in the past. Opaque tokens
// and tokens without exp never expire client-side.
func (s *Session) Expired(now time.Time) bool {
	claims, err := s.Claims()
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}

// SessionHolder owns the current session for the lifetime of the process and
// is the TokenSource handed to the client.
type SessionHolder struct {
	mu      sync.RWMutex
	current *Session
}

func (h *SessionHolder) Set(s *Session) {
	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
}

func (h *SessionHolder) Clear() { h.Set(nil) }

func (h *SessionHolder) Current() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *SessionHolder) Token() string {
	if s := h.Current(); s != nil {
		return s.BearerToken
	}
	return ""
}
