package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousUsername is reported for requests without a valid session.
const AnonymousUsername = "anonymous"

// SessionClaims is the payload the host platform signs into its session token.
type SessionClaims struct {
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// CanonicalUserID prefers the explicit user id and falls back to the subject.
func (c SessionClaims) CanonicalUserID() string {
	if userID := strings.TrimSpace(c.UserID); userID != "" {
		return userID
	}
	return strings.TrimSpace(c.Subject)
}

// Identity is the caller of one request.
type Identity struct {
	Claims    SessionClaims
	Anonymous bool
}

// Username returns the session username or AnonymousUsername.
func (i Identity) Username() string {
	if i.Anonymous {
		return AnonymousUsername
	}
	return i.Claims.Username
}

// UserID returns the canonical host user id, empty for anonymous callers.
func (i Identity) UserID() string {
	if i.Anonymous {
		return ""
	}
	return i.Claims.CanonicalUserID()
}

// IdentityProvider resolves who is making a request.
type IdentityProvider interface {
	Identify(r *http.Request) (Identity, error)
}
