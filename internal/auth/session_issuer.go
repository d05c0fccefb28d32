package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errInvalidTTL           = errors.New("session ttl must be positive")
	errMissingUserID        = errors.New("user id must be provided")
	errMissingUsername      = errors.New("username must be provided")
)

// SessionIssuerConfig configures the development session issuer.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionRequest names the player a session is minted for.
type SessionRequest struct {
	UserID      string
	Username    string
	DisplayName string
}

// SessionIssuer signs session cookies in the host platform format, so the
// service can be exercised without the host.
type SessionIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer. A zero TTL means twelve hours.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	if ttl < 0 {
		return nil, errInvalidTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed session token and its expiry.
func (i *SessionIssuer) Issue(_ context.Context, request SessionRequest) (string, time.Time, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return "", time.Time{}, errMissingUserID
	}
	username := strings.TrimSpace(request.Username)
	if username == "" {
		return "", time.Time{}, errMissingUsername
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserID:      userID,
		Username:    username,
		DisplayName: strings.TrimSpace(request.DisplayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
