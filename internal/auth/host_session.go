package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "host-platform"
	// SessionHeader carries the session token for embedded clients that cannot
	// send the host cookie.
	SessionHeader = "X-Host-Session"
)

var (
	ErrNoSession       = errors.New("host session: no token presented")
	ErrSessionRejected = errors.New("host session: token rejected")
	ErrSessionExpired  = errors.New("host session: token expired")
	ErrSessionUnnamed  = errors.New("host session: user id and username required")

	errSessionSecretRequired = errors.New("host session: signing secret required")
	errSessionCookieRequired = errors.New("host session: cookie name required")
)

// HostSessionConfig describes how the host platform signs its sessions.
type HostSessionConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// HostSessions verifies HS256 session tokens minted by the host platform and
// turns requests into identities.
type HostSessions struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewHostSessions builds a verifier. An empty issuer means the host platform
// default.
func NewHostSessions(cfg HostSessionConfig) (*HostSessions, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errSessionSecretRequired
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, errSessionCookieRequired
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(clock),
	)
	return &HostSessions{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
		parser:     parser,
	}, nil
}

// CookieName is the cookie the host stores its session in.
func (s *HostSessions) CookieName() string {
	return s.cookieName
}

// Verify checks the token signature, issuer and lifetime and requires a named
// user. The returned username is trimmed.
func (s *HostSessions) Verify(token string) (SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionClaims{}, ErrNoSession
	}
	var claims SessionClaims
	if _, err := s.parser.ParseWithClaims(token, &claims, s.key); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrSessionExpired
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrSessionRejected, err)
	}
	claims.Username = strings.TrimSpace(claims.Username)
	if claims.CanonicalUserID() == "" || claims.Username == "" || strings.EqualFold(claims.Username, AnonymousUsername) {
		return SessionClaims{}, ErrSessionUnnamed
	}
	return claims, nil
}

// Identify verifies the session cookie, or the session header when no cookie
// is present. Failures yield the anonymous identity together with the cause.
func (s *HostSessions) Identify(r *http.Request) (Identity, error) {
	claims, err := s.Verify(s.token(r))
	if err != nil {
		return Identity{Anonymous: true}, err
	}
	return Identity{Claims: claims}, nil
}

func (s *HostSessions) token(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get(SessionHeader)
}

func (s *HostSessions) key(*jwt.Token) (interface{}, error) {
	return s.secret, nil
}
