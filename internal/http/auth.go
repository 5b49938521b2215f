package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

// ErrUnauthorized is returned when a request carries no valid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// DisplayName returns Name, falling back to the user id.
func (id Identity) DisplayName() string {
	if id.Name != "" {
		return id.Name
	}
	return id.UserID
}

// Claims are the JWT claims accepted from chat clients. The subject is the user id.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves request credentials to an Identity.
//
// With a JWT secret, callers present an HS256 bearer token whose subject is
// their user id. Otherwise, with a gateway token, the bearer must equal it and
// identity comes from the X-Roomclaw-User-* headers. With neither configured
// every request is accepted with header identity (local development).
type Authenticator struct {
	token     string
	jwtSecret []byte
}

func NewAuthenticator(gatewayToken, jwtSecret string) *Authenticator {
	a := &Authenticator{token: gatewayToken}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Mode names the active scheme for startup logs.
func (a *Authenticator) Mode() string {
	switch {
	case a.jwtSecret != nil:
		return "jwt"
	case a.token != "":
		return "token"
	default:
		return "open"
	}
}

// Authenticate checks r's credentials. The bearer may also arrive as the
// "token" query parameter, which browsers need for WebSocket upgrades.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	bearer := extractBearerToken(r)

	if a.jwtSecret != nil {
		if bearer == "" {
			return Identity{}, ErrUnauthorized
		}
		claims, err := a.parseJWT(bearer)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Identity{UserID: claims.Subject, Name: claimsName(claims)}, nil
	}

	if a.token != "" && subtle.ConstantTimeCompare([]byte(bearer), []byte(a.token)) != 1 {
		return Identity{}, ErrUnauthorized
	}
	return Identity{
		UserID: strings.TrimSpace(r.Header.Get(protocol.HeaderUserID)),
		Name:   strings.TrimSpace(r.Header.Get(protocol.HeaderUserName)),
	}, nil
}

func (a *Authenticator) parseJWT(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for userID; used by tests and the CLI.
func (a *Authenticator) IssueToken(userID, name string, claims jwt.RegisteredClaims) (string, error) {
	if a.jwtSecret == nil {
		return "", errors.New("no jwt secret configured")
	}
	claims.Subject = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Name: name, RegisteredClaims: claims}).SignedString(a.jwtSecret)
}

// Middleware rejects unauthenticated requests with 401 before any handler
// work and stores the Identity in the request context.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			slog.Warn("security.unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr, "mode", a.Mode())
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func extractBearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// claimsName picks a display name, falling back to the local part of the
// email the way the chat client labels authors.
func claimsName(c *Claims) string {
	if c.Name != "" {
		return c.Name
	}
	if local, _, ok := strings.Cut(c.Email, "@"); ok && local != "" {
		return local
	}
	return ""
}
