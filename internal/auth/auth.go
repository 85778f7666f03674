// Package auth performs the handshake-time authentication step: it
// verifies the bearer credential presented with a new connection and
// resolves it to an Identity through the host's user store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/beewhoo/roomcast/internal/store"
)

// ErrAuthentication covers every handshake failure: missing, malformed or
// expired credential, and credentials whose subject has no user record.
// Connections failing with it are refused before any handler runs.
var ErrAuthentication = errors.New("authentication failed")

// DefaultUserCollection is assumed when a token carries no collection tag.
const DefaultUserCollection = "users"

// Identity is the authenticated principal bound to a connection. It is set
// exactly once, immediately after handshake verification, and never
// mutated thereafter.
type Identity struct {
	ID         string `json:"id"`
	Email      string `json:"email,omitempty"`
	Collection string `json:"collection"`
	Admin      bool   `json:"-"`
}

// Claims is the engine's JWT payload: the registered subject plus the
// user-store partition that issued the identity.
type Claims struct {
	Collection string `json:"collection,omitempty"`
	Email      string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator lets the host replace credential verification entirely.
// Returning an error refuses the connection.
type Authenticator func(ctx context.Context, r *http.Request) (*Identity, error)

// Verifier validates handshake credentials against the configured secret
// and resolves subjects through the user store.
type Verifier struct {
	secret []byte
	store  store.Store
	custom Authenticator
}

// NewVerifier creates a Verifier. A non-nil custom Authenticator takes
// precedence over built-in JWT verification.
func NewVerifier(secret string, st store.Store, custom Authenticator) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		store:  st,
		custom: custom,
	}
}

// Authenticate extracts and verifies the credential from the handshake
// request and returns the resolved Identity. All failures wrap
// ErrAuthentication.
func (v *Verifier) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if v.custom != nil {
		identity, err := v.custom(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		if identity == nil || identity.ID == "" {
			return nil, fmt.Errorf("%w: custom authenticator returned no identity", ErrAuthentication)
		}
		if identity.Collection == "" {
			identity.Collection = DefaultUserCollection
		}
		return identity, nil
	}

	token, err := extractToken(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	claims, err := v.verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return v.resolve(ctx, claims)
}

// verify parses and validates the signed token.
func (v *Verifier) verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
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

// resolve looks up the credential's subject in the user store. A subject
// without a record is an authentication failure, not a not-found error.
func (v *Verifier) resolve(ctx context.Context, claims *Claims) (*Identity, error) {
	collection := claims.Collection
	if collection == "" {
		collection = DefaultUserCollection
	}

	user, err := v.store.FindByID(ctx, collection, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s not found in %s", ErrAuthentication, claims.Subject, collection)
		}
		return nil, fmt.Errorf("user lookup: %w", err)
	}

	email := user.Str("email")
	if email == "" {
		email = claims.Email
	}

	return &Identity{
		ID:         claims.Subject,
		Email:      email,
		Collection: collection,
		Admin:      user.Str("role") == "admin",
	}, nil
}

// Issue signs a token for the given subject. Used by tests and dev tooling.
func (v *Verifier) Issue(userID, collection string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Collection: collection,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "roomcast",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// extractToken pulls the bearer credential from the handshake metadata:
// the token query parameter first (the common WebSocket path), then the
// Authorization header.
func extractToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("no credential in query or header")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}
