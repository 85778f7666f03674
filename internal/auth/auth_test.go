package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beewhoo/roomcast/internal/store"
)

const testSecret = "test-secret"

func seedUser(t *testing.T, st *store.Memory, collection, id string, fields store.Doc) {
	t.Helper()
	doc := store.Doc{"id": id}
	for k, v := range fields {
		doc[k] = v
	}
	_, err := st.Create(context.Background(), collection, doc)
	require.NoError(t, err)
}

func handshakeRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if token != "" {
		q := r.URL.Query()
		q.Set("token", token)
		r.URL.RawQuery = q.Encode()
	}
	return r
}

func TestAuthenticateResolvesIdentity(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "users", "u1", store.Doc{"email": "a@example.com", "role": "admin"})

	v := NewVerifier(testSecret, st, nil)
	token, err := v.Issue("u1", "users", time.Minute)
	require.NoError(t, err)

	identity, err := v.Authenticate(context.Background(), handshakeRequest(token))
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.ID)
	assert.Equal(t, "a@example.com", identity.Email)
	assert.Equal(t, "users", identity.Collection)
	assert.True(t, identity.Admin)
}

func TestAuthenticateHeaderFallback(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "users", "u1", nil)

	v := NewVerifier(testSecret, st, nil)
	token, err := v.Issue("u1", "users", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	identity, err := v.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.ID)
	assert.False(t, identity.Admin)
}

func TestAuthenticateMissingCredential(t *testing.T) {
	v := NewVerifier(testSecret, store.NewMemory(), nil)

	_, err := v.Authenticate(context.Background(), handshakeRequest(""))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateMalformedToken(t *testing.T) {
	v := NewVerifier(testSecret, store.NewMemory(), nil)

	_, err := v.Authenticate(context.Background(), handshakeRequest("not-a-jwt"))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "users", "u1", nil)

	other := NewVerifier("other-secret", st, nil)
	token, err := other.Issue("u1", "users", time.Minute)
	require.NoError(t, err)

	v := NewVerifier(testSecret, st, nil)
	_, err = v.Authenticate(context.Background(), handshakeRequest(token))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "users", "u1", nil)

	v := NewVerifier(testSecret, st, nil)
	token, err := v.Issue("u1", "users", -time.Minute)
	require.NoError(t, err)

	_, err = v.Authenticate(context.Background(), handshakeRequest(token))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateUnknownSubject(t *testing.T) {
	v := NewVerifier(testSecret, store.NewMemory(), nil)
	token, err := v.Issue("ghost", "users", time.Minute)
	require.NoError(t, err)

	_, err = v.Authenticate(context.Background(), handshakeRequest(token))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateDefaultsCollection(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, DefaultUserCollection, "u1", nil)

	v := NewVerifier(testSecret, st, nil)
	token, err := v.Issue("u1", "", time.Minute)
	require.NoError(t, err)

	identity, err := v.Authenticate(context.Background(), handshakeRequest(token))
	require.NoError(t, err)
	assert.Equal(t, DefaultUserCollection, identity.Collection)
}

func TestCustomAuthenticator(t *testing.T) {
	custom := func(_ context.Context, r *http.Request) (*Identity, error) {
		key := r.Header.Get("X-Api-Key")
		if key != "valid" {
			return nil, errors.New("bad key")
		}
		return &Identity{ID: "api-user"}, nil
	}

	v := NewVerifier(testSecret, store.NewMemory(), custom)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("X-Api-Key", "valid")
	identity, err := v.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "api-user", identity.ID)
	assert.Equal(t, DefaultUserCollection, identity.Collection)

	r.Header.Set("X-Api-Key", "nope")
	_, err = v.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, ErrAuthentication)
}
