package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"magg/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	key, err := GenerateKey(filepath.Join(t.TempDir(), "magg.key"))
	require.NoError(t, err)
	return NewAuthenticator(key, "magg", "magg")
}

func TestTokenRoundTrip(t *testing.T) {
	authn := newTestAuthenticator(t)

	token, err := authn.IssueToken("alice", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	claims, err := authn.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "magg", claims["iss"])
	assert.Equal(t, "magg", claims["aud"])
	assert.Equal(t, "alice", claims["sub"])
	assert.NotNil(t, claims["iat"])
	assert.NotNil(t, claims["exp"])
	assert.Equal(t, []any{"admin"}, claims["scopes"])
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	authn := newTestAuthenticator(t)

	token, err := authn.IssueToken("alice", nil, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = authn.VerifyToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrAuth))
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	issuer := newTestAuthenticator(t)
	token, err := issuer.IssueToken("alice", nil, time.Hour)
	require.NoError(t, err)

	// Same key, different expected audience.
	other := NewAuthenticator(issuer.key, "magg", "someone-else")
	_, err = other.VerifyToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrAuth))
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a := newTestAuthenticator(t)
	b := newTestAuthenticator(t)

	token, err := a.IssueToken("alice", nil, time.Hour)
	require.NoError(t, err)

	_, err = b.VerifyToken(token)
	assert.Error(t, err)
}

func TestDisabledAuthenticator(t *testing.T) {
	authn := NewAuthenticator(nil, "magg", "magg")
	assert.False(t, authn.Enabled())

	_, err := authn.IssueToken("alice", nil, time.Hour)
	assert.True(t, errors.Is(err, api.ErrAuth))
}

func TestLoadKeyMissingFileDisablesAuth(t *testing.T) {
	key, err := LoadKey("", filepath.Join(t.TempDir(), "nope.key"))
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoadKeyRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "magg.key")
	_, err := GenerateKey(path)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(path, 0o644))

	_, err = LoadKey("", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrAuth))
}

func TestLoadKeyFromEnvPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "magg.key")
	generated, err := GenerateKey(path)
	require.NoError(t, err)

	key, err := LoadKey(PrivateKeyPEM(generated), "/does/not/matter")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.True(t, generated.Equal(key))
}

func TestPublicKeyPEM(t *testing.T) {
	authn := newTestAuthenticator(t)
	pem, err := PublicKeyPEM(authn.key)
	require.NoError(t, err)
	assert.Contains(t, pem, "BEGIN PUBLIC KEY")
}

func TestMiddleware(t *testing.T) {
	authn := newTestAuthenticator(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := authn.Middleware(next)

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := authn.IssueToken("alice", nil, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("disabled passes through", func(t *testing.T) {
		disabled := NewAuthenticator(nil, "magg", "magg")
		rec := httptest.NewRecorder()
		disabled.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
