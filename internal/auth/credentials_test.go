// ABOUTME: Tests for credential lifecycle: token caching, the refresh buffer,
// ABOUTME: forced refresh, error mapping, and RS256 verification.

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardbox/cardbox-gateway/internal/apierr"
)

// authServer fakes the upstream auth endpoint, counting POSTs and capturing
// the last request payload.
type authServer struct {
	*httptest.Server
	calls   atomic.Int64
	lastReq atomic.Value // map[string]string
}

func newAuthServer(t *testing.T, token string, expiresIn int, status int) *authServer {
	t.Helper()
	as := &authServer{}
	as.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		as.calls.Add(1)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		as.lastReq.Store(payload)

		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": token, "expires_in": expiresIn})
	}))
	t.Cleanup(as.Server.Close)
	return as
}

func TestTokenIsCachedWhileValid(t *testing.T) {
	srv := newAuthServer(t, "tok-1", 3600, http.StatusOK)
	store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p"}, nil, nil)

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.Equal(t, int64(1), srv.calls.Load(), "second call should reuse the cached token")
	assert.True(t, store.Valid())
}

func TestTokenRefetchesInsideRefreshBuffer(t *testing.T) {
	srv := newAuthServer(t, "tok-1", 3600, http.StatusOK)
	store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p"}, nil, nil)

	now := time.Now()
	store.now = func() time.Time { return now }

	_, err := store.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), srv.calls.Load())

	// 3400s in: expiry is 200s away, inside the 300s buffer.
	now = now.Add(3400 * time.Second)
	assert.False(t, store.Valid())

	_, err = store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.calls.Load())
}

func TestRefreshDiscardsCachedToken(t *testing.T) {
	srv := newAuthServer(t, "tok-1", 3600, http.StatusOK)
	store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p"}, nil, nil)

	_, err := store.Token(context.Background())
	require.NoError(t, err)

	_, err = store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.calls.Load())
}

func TestClearCacheInvalidatesToken(t *testing.T) {
	srv := newAuthServer(t, "tok-1", 3600, http.StatusOK)
	store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p"}, nil, nil)

	_, err := store.Token(context.Background())
	require.NoError(t, err)
	require.True(t, store.Valid())

	store.ClearCache()
	assert.False(t, store.Valid())
}

func TestTokenAuthFailureMapsToAuthenticationError(t *testing.T) {
	srv := newAuthServer(t, "", 0, http.StatusUnauthorized)
	store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "bad"}, nil, nil)

	_, err := store.Token(context.Background())
	require.Error(t, err)
	var authErr *apierr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.False(t, store.Valid())
}

func TestTokenWithoutCredentials(t *testing.T) {
	store := NewCredentialStore("http://unused", "", Credentials{}, nil, nil)
	_, err := store.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCredentialPayloadShapes(t *testing.T) {
	t.Run("api key", func(t *testing.T) {
		srv := newAuthServer(t, "tok", 3600, http.StatusOK)
		store := NewCredentialStore(srv.URL, "", Credentials{APIKey: "key-1", Role: "editor"}, nil, nil)
		_, err := store.Token(context.Background())
		require.NoError(t, err)

		payload := srv.lastReq.Load().(map[string]string)
		assert.Equal(t, map[string]string{"api_key": "key-1", "role": "editor"}, payload)
	})

	t.Run("password with role", func(t *testing.T) {
		srv := newAuthServer(t, "tok", 3600, http.StatusOK)
		store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p", Role: "viewer"}, nil, nil)
		_, err := store.Token(context.Background())
		require.NoError(t, err)

		payload := srv.lastReq.Load().(map[string]string)
		assert.Equal(t, map[string]string{"username": "u", "password": "p", "role": "viewer"}, payload)
	})

	t.Run("password without role omits the field", func(t *testing.T) {
		srv := newAuthServer(t, "tok", 3600, http.StatusOK)
		store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p"}, nil, nil)
		_, err := store.Token(context.Background())
		require.NoError(t, err)

		payload := srv.lastReq.Load().(map[string]string)
		_, hasRole := payload["role"]
		assert.False(t, hasRole)
	})
}

func TestTokenDefaultsExpiryWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok"})
	}))
	defer srv.Close()

	store := NewCredentialStore(srv.URL, "", Credentials{Username: "u", Password: "p"}, nil, nil)
	now := time.Now()
	store.now = func() time.Time { return now }

	_, err := store.Token(context.Background())
	require.NoError(t, err)
	require.NotNil(t, store.token)
	assert.Equal(t, now.Add(defaultExpiresIn*time.Second), store.token.ExpiresAt)
}

// signToken signs claims as RS256 with the given kid.
func signToken(t *testing.T, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifyToken(t *testing.T) {
	key := generateKey(t)
	var fetches atomic.Int64
	jwksSrv := httptest.NewServer(jwksHandler(t, &fetches, map[string]*rsa.PublicKey{"k1": &key.PublicKey}))
	defer jwksSrv.Close()

	issuer := "https://cards.example.com"
	cache := NewKeySetCache(jwksSrv.URL, time.Hour, nil)
	store := NewCredentialStore("http://unused", issuer, Credentials{Username: "u", Password: "p"}, cache, nil)

	now := time.Now()
	validClaims := jwt.MapClaims{
		"iss": issuer,
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}

	t.Run("valid token", func(t *testing.T) {
		claims, err := store.VerifyToken(context.Background(), signToken(t, key, "k1", validClaims))
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims["sub"])
	})

	t.Run("wrong issuer", func(t *testing.T) {
		badClaims := jwt.MapClaims{
			"iss": "https://evil.example.com",
			"iat": now.Unix(),
			"exp": now.Add(time.Hour).Unix(),
		}
		_, err := store.VerifyToken(context.Background(), signToken(t, key, "k1", badClaims))
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := jwt.MapClaims{
			"iss": issuer,
			"iat": now.Add(-2 * time.Hour).Unix(),
			"exp": now.Add(-time.Hour).Unix(),
		}
		_, err := store.VerifyToken(context.Background(), signToken(t, key, "k1", expired))
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("missing exp claim", func(t *testing.T) {
		noExp := jwt.MapClaims{"iss": issuer, "iat": now.Unix()}
		_, err := store.VerifyToken(context.Background(), signToken(t, key, "k1", noExp))
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := store.VerifyToken(context.Background(), signToken(t, key, "rotated-away", validClaims))
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("signed by a different key", func(t *testing.T) {
		other := generateKey(t)
		_, err := store.VerifyToken(context.Background(), signToken(t, other, "k1", validClaims))
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("missing kid header", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims)
		signed, err := tok.SignedString(key)
		require.NoError(t, err)
		_, err = store.VerifyToken(context.Background(), signed)
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := store.VerifyToken(context.Background(), "not-a-token")
		var verr *apierr.VerificationError
		require.ErrorAs(t, err, &verr)
	})
}
