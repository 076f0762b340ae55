// ABOUTME: Tests for the upstream client: retry schedule, error mapping,
// ABOUTME: auth header injection, and raw downloads.

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardbox/cardbox-gateway/internal/apierr"
	"github.com/cardbox/cardbox-gateway/internal/auth"
)

// newTestClient wires a client against the given API handler, with a fake
// auth endpoint and a recording sleep seam instead of real backoff.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "test-token", "expires_in": 3600})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	creds := auth.NewCredentialStore(srv.URL, "", auth.Credentials{Username: "u", Password: "p"}, nil, nil)
	client := New(srv.URL, creds, nil)

	delays := &[]time.Duration{}
	client.sleep = func(d time.Duration) { *delays = append(*delays, d) }
	return client, delays
}

func TestGetSuccess(t *testing.T) {
	var gotAuth atomic.Value
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "c1"})
	})

	raw, err := client.Get(context.Background(), "/cards/c1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1"}`, string(raw))
	assert.Equal(t, "Bearer test-token", gotAuth.Load())
}

func TestRetryExhaustionOnServerError(t *testing.T) {
	var calls atomic.Int64
	client, delays := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	})

	_, err := client.Get(context.Background(), "/cards", nil)
	require.Error(t, err)

	var srvErr *apierr.ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, http.StatusServiceUnavailable, srvErr.Status)

	assert.Equal(t, int64(4), calls.Load(), "one initial attempt plus three retries")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, *delays)
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int64
	client, delays := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	raw, err := client.Get(context.Background(), "/cards", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, []time.Duration{1 * time.Second}, *delays)
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	client, delays := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "title is required"})
	})

	_, err := client.Post(context.Background(), "/cards", map[string]string{})
	var valErr *apierr.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "title is required", valErr.Message)

	assert.Equal(t, int64(1), calls.Load(), "4xx client errors must not be retried")
	assert.Empty(t, *delays)
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"401 authentication", http.StatusUnauthorized, func(t *testing.T, err error) {
			var e *apierr.AuthenticationError
			assert.ErrorAs(t, err, &e)
		}},
		{"403 authorization", http.StatusForbidden, func(t *testing.T, err error) {
			var e *apierr.AuthorizationError
			assert.ErrorAs(t, err, &e)
		}},
		{"404 not found", http.StatusNotFound, func(t *testing.T, err error) {
			var e *apierr.NotFoundError
			assert.ErrorAs(t, err, &e)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, delays := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.status)
			})
			_, err := client.Get(context.Background(), "/cards", nil)
			require.Error(t, err)
			tc.check(t, err)
			assert.Empty(t, *delays)
		})
	}
}

func TestDeleteReturnsNilOnEmptyBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	raw, err := client.Delete(context.Background(), "/cards/c1")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestPatchSendsJSONBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Updated", body["title"])
		_ = json.NewEncoder(w).Encode(body)
	})

	_, err := client.Patch(context.Background(), "/cards/c1", map[string]string{"title": "Updated"})
	require.NoError(t, err)
}

func TestDownloadReturnsRawBytes(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte{0x50, 0x4b, 0x03, 0x04})
	})

	data, contentType, err := client.Download(context.Background(), "/backup/export", nil)
	require.NoError(t, err)
	assert.Equal(t, "application/zip", contentType)
	assert.Equal(t, []byte{0x50, 0x4b, 0x03, 0x04}, data)
}

func TestRequestRejectsInvalidJSON(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})

	_, err := client.Get(context.Background(), "/cards", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(&apierr.ServerError{APIError: apierr.APIError{Status: 500}}))
	assert.True(t, retryable(&apierr.APIError{Status: http.StatusTooManyRequests}))
	assert.True(t, retryable(&apierr.APIError{Status: 0, Message: "connection refused"}))
	assert.False(t, retryable(&apierr.APIError{Status: http.StatusBadRequest}))
	assert.False(t, retryable(&apierr.AuthenticationError{APIError: apierr.APIError{Status: 401}}))
	assert.False(t, retryable(context.Canceled))
}
