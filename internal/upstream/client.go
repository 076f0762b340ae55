// ABOUTME: Authenticated HTTP client for the upstream content API.
// ABOUTME: Injects bearer tokens and retries transient failures with backoff.

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cardbox/cardbox-gateway/internal/apierr"
	"github.com/cardbox/cardbox-gateway/internal/auth"
)

// maxRetries bounds the retry loop: one initial attempt plus three retries.
const maxRetries = 3

// Client issues authenticated JSON calls against the upstream API, retrying
// 429/5xx and transport failures with exponential backoff (1s, 2s, 4s).
type Client struct {
	baseURL string
	http    *http.Client
	creds   *auth.CredentialStore
	logger  *slog.Logger

	// sleep is a seam for tests; defaults to time.Sleep. The retry sleep
	// blocks the calling goroutine with no cancellation point.
	sleep func(time.Duration)
}

// New creates an upstream client bound to the given credential store.
func New(baseURL string, creds *auth.CredentialStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		creds:   creds,
		logger:  logger.With("component", "upstream"),
		sleep:   time.Sleep,
	}
}

// Request issues an authenticated call and returns the parsed JSON body.
// A 204 or empty body yields nil.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	data, _, err := c.roundTrip(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, &apierr.APIError{Message: "upstream returned invalid JSON"}
	}
	return json.RawMessage(data), nil
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, query, nil)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, nil, body)
}

// Patch issues an authenticated PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodDelete, path, nil, nil)
}

// Download issues an authenticated GET and returns the raw body and content
// type. Used for binary exports that are not JSON.
func (c *Client) Download(ctx context.Context, path string, query url.Values) ([]byte, string, error) {
	return c.roundTrip(ctx, http.MethodGet, path, query, nil)
}

// roundTrip runs the retry loop and error mapping shared by all calls.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any) ([]byte, string, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Warn("retrying upstream request",
				"method", method,
				"path", path,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			c.sleep(delay)
		}

		respBody, contentType, err := c.doOnce(ctx, method, reqURL, payload)
		if err == nil {
			return respBody, contentType, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, "", err
		}
	}
	return nil, "", lastErr
}

// doOnce performs a single attempt. Non-2xx statuses are translated through
// the error taxonomy; transport failures become a generic APIError.
func (c *Client) doOnce(ctx context.Context, method, reqURL string, payload []byte) ([]byte, string, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, "", err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &apierr.APIError{Message: "upstream request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &apierr.APIError{Status: resp.StatusCode, Message: "reading upstream response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", apierr.FromResponse(resp.StatusCode, body)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// retryable reports whether an error warrants another attempt: HTTP 429, any
// 5xx, or a transport-level failure with no status at all.
func retryable(err error) bool {
	switch e := err.(type) {
	case *apierr.ServerError:
		return true
	case *apierr.APIError:
		return e.Status == http.StatusTooManyRequests || e.Status == 0
	default:
		return false
	}
}
