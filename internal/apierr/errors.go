// ABOUTME: Typed error taxonomy for upstream API and credential failures.
// ABOUTME: Maps HTTP responses to distinct error types usable with errors.As.

package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is the base error for upstream API failures. It carries the final
// HTTP status after retry exhaustion plus whatever diagnostic fields the
// upstream included in its JSON body.
type APIError struct {
	Status    int
	ErrorCode string
	Message   string
	Details   any
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("upstream API error (status %d, code %s): %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("upstream API error (status %d): %s", e.Status, e.Message)
}

// AuthenticationError indicates a failed credential fetch or an upstream 401.
type AuthenticationError struct{ APIError }

// AuthorizationError indicates an upstream 403 (insufficient role).
type AuthorizationError struct{ APIError }

// NotFoundError indicates an upstream 404.
type NotFoundError struct{ APIError }

// ValidationError indicates an upstream 422 or malformed input.
type ValidationError struct{ APIError }

// ServerError indicates an upstream 5xx after retries were exhausted.
type ServerError struct{ APIError }

// JWKSError indicates a key-set fetch or parse failure.
type JWKSError struct {
	Message string
	Err     error
}

func (e *JWKSError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jwks: %s: %v", e.Message, e.Err)
	}
	return "jwks: " + e.Message
}

func (e *JWKSError) Unwrap() error { return e.Err }

// VerificationError indicates a token signature or claims failure.
type VerificationError struct {
	Message string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token verification failed: %s: %v", e.Message, e.Err)
	}
	return "token verification failed: " + e.Message
}

func (e *VerificationError) Unwrap() error { return e.Err }

// errorBody is the shape upstream error responses are parsed against.
// All fields are optional; absence falls back to a generic phrase.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

// FromResponse translates a final upstream HTTP status and body into the
// matching typed error. First match wins: 401, 403, 404, 422, other 4xx,
// then 5xx.
func FromResponse(status int, body []byte) error {
	base := parseBody(status, body)
	switch {
	case status == http.StatusUnauthorized:
		return &AuthenticationError{base}
	case status == http.StatusForbidden:
		return &AuthorizationError{base}
	case status == http.StatusNotFound:
		return &NotFoundError{base}
	case status == http.StatusUnprocessableEntity:
		return &ValidationError{base}
	case status >= 500:
		return &ServerError{base}
	default:
		return &APIError{Status: base.Status, ErrorCode: base.ErrorCode, Message: base.Message, Details: base.Details}
	}
}

// AuthenticationFromResponse builds an AuthenticationError from any non-2xx
// auth-endpoint response, regardless of the specific status code.
func AuthenticationFromResponse(status int, body []byte) *AuthenticationError {
	return &AuthenticationError{parseBody(status, body)}
}

// parseBody extracts error_code/message/details from an upstream JSON body.
// Non-JSON bodies become the message verbatim; empty bodies get a generic
// phrase keyed on the status code.
func parseBody(status int, body []byte) APIError {
	e := APIError{Status: status, Message: genericMessage(status)}
	if len(body) == 0 {
		return e
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		e.Message = string(body)
		return e
	}

	e.ErrorCode = parsed.Error
	e.Details = parsed.Details
	switch {
	case parsed.Message != "":
		e.Message = parsed.Message
	case parsed.Error != "":
		e.Message = parsed.Error
	}
	return e
}

func genericMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("request failed with status %d", status)
}
