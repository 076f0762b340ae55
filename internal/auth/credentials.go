// ABOUTME: Credential lifecycle management against the upstream /auth endpoint.
// ABOUTME: Caches short-lived bearer tokens and verifies RS256 tokens via JWKS.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cardbox/cardbox-gateway/internal/apierr"
)

// RefreshBuffer is subtracted from a token's expiry when deciding validity,
// so requests started near expiry do not race an upstream 401.
const RefreshBuffer = 300 * time.Second

// defaultExpiresIn is assumed when the auth response omits expires_in.
const defaultExpiresIn = 3600

// ErrNoCredentials is returned when neither credential shape is configured.
var ErrNoCredentials = errors.New("no upstream credentials configured")

// Credentials holds one of the two accepted credential shapes:
// username+password (role optional) or API key (role required).
type Credentials struct {
	Username string
	Password string
	Role     string
	APIKey   string
}

// payload builds the JSON body for POST {base}/auth.
func (c Credentials) payload() map[string]string {
	if c.APIKey != "" {
		return map[string]string{"api_key": c.APIKey, "role": c.Role}
	}
	p := map[string]string{"username": c.Username, "password": c.Password}
	if c.Role != "" {
		p["role"] = c.Role
	}
	return p
}

func (c Credentials) empty() bool {
	return c.APIKey == "" && c.Username == ""
}

// Token is a signed bearer credential from the upstream. Tokens are replaced
// wholesale on refresh, never mutated.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CredentialStore owns the current bearer token and its expiry. A single
// mutex collapses concurrent fetches; it is held across the auth call, which
// is acceptable because only token acquisition serializes behind it, not
// regular authenticated traffic.
type CredentialStore struct {
	baseURL string
	issuer  string
	creds   Credentials
	client  *http.Client
	keys    *KeySetCache
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewCredentialStore creates a credential store for the given upstream.
func NewCredentialStore(baseURL, issuer string, creds Credentials, keys *KeySetCache, logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		issuer:  issuer,
		creds:   creds,
		client:  &http.Client{Timeout: 15 * time.Second},
		keys:    keys,
		logger:  logger.With("component", "credentials"),
		now:     time.Now,
	}
}

// Token returns the cached bearer token while it is valid, otherwise fetches
// a new one from the upstream auth endpoint.
func (s *CredentialStore) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validLocked() {
		return s.token.Value, nil
	}
	tok, err := s.fetchLocked(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Refresh unconditionally discards the current token and fetches a new one.
func (s *CredentialStore) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	tok, err := s.fetchLocked(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// ClearCache drops the token and the key-set cache. Used for forced re-auth.
func (s *CredentialStore) ClearCache() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
	if s.keys != nil {
		s.keys.Clear()
	}
}

// Valid reports whether a usable token is currently cached.
func (s *CredentialStore) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked()
}

// validLocked applies the validity rule: token present and now strictly
// before expiresAt minus the refresh buffer. Must be called with mu held.
func (s *CredentialStore) validLocked() bool {
	return s.token != nil && s.now().Before(s.token.ExpiresAt.Add(-RefreshBuffer))
}

// authResponse is the wire shape of a successful POST {base}/auth.
type authResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// fetchLocked performs the blocking auth call and stores the new token.
// Must be called with mu held.
func (s *CredentialStore) fetchLocked(ctx context.Context) (*Token, error) {
	if s.creds.empty() {
		return nil, ErrNoCredentials
	}

	body, err := json.Marshal(s.creds.payload())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &apierr.AuthenticationError{APIError: apierr.APIError{Message: "auth request failed: " + err.Error()}}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.AuthenticationError{APIError: apierr.APIError{Status: resp.StatusCode, Message: "reading auth response: " + err.Error()}}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.AuthenticationFromResponse(resp.StatusCode, respBody)
	}

	var parsed authResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &apierr.AuthenticationError{APIError: apierr.APIError{Status: resp.StatusCode, Message: "parsing auth response: " + err.Error()}}
	}
	if parsed.Token == "" {
		return nil, &apierr.AuthenticationError{APIError: apierr.APIError{Status: resp.StatusCode, Message: "auth response missing token"}}
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = defaultExpiresIn
	}

	now := s.now()
	s.token = &Token{
		Value:     parsed.Token,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	s.logger.Debug("fetched upstream token", "expires_in", parsed.ExpiresIn)
	return s.token, nil
}

// VerifyToken verifies a token's RS256 signature and standard claims against
// the cached key set and returns the decoded claims.
func (s *CredentialStore) VerifyToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if s.keys == nil {
		return nil, &apierr.VerificationError{Message: "no key set configured"}
	}

	// Decode the header without signature check to learn which key signed it.
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, &apierr.VerificationError{Message: "decoding token", Err: err}
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, &apierr.VerificationError{Message: "token header missing kid"}
	}

	key, err := s.keys.Key(ctx, kid)
	if err != nil {
		return nil, &apierr.VerificationError{Message: "resolving signing key", Err: err}
	}
	if key == nil {
		return nil, &apierr.VerificationError{Message: "no key matches kid " + kid}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, &apierr.VerificationError{Message: "validating token", Err: err}
	}
	return claims, nil
}
