// ABOUTME: Time-cached fetcher for the upstream JSON Web Key Set.
// ABOUTME: Converts JWK modulus/exponent records into rsa.PublicKey values.

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cardbox/cardbox-gateway/internal/apierr"
)

// DefaultKeySetTTL is how long a fetched key set is served from cache.
const DefaultKeySetTTL = time.Hour

// jwk is a single key record from the upstream key set. Only RSA keys are
// used for verification; records of other types are skipped.
type jwk struct {
	KeyType string `json:"kty"`
	KeyID   string `json:"kid"`
	N       string `json:"n"`
	E       string `json:"e"`
}

// jwks is the wire shape of {base}/.well-known/jwks.json.
type jwks struct {
	Keys []jwk `json:"keys"`
}

// KeySetCache fetches and time-caches the upstream public-key set, indexed
// by key id. The cached entry is replaced wholesale on refetch.
type KeySetCache struct {
	jwksURL string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeySetCache creates a key-set cache for the given upstream base URL.
// A ttl of zero uses DefaultKeySetTTL.
func NewKeySetCache(baseURL string, ttl time.Duration, logger *slog.Logger) *KeySetCache {
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeySetCache{
		jwksURL: strings.TrimRight(baseURL, "/") + "/.well-known/jwks.json",
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "jwks"),
		now:     time.Now,
	}
}

// Keys returns the cached key set while it is fresh, refetching when the TTL
// has elapsed or force is set.
func (c *KeySetCache) Keys(ctx context.Context, force bool) (map[string]*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.keys != nil && c.now().Before(c.fetchedAt.Add(c.ttl)) {
		return c.keys, nil
	}
	return c.fetchLocked(ctx)
}

// Key resolves a single key id, forcing one refetch if the id is not in the
// cached set (the upstream may have rotated keys since the last fetch).
func (c *KeySetCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	keys, err := c.Keys(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}

	keys, err = c.Keys(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, nil
}

// Clear drops the cached key set, forcing the next Keys call to refetch.
func (c *KeySetCache) Clear() {
	c.mu.Lock()
	c.keys = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// fetchLocked performs the JWKS fetch and replaces the cache. Must be called
// with mu held.
func (c *KeySetCache) fetchLocked(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, &apierr.JWKSError{Message: "building request", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &apierr.JWKSError{Message: "fetching key set", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apierr.JWKSError{Message: fmt.Sprintf("key set endpoint returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.JWKSError{Message: "reading key set body", Err: err}
	}

	var set jwks
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, &apierr.JWKSError{Message: "parsing key set", Err: err}
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyType != "RSA" || k.KeyID == "" {
			continue
		}
		pub, err := jwkToRSAPublicKey(k)
		if err != nil {
			c.logger.Warn("skipping unparseable JWK", "kid", k.KeyID, "error", err)
			continue
		}
		keys[k.KeyID] = pub
	}

	c.keys = keys
	c.fetchedAt = c.now()
	c.logger.Debug("key set refreshed", "keys", len(keys))
	return keys, nil
}

// jwkToRSAPublicKey converts a JWK record's base64url modulus and exponent
// into an rsa.PublicKey.
func jwkToRSAPublicKey(k jwk) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, fmt.Errorf("missing RSA parameters")
	}

	nBytes, err := decodeBase64URL(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := decodeBase64URL(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// decodeBase64URL decodes an unpadded base64url segment, restoring padding
// and translating the URL-safe alphabet to the standard one.
func decodeBase64URL(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	return base64.StdEncoding.DecodeString(s)
}
