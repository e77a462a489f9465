package services

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"subscription-api/pkg/logging"
)

// ErrKeyFetchFailure indicates the issuer key set could not be fetched
// after the full retry budget.
var ErrKeyFetchFailure = errors.New("failed to fetch issuer public keys")

const (
	defaultFetchTimeout  = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = 1 * time.Second
	defaultRetryCap      = 10 * time.Second
)

// KeyCache fetches and caches the issuer's public signing keys.
//
// The cache has process lifetime and no TTL; staleness is detected
// reactively when a required kid is absent, not proactively. Every
// fetch replaces the cache wholesale because the issuer rotates the
// whole key set atomically.
type KeyCache struct {
	url    string
	client *http.Client

	mu   sync.RWMutex
	keys map[string]crypto.PublicKey

	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration
}

// NewKeyCache creates a key cache against the issuer's well-known JWKS endpoint
func NewKeyCache(url string) *KeyCache {
	return &KeyCache{
		url:           url,
		client:        &http.Client{Timeout: defaultFetchTimeout},
		keys:          make(map[string]crypto.PublicKey),
		retryAttempts: defaultRetryAttempts,
		retryBase:     defaultRetryBase,
		retryCap:      defaultRetryCap,
	}
}

// Keys returns the cached key set, fetching it on first use
func (c *KeyCache) Keys(ctx context.Context) (map[string]crypto.PublicKey, error) {
	c.mu.RLock()
	if len(c.keys) > 0 {
		keys := copyKeys(c.keys)
		c.mu.RUnlock()
		return keys, nil
	}
	c.mu.RUnlock()

	return c.Refresh(ctx)
}

// Key looks up a single key by kid, loading the cache on first use.
// It does not refetch on a miss; that decision belongs to the caller.
func (c *KeyCache) Key(ctx context.Context, kid string) (crypto.PublicKey, bool, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	key, ok := keys[kid]
	return key, ok, nil
}

// Refresh fetches the issuer key set and replaces the cache wholesale
func (c *KeyCache) Refresh(ctx context.Context) (map[string]crypto.PublicKey, error) {
	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()

	logging.Infof("Fetched %d public keys from %s", len(keys), c.url)
	return copyKeys(keys), nil
}

// Reachable probes the key endpoint once, without retries and without
// touching the cache. Used by the diagnostics endpoint.
func (c *KeyCache) Reachable(ctx context.Context) error {
	keys, err := c.fetchOnce(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("key endpoint returned an empty key set")
	}
	return nil
}

func (c *KeyCache) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	var lastErr error
	backoff := c.retryBase

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		keys, err := c.fetchOnce(ctx)
		if err == nil {
			return keys, nil
		}
		lastErr = err
		logging.Warnf("Public key fetch attempt %d/%d failed: %v", attempt, c.retryAttempts, err)

		if attempt < c.retryAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailure, ctx.Err())
			}
			backoff *= 2
			if backoff > c.retryCap {
				backoff = c.retryCap
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailure, lastErr)
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`

	// RSA
	N string `json:"n"`
	E string `json:"e"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func (c *KeyCache) fetchOnce(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		key, err := parseJWK(k)
		if err != nil {
			logging.Warnf("Skipping key %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = key
	}

	return keys, nil
}

func parseJWK(k jwk) (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("invalid modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("invalid exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("invalid x coordinate: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("invalid y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func copyKeys(src map[string]crypto.PublicKey) map[string]crypto.PublicKey {
	dst := make(map[string]crypto.PublicKey, len(src))
	for kid, key := range src {
		dst[kid] = key
	}
	return dst
}
