package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func jwkFor(kid string, pub *ecdsa.PublicKey) jwk {
	return jwk{
		Kty: "EC",
		Kid: kid,
		Alg: "ES256",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func serveJWKS(t *testing.T, set func() jwkSet) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestKeyCacheFetchesOnceAndCaches(t *testing.T) {
	key := newECKey(t)
	var fetches int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		json.NewEncoder(w).Encode(jwkSet{Keys: []jwk{jwkFor("key-1", &key.PublicKey)}})
	}))
	defer srv.Close()

	cache := NewKeyCache(srv.URL)
	ctx := context.Background()

	keys, err := cache.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	_, ok, err := cache.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = cache.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

func TestKeyCacheRefreshReplacesWholesale(t *testing.T) {
	keyA := newECKey(t)
	keyB := newECKey(t)
	var current atomic.Value
	current.Store(jwkSet{Keys: []jwk{jwkFor("key-a", &keyA.PublicKey)}})

	srv := serveJWKS(t, func() jwkSet { return current.Load().(jwkSet) })

	cache := NewKeyCache(srv.URL)
	ctx := context.Background()

	_, ok, err := cache.Key(ctx, "key-a")
	require.NoError(t, err)
	require.True(t, ok)

	current.Store(jwkSet{Keys: []jwk{jwkFor("key-b", &keyB.PublicKey)}})
	_, err = cache.Refresh(ctx)
	require.NoError(t, err)

	_, ok, err = cache.Key(ctx, "key-a")
	require.NoError(t, err)
	assert.False(t, ok, "rotated-out key must not survive a refresh")

	_, ok, err = cache.Key(ctx, "key-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyCacheRetriesBeforeFailing(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := NewKeyCache(srv.URL)
	cache.retryBase = time.Millisecond
	cache.retryCap = 5 * time.Millisecond

	_, err := cache.Keys(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyFetchFailure)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestKeyCacheSkipsUnparseableKeys(t *testing.T) {
	key := newECKey(t)
	srv := serveJWKS(t, func() jwkSet {
		return jwkSet{Keys: []jwk{
			jwkFor("good", &key.PublicKey),
			{Kty: "oct", Kid: "bad"},
			{Kty: "EC", Kid: "bad-curve", Crv: "P-999"},
		}}
	})

	cache := NewKeyCache(srv.URL)
	keys, err := cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, "good")
}

func TestKeyCacheReachable(t *testing.T) {
	key := newECKey(t)
	srv := serveJWKS(t, func() jwkSet {
		return jwkSet{Keys: []jwk{jwkFor("key-1", &key.PublicKey)}}
	})

	cache := NewKeyCache(srv.URL)
	assert.NoError(t, cache.Reachable(context.Background()))

	down := NewKeyCache("http://127.0.0.1:1")
	assert.Error(t, down.Reachable(context.Background()))
}
