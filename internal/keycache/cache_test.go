package keycache

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-iap/internal/securestore"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

func ed25519Encoded(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func TestParsePublicKey_Formats(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaDER, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	require.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	edDER, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)

	tests := []struct {
		name    string
		encoded string
		check   func(t *testing.T, key any)
	}{
		{"rsa pkix", base64.StdEncoding.EncodeToString(rsaDER), func(t *testing.T, key any) { assert.IsType(t, &rsa.PublicKey{}, key) }},
		{"ecdsa pkix", base64.StdEncoding.EncodeToString(ecDER), func(t *testing.T, key any) { assert.IsType(t, &ecdsa.PublicKey{}, key) }},
		{"ed25519 pkix", base64.StdEncoding.EncodeToString(edDER), func(t *testing.T, key any) { assert.IsType(t, ed25519.PublicKey{}, key) }},
		{"ed25519 raw url", base64.RawURLEncoding.EncodeToString(edPub), func(t *testing.T, key any) { assert.Equal(t, edPub, key) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, der, err := ParsePublicKey(tt.encoded)
			require.NoError(t, err)
			assert.NotEmpty(t, der)
			tt.check(t, key)
		})
	}
}

func TestParsePublicKey_Malformed(t *testing.T) {
	for _, input := range []string{"", "!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, _, err := ParsePublicKey(input)
		assert.ErrorIs(t, err, ErrMalformedKey, "input %q", input)
	}
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(nil))
	assert.Regexp(t, `^SHA256:[A-Za-z0-9+/]+=*$`, Fingerprint([]byte("key")))
}

func TestCache_MissWithoutFetcher(t *testing.T) {
	cache := New(securestore.NewMemoryStore(), nil)

	_, err := cache.Get(context.Background(), purchases.PlatformAppStore)
	assert.True(t, IsNotFound(err))
}

func TestCache_LoadsFromSecureStore(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()
	encoded := ed25519Encoded(t)
	require.NoError(t, store.SetItem(ctx, StoreKey(purchases.PlatformPlayStore), encoded))

	cache := New(store, FetcherFunc(func(context.Context, purchases.Platform) (string, error) {
		t.Fatal("fetcher must not be called when the store has the key")
		return "", nil
	}))

	key, err := cache.Get(ctx, purchases.PlatformPlayStore)
	require.NoError(t, err)
	assert.Equal(t, encoded, key.Encoded)
	assert.NotEmpty(t, key.Fingerprint)
}

func TestCache_FetchPersistsAndMemoizes(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()
	encoded := ed25519Encoded(t)
	var calls atomic.Int32

	cache := New(store, FetcherFunc(func(context.Context, purchases.Platform) (string, error) {
		calls.Add(1)
		return encoded, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(ctx, purchases.PlatformAggregator)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := cache.Get(ctx, purchases.PlatformAggregator)
	require.NoError(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	stored, ok, err := store.GetItem(ctx, StoreKey(purchases.PlatformAggregator))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, encoded, stored)

	before := calls.Load()
	_, err = cache.Get(ctx, purchases.PlatformAggregator)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
}

func TestCache_FetchFailureIsNotFound(t *testing.T) {
	cache := New(securestore.NewMemoryStore(), FetcherFunc(func(context.Context, purchases.Platform) (string, error) {
		return "", errors.New("offline")
	}))

	_, err := cache.Get(context.Background(), purchases.PlatformAppStore)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "offline")
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()
	cache := New(store, nil)
	_, err := cache.Put(ctx, purchases.PlatformAppStore, ed25519Encoded(t))
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, purchases.PlatformAppStore))
	_, err = cache.Get(ctx, purchases.PlatformAppStore)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, store.Len())
}

func TestHTTPFetcher(t *testing.T) {
	encoded := ed25519Encoded(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keys/play_store" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(keyResponse{Platform: "play_store", PublicKey: encoded})
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{Endpoint: server.URL + "/keys", HTTPClient: server.Client()})
	require.NoError(t, err)

	got, err := fetcher.FetchKey(context.Background(), purchases.PlatformPlayStore)
	require.NoError(t, err)
	assert.Equal(t, encoded, got)

	_, err = fetcher.FetchKey(context.Background(), purchases.PlatformAppStore)
	assert.ErrorContains(t, err, "status 404")
}

func TestHTTPFetcher_ClientCredentials(t *testing.T) {
	encoded := ed25519Encoded(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/keys/app_store", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(keyResponse{PublicKey: encoded})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{
		Endpoint:     server.URL + "/keys",
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     server.URL + "/token",
		HTTPClient:   server.Client(),
	})
	require.NoError(t, err)

	got, err := fetcher.FetchKey(context.Background(), purchases.PlatformAppStore)
	require.NoError(t, err)
	assert.Equal(t, encoded, got)
}

func TestNewHTTPFetcher_Validation(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPFetcherConfig{Endpoint: "ftp://keys"})
	assert.Error(t, err)

	_, err = NewHTTPFetcher(HTTPFetcherConfig{Endpoint: "https://keys", ClientID: "c"})
	assert.Error(t, err)

	_, err = NewHTTPFetcher(HTTPFetcherConfig{Endpoint: "https://keys", Fingerprint: "ab:cd"})
	assert.Error(t, err)
}
