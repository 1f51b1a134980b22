package keycache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
	"github.com/rcourtman/pulse-iap/pkg/tlsutil"
)

const maxKeyResponseBytes = 64 << 10

// HTTPFetcherConfig configures HTTPFetcher. ClientID enables OAuth2 client
// credentials authentication against TokenURL.
type HTTPFetcherConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
	// Fingerprint pins the endpoint's TLS leaf certificate (hex SHA-256).
	Fingerprint string
	// HTTPClient overrides the DNS cached default client.
	HTTPClient *http.Client
}

// HTTPFetcher fetches keys with GET <Endpoint>/<platform>. The response is
// JSON {"platform": "...", "public_key": "..."}.
type HTTPFetcher struct {
	endpoint *url.URL
	client   *http.Client
}

type keyResponse struct {
	Platform  string `json:"platform"`
	PublicKey string `json:"public_key"`
}

// NewHTTPFetcher validates cfg and builds the HTTP client.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	endpoint, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse key endpoint: %w", err)
	}
	if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
		return nil, fmt.Errorf("key endpoint must be http(s), got %q", cfg.Endpoint)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client, err = tlsutil.NewPinnedHTTPClient(tlsutil.DefaultDialer(), timeout, cfg.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("key endpoint tls: %w", err)
		}
	}

	if cfg.ClientID != "" {
		if cfg.TokenURL == "" {
			return nil, fmt.Errorf("key token URL is required with a client id")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cc.Client(ctx)
		client.Timeout = timeout
	}

	return &HTTPFetcher{endpoint: endpoint, client: client}, nil
}

func (f *HTTPFetcher) FetchKey(ctx context.Context, platform purchases.Platform) (string, error) {
	target := f.endpoint.JoinPath(string(platform))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build key request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("key request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxKeyResponseBytes))
		return "", fmt.Errorf("key endpoint returned status %d", resp.StatusCode)
	}

	var payload keyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeyResponseBytes)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode key response: %w", err)
	}
	if payload.Platform != "" && payload.Platform != string(platform) {
		return "", fmt.Errorf("key endpoint returned key for %q, wanted %q", payload.Platform, platform)
	}
	if strings.TrimSpace(payload.PublicKey) == "" {
		return "", fmt.Errorf("key endpoint returned an empty key")
	}
	return payload.PublicKey, nil
}
