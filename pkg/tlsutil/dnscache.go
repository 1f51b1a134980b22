// Package tlsutil builds outbound HTTP clients for store and key endpoints.
package tlsutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// DefaultRefreshTTL is how often cached DNS entries are refreshed.
const DefaultRefreshTTL = 5 * time.Minute

// CachedDialer dials through a caching DNS resolver, trying each resolved
// address in turn.
type CachedDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer

	refreshOnce sync.Once
}

// NewCachedDialer returns a dialer with an empty cache.
func NewCachedDialer() *CachedDialer {
	return &CachedDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

var (
	defaultDialer     *CachedDialer
	defaultDialerOnce sync.Once
)

// DefaultDialer returns the process wide dialer.
func DefaultDialer() *CachedDialer {
	defaultDialerOnce.Do(func() {
		defaultDialer = NewCachedDialer()
	})
	return defaultDialer
}

// StartRefresh refreshes the cache every ttl until ctx is done. Only the first
// call starts a refresher.
func (d *CachedDialer) StartRefresh(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	d.refreshOnce.Do(func() {
		log.Debug().Dur("ttl", ttl).Msg("Starting DNS cache refresh")
		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					d.resolver.Refresh(true)
				}
			}
		}()
	})
}

// DialContext resolves address through the cache and dials the first address
// that accepts a connection.
func (d *CachedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var errs []error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// NewHTTPClient returns a client whose transport dials through d.
func NewHTTPClient(d *CachedDialer, timeout time.Duration) *http.Client {
	if d == nil {
		d = DefaultDialer()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = d.DialContext
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
