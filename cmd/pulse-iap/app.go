package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-iap/internal/config"
	"github.com/rcourtman/pulse-iap/internal/entitlements"
	"github.com/rcourtman/pulse-iap/internal/gateway"
	"github.com/rcourtman/pulse-iap/internal/keycache"
	"github.com/rcourtman/pulse-iap/internal/ledger"
	"github.com/rcourtman/pulse-iap/internal/logging"
	"github.com/rcourtman/pulse-iap/internal/metrics"
	"github.com/rcourtman/pulse-iap/internal/monitor"
	"github.com/rcourtman/pulse-iap/internal/receipt"
	"github.com/rcourtman/pulse-iap/internal/reconcile"
	"github.com/rcourtman/pulse-iap/internal/securestore"
	"github.com/rcourtman/pulse-iap/internal/verification"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// CLI metrics go to the default registry. Tests swap in a fresh one.
var (
	registerer prometheus.Registerer = prometheus.DefaultRegisterer
	gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	ledger   *ledger.SQLiteLedger
	store    securestore.Store
	state    *verification.State
	keys     *keycache.Cache
	verifier *receipt.Verifier
	resolver *entitlements.Resolver
	metrics  *metrics.Metrics
	monitor  *monitor.Monitor
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "pulse-iap",
	})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := securestore.NewFileStore(cfg.SecureStoreDir, cfg.SecureStoreSecret)
	if err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}

	var fetcher keycache.Fetcher
	if cfg.KeyEndpoint != "" {
		httpFetcher, err := keycache.NewHTTPFetcher(keycache.HTTPFetcherConfig{
			Endpoint:     cfg.KeyEndpoint,
			ClientID:     cfg.KeyClientID,
			ClientSecret: cfg.KeyClientSecret,
			TokenURL:     cfg.KeyTokenURL,
			Fingerprint:  cfg.KeyFingerprint,
			Timeout:      cfg.KeyFetchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("configure key fetcher: %w", err)
		}
		fetcher = httpFetcher
	}

	m := metrics.New(registerer)
	keys := keycache.New(store, fetcher)

	l, err := ledger.OpenSQLite(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	state := verification.NewState(store)
	if n, err := state.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Verification state could not be restored, continuing with empty state")
	} else {
		log.Debug().Int("entries", n).Msg("Verification state restored")
	}

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		ledger: l,
		store:  store,
		state:  state,
		keys:   keys,
		verifier: receipt.NewVerifier(keys, receipt.Config{
			Identities: cfg.Identities(),
			Metrics:    m,
		}),
		resolver: entitlements.NewResolver(catalog, l, entitlements.WithMetrics(m)),
		metrics:  m,
		monitor:  monitor.New(m),
	}, nil
}

func (a *app) reconciler(gw gateway.Gateway) *reconcile.Reconciler {
	return reconcile.New(gw, a.ledger,
		reconcile.WithRetry(a.cfg.Retry),
		reconcile.WithExclusions(a.cfg.ExcludeProducts...),
		reconcile.WithVerification(a.verifier, a.state),
		reconcile.WithFeatures(a.resolver),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithSlowPassAlert(a.monitor, a.cfg.SlowRestoreThreshold),
	)
}

// erase removes one transaction, or every transaction when id is empty, from
// both the ledger and the verification state.
func (a *app) erase(ctx context.Context, id string) (int, error) {
	if id != "" {
		existing, err := a.ledger.GetPurchase(ctx, id)
		if err != nil {
			return 0, err
		}
		if err := a.state.Erase(ctx, id); err != nil {
			return 0, err
		}
		if existing == nil {
			return 0, nil
		}
		return 1, a.ledger.Delete(ctx, id)
	}

	rows, err := a.ledger.GetAllPurchases(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, row := range rows {
		if err := a.ledger.Delete(ctx, row.TransactionID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", row.TransactionID, err))
			continue
		}
		removed++
	}
	if _, err := a.state.EraseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

func (a *app) close() {
	if err := a.ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close ledger")
	}
}

func parsePlatformFlag(value string) (purchases.Platform, error) {
	platform, ok := purchases.ParsePlatform(value)
	if !ok || platform == purchases.PlatformUnknown {
		return "", fmt.Errorf("unknown platform %q", value)
	}
	return platform, nil
}
