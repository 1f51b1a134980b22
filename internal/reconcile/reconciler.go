// Package reconcile merges a platform's purchase history into the local
// ledger. Each Restore call is one pass with no persisted intermediate state.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/internal/gateway"
	"github.com/rcourtman/pulse-iap/internal/ledger"
	"github.com/rcourtman/pulse-iap/internal/metrics"
	"github.com/rcourtman/pulse-iap/internal/monitor"
	"github.com/rcourtman/pulse-iap/internal/receipt"
	"github.com/rcourtman/pulse-iap/internal/retry"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Transaction classifications used in logs and metrics.
const (
	resultNew      = "new"
	resultUpdated  = "updated"
	resultInvalid  = "invalid"
	resultExcluded = "excluded"
	resultFailed   = "failed"
)

// SlowPassThreshold is the monitor threshold name for pass duration.
const SlowPassThreshold = "restore_duration_ms"

// Verifier checks a receipt signature. *receipt.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, receiptData, signature string, platform purchases.Platform) (*receipt.Verified, error)
}

// VerificationState records verified transactions. *verification.State
// implements it.
type VerificationState interface {
	IsVerified(transactionID string) bool
	Record(ctx context.Context, meta purchases.VerificationMetadata) error
}

// FeatureMapper maps a product to the feature ids it unlocks.
type FeatureMapper interface {
	FeatureIDs(productID string) []string
}

// Reconciler runs restoration passes for one platform.
type Reconciler struct {
	gateway gateway.Gateway
	ledger  ledger.Ledger

	retry    retry.Config
	exclude  []string
	verifier Verifier
	state    VerificationState
	features FeatureMapper
	metrics  *metrics.Metrics
	monitor  *monitor.Monitor
	slowPass monitor.Threshold
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRetry sets the backoff policy for the history fetch.
func WithRetry(cfg retry.Config) Option {
	return func(r *Reconciler) { r.retry = cfg }
}

// WithExclusions skips products matching any wildcard pattern.
func WithExclusions(patterns ...string) Option {
	return func(r *Reconciler) {
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				r.exclude = append(r.exclude, p)
			}
		}
	}
}

// WithVerification checks signed receipts during the pass and records the
// ones that verify. state may be nil.
func WithVerification(v Verifier, state VerificationState) Option {
	return func(r *Reconciler) {
		r.verifier = v
		r.state = state
	}
}

// WithFeatures fills Purchase.UnlockedFeatures on new rows.
func WithFeatures(f FeatureMapper) Option {
	return func(r *Reconciler) { r.features = f }
}

// WithMetrics records pass and transaction counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithSlowPassAlert raises a monitor alert when a pass takes longer than limit.
func WithSlowPassAlert(mon *monitor.Monitor, limit time.Duration) Option {
	return func(r *Reconciler) {
		r.monitor = mon
		r.slowPass = monitor.DurationThreshold(SlowPassThreshold, limit)
	}
}

// New returns a Reconciler. gw is wrapped with gateway.Guard.
func New(gw gateway.Gateway, l ledger.Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		gateway: gateway.Guard(gw),
		ledger:  l,
		retry:   retry.DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// pass carries the state of one Restore call.
type pass struct {
	id       string
	platform purchases.Platform
	logger   zerolog.Logger
	known    map[string]purchases.Purchase
	products map[string]purchases.Product
	result   purchases.RestoreResult
}

// Restore fetches the full platform history and reconciles it against the
// ledger. Errors are always *errors.PurchaseError and only come from the
// fetch and ledger load steps; per-transaction failures are skipped and
// counted.
func (r *Reconciler) Restore(ctx context.Context) (purchases.RestoreResult, error) {
	started := r.now()
	p := &pass{
		id:       ulid.Make().String(),
		platform: r.gateway.Platform(),
	}
	p.logger = log.With().
		Str("component", "reconcile").
		Str("pass_id", p.id).
		Str("platform", string(p.platform)).
		Logger()

	history, err := r.fetch(ctx, p)
	if err != nil {
		r.finish(p, string(err.Code), started)
		return purchases.RestoreResult{}, err
	}
	p.result.PlatformCount = len(history)

	if err := r.loadKnown(ctx, p); err != nil {
		r.finish(p, string(err.Code), started)
		return purchases.RestoreResult{}, err
	}

	valid := r.filter(ctx, p, history)
	r.loadProducts(ctx, p, valid)

	for _, tx := range valid {
		if err := ctx.Err(); err != nil {
			pe := iaperrors.Normalize(err, p.platform)
			p.result.RestoredCount = p.result.NewCount + p.result.UpdatedCount
			p.logger.Warn().Err(err).Int("processed", p.result.NewCount+p.result.UpdatedCount).Msg("Restoration pass interrupted")
			r.finish(p, string(pe.Code), started)
			return p.result, pe
		}
		r.apply(ctx, p, tx)
	}

	p.result.RestoredCount = p.result.NewCount + p.result.UpdatedCount
	outcome := "success"
	if p.result.FailedCount > 0 {
		outcome = "partial"
	}
	r.finish(p, outcome, started)
	return p.result, nil
}

func (r *Reconciler) fetch(ctx context.Context, p *pass) ([]purchases.Transaction, *iaperrors.PurchaseError) {
	res := retry.Execute(ctx, r.gateway.RequestAllPurchaseHistory, iaperrors.IsRetryable, r.retry)
	if res.Success {
		return res.Data, nil
	}
	pe := iaperrors.Normalize(res.Err, p.platform)
	p.logger.Warn().
		Err(res.Err).
		Str("code", string(pe.Code)).
		Bool("retryable", pe.Retryable).
		Int("attempts", res.Attempts).
		Msg("Purchase history fetch failed")
	return nil, pe
}

func (r *Reconciler) loadKnown(ctx context.Context, p *pass) *iaperrors.PurchaseError {
	rows, err := r.ledger.GetAllPurchases(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to load local purchases")
		return iaperrors.NewPurchaseError(iaperrors.CodeDatabase, p.platform, "failed to load local purchases", err).
			WithRetryable(true)
	}
	p.known = make(map[string]purchases.Purchase, len(rows))
	for _, row := range rows {
		p.known[row.TransactionID] = row
	}
	return nil
}

// filter drops transactions with an invalid shape or an excluded product.
func (r *Reconciler) filter(ctx context.Context, p *pass, history []purchases.Transaction) []purchases.Transaction {
	valid := make([]purchases.Transaction, 0, len(history))
	for _, tx := range history {
		if !r.hasValidShape(ctx, p, tx) {
			p.result.InvalidCount++
			p.logger.Warn().
				Str("transaction_id", tx.TransactionID).
				Str("product_id", tx.ProductID).
				Msg("Skipping transaction with invalid shape")
			continue
		}
		if r.excluded(tx.ProductID) {
			p.result.ExcludedCount++
			p.logger.Debug().Str("transaction_id", tx.TransactionID).Str("product_id", tx.ProductID).Msg("Skipping excluded product")
			continue
		}
		valid = append(valid, tx)
	}
	return valid
}

func (r *Reconciler) hasValidShape(ctx context.Context, p *pass, tx purchases.Transaction) bool {
	if !gateway.CheckShape(tx) {
		return false
	}
	ok, err := r.gateway.VerifyTransaction(ctx, tx)
	if err != nil {
		p.logger.Debug().Err(err).Str("transaction_id", tx.TransactionID).Msg("Gateway shape check failed")
		return false
	}
	return ok
}

func (r *Reconciler) excluded(productID string) bool {
	for _, pattern := range r.exclude {
		if wildcard.Match(pattern, productID) {
			return true
		}
	}
	return false
}

// loadProducts fetches metadata for products that will get new rows. Failure
// only costs price information.
func (r *Reconciler) loadProducts(ctx context.Context, p *pass, valid []purchases.Transaction) {
	seen := make(map[string]struct{})
	var ids []string
	for _, tx := range valid {
		if _, known := p.known[tx.TransactionID]; known {
			continue
		}
		if _, dup := seen[tx.ProductID]; !dup {
			seen[tx.ProductID] = struct{}{}
			ids = append(ids, tx.ProductID)
		}
	}
	p.products = make(map[string]purchases.Product, len(ids))
	if len(ids) == 0 {
		return
	}

	products, err := r.gateway.LoadProductMetadata(ctx, ids)
	if err != nil {
		p.logger.Warn().Err(err).Int("products", len(ids)).Msg("Product metadata unavailable, restoring without prices")
		return
	}
	for _, product := range products {
		p.products[product.ID] = product
	}
}

func (r *Reconciler) apply(ctx context.Context, p *pass, tx purchases.Transaction) {
	logger := p.logger.With().
		Str("transaction_id", tx.TransactionID).
		Str("product_id", tx.ProductID).
		Logger()

	verified := r.verify(ctx, p, tx, logger)

	if existing, known := p.known[tx.TransactionID]; known {
		if r.update(ctx, existing, verified, logger) {
			p.result.UpdatedCount++
		} else {
			p.result.FailedCount++
		}
		return
	}

	row := r.newPurchase(p, tx, verified)
	err := r.ledger.Insert(ctx, row)
	switch {
	case err == nil:
		p.result.NewCount++
		p.known[row.TransactionID] = row
	case ledger.IsDuplicate(err):
		// A concurrent pass or purchase inserted it first.
		logger.Debug().Msg("Transaction inserted concurrently, updating instead")
		if r.update(ctx, row, verified, logger) {
			p.result.UpdatedCount++
			p.known[row.TransactionID] = row
		} else {
			p.result.FailedCount++
		}
	default:
		p.result.FailedCount++
		logger.Warn().Err(err).Bool("retryable", iaperrors.IsRetryable(err)).Msg("Failed to insert restored purchase, skipping")
	}
}

func (r *Reconciler) update(ctx context.Context, existing purchases.Purchase, verified bool, logger zerolog.Logger) bool {
	if err := r.ledger.UpdateSyncStatus(ctx, existing.TransactionID, true); err != nil {
		logger.Warn().Err(err).Msg("Failed to update restored purchase, skipping")
		return false
	}
	if verified && !existing.IsVerified {
		if err := r.ledger.UpdateVerificationStatus(ctx, existing.TransactionID, true); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark restored purchase verified")
		}
	}
	return true
}

// verify runs receipt verification for signed transactions. Failures leave
// the purchase unverified without skipping it.
func (r *Reconciler) verify(ctx context.Context, p *pass, tx purchases.Transaction, logger zerolog.Logger) bool {
	if r.verifier == nil || tx.Signature == "" {
		return false
	}
	if existing, known := p.known[tx.TransactionID]; known && existing.IsVerified {
		return true
	}
	if r.state != nil && r.state.IsVerified(tx.TransactionID) {
		return true
	}

	result, err := r.verifier.Verify(ctx, tx.ReceiptData, tx.Signature, p.platform)
	if err != nil {
		logger.Warn().Err(err).Msg("Restored receipt failed verification")
		return false
	}
	if result.TransactionID != tx.TransactionID || result.ProductID != tx.ProductID {
		logger.Warn().
			Str("receipt_transaction_id", result.TransactionID).
			Str("receipt_product_id", result.ProductID).
			Msg("Receipt does not match restored transaction")
		return false
	}

	p.result.VerifiedCount++
	if r.state != nil {
		if err := r.state.Record(ctx, result.Metadata(r.now())); err != nil {
			logger.Warn().Err(err).Msg("Failed to record verification metadata")
		}
	}
	return true
}

func (r *Reconciler) newPurchase(p *pass, tx purchases.Transaction, verified bool) purchases.Purchase {
	syncedAt := r.now()
	row := purchases.Purchase{
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		PurchasedAt:   tx.PurchaseDate,
		Price:         decimal.Zero,
		IsVerified:    verified,
		IsSynced:      true,
		SyncedAt:      &syncedAt,
	}
	if product, ok := p.products[tx.ProductID]; ok {
		row.Price = product.Price
		row.CurrencyCode = product.CurrencyCode
	}
	if r.features != nil {
		row.UnlockedFeatures = r.features.FeatureIDs(tx.ProductID)
	}
	return row
}

func (r *Reconciler) finish(p *pass, outcome string, started time.Time) {
	elapsed := r.now().Sub(started)
	res := p.result
	platform := string(p.platform)

	r.metrics.RecordRestorePass(platform, outcome, elapsed)
	r.metrics.RecordRestoreTransactions(platform, resultNew, res.NewCount)
	r.metrics.RecordRestoreTransactions(platform, resultUpdated, res.UpdatedCount)
	r.metrics.RecordRestoreTransactions(platform, resultInvalid, res.InvalidCount)
	r.metrics.RecordRestoreTransactions(platform, resultExcluded, res.ExcludedCount)
	r.metrics.RecordRestoreTransactions(platform, resultFailed, res.FailedCount)

	event := p.logger.Info()
	if res.FailedCount > 0 || res.InvalidCount > 0 {
		event = p.logger.Warn()
	}
	event.
		Str("outcome", outcome).
		Dur("elapsed", elapsed).
		Int("platform_count", res.PlatformCount).
		Int("new", res.NewCount).
		Int("updated", res.UpdatedCount).
		Int("verified", res.VerifiedCount).
		Int("skipped_invalid", res.InvalidCount).
		Int("skipped_excluded", res.ExcludedCount).
		Int("skipped_failed", res.FailedCount).
		Msg("Restoration pass finished")

	r.monitor.ObserveDuration(r.slowPass, elapsed)
}
