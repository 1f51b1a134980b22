// Package purchase runs the buy flow: launch the platform dialog, check the
// transaction, verify its receipt and record it in the ledger.
package purchase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/internal/gateway"
	"github.com/rcourtman/pulse-iap/internal/ledger"
	"github.com/rcourtman/pulse-iap/internal/metrics"
	"github.com/rcourtman/pulse-iap/internal/receipt"
	"github.com/rcourtman/pulse-iap/internal/retry"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Verifier checks a receipt signature.
type Verifier interface {
	Verify(ctx context.Context, receiptData, signature string, platform purchases.Platform) (*receipt.Verified, error)
}

// Recorder persists verification metadata.
type Recorder interface {
	Record(ctx context.Context, meta purchases.VerificationMetadata) error
}

// FeatureMapper maps a product to the feature ids it unlocks.
type FeatureMapper interface {
	FeatureIDs(productID string) []string
}

// Config wires the optional collaborators of a Service.
type Config struct {
	Retry    retry.Config
	Verifier Verifier
	Recorder Recorder
	Features FeatureMapper
	Metrics  *metrics.Metrics
}

// Service runs purchases for one platform.
type Service struct {
	gateway  gateway.Gateway
	ledger   ledger.Ledger
	retry    retry.Config
	verifier Verifier
	recorder Recorder
	features FeatureMapper
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	products map[string]purchases.Product
}

// NewService returns a Service. gw is wrapped with gateway.Guard. A zero
// cfg.Retry means retry.DefaultConfig.
func NewService(gw gateway.Gateway, l ledger.Ledger, cfg Config) *Service {
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Service{
		gateway:  gateway.Guard(gw),
		ledger:   l,
		retry:    cfg.Retry,
		verifier: cfg.Verifier,
		recorder: cfg.Recorder,
		features: cfg.Features,
		metrics:  cfg.Metrics,
		now:      time.Now,
		products: make(map[string]purchases.Product),
	}
}

// LoadProducts fetches product metadata and caches it. When the gateway fails
// retryably, the cached products for ids are returned instead, if any.
func (s *Service) LoadProducts(ctx context.Context, ids []string) ([]purchases.Product, error) {
	res := retry.Execute(ctx, func(ctx context.Context) ([]purchases.Product, error) {
		return s.gateway.LoadProductMetadata(ctx, ids)
	}, iaperrors.IsRetryable, s.retry)

	if res.Success {
		s.mu.Lock()
		for _, p := range res.Data {
			s.products[p.ID] = p
		}
		s.mu.Unlock()
		return res.Data, nil
	}

	pe := iaperrors.Normalize(res.Err, s.gateway.Platform())
	if pe.Retryable {
		if cached := s.cached(ids); len(cached) > 0 {
			log.Warn().
				Err(pe).
				Str("component", "purchase").
				Int("cached", len(cached)).
				Msg("Product metadata unavailable, serving cached products")
			return cached, nil
		}
	}
	return nil, pe
}

func (s *Service) cached(ids []string) []purchases.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []purchases.Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Purchase buys productID and returns the recorded ledger row. Errors are
// always *errors.PurchaseError.
func (s *Service) Purchase(ctx context.Context, productID string) (*purchases.Purchase, error) {
	platform := s.gateway.Platform()
	row, err := s.purchase(ctx, strings.TrimSpace(productID))
	if err != nil {
		s.metrics.RecordPurchase(string(platform), string(err.Code))
		log.Info().
			Str("component", "purchase").
			Str("platform", string(platform)).
			Str("product_id", productID).
			Str("code", string(err.Code)).
			Bool("retryable", err.Retryable).
			Msg("Purchase did not complete")
		return nil, err
	}
	s.metrics.RecordPurchase(string(platform), "ok")
	log.Info().
		Str("component", "purchase").
		Str("platform", string(platform)).
		Str("product_id", row.ProductID).
		Str("transaction_id", row.TransactionID).
		Bool("verified", row.IsVerified).
		Msg("Purchase recorded")
	return row, nil
}

func (s *Service) purchase(ctx context.Context, productID string) (*purchases.Purchase, *iaperrors.PurchaseError) {
	platform := s.gateway.Platform()
	if productID == "" {
		return nil, iaperrors.NewPurchaseError(iaperrors.CodeProductUnavailable, platform, "product id is required", nil)
	}

	launched := retry.Execute(ctx, func(ctx context.Context) (*purchases.Transaction, error) {
		return s.gateway.LaunchPurchaseFlow(ctx, productID)
	}, iaperrors.IsRetryable, s.retry)
	if !launched.Success {
		return nil, iaperrors.Normalize(launched.Err, platform)
	}
	tx := launched.Data
	if tx == nil {
		return nil, iaperrors.NewPurchaseError(iaperrors.CodeUnknown, platform, "store returned no transaction", nil).WithProductID(productID)
	}

	if ok, err := s.gateway.VerifyTransaction(ctx, *tx); err != nil || !ok || !gateway.CheckShape(*tx) {
		return nil, invalid(platform, productID, "store returned a malformed transaction", iaperrors.ReasonInvalidShape)
	}
	if tx.ProductID != productID {
		return nil, invalid(platform, productID, "store returned a transaction for "+tx.ProductID, iaperrors.ReasonInvalidShape)
	}

	verified, meta, verr := s.verify(ctx, platform, *tx)
	if verr != nil {
		return nil, verr
	}

	row, perr := s.record(ctx, platform, *tx, verified)
	if perr != nil {
		return nil, perr
	}

	if meta != nil && s.recorder != nil {
		if err := s.recorder.Record(ctx, *meta); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("Failed to record verification metadata")
		}
	}
	return row, nil
}

// verify checks the receipt when a verifier is configured and the store
// signed it. A key that is not cached yet leaves the purchase unverified so a
// later restore can verify it.
func (s *Service) verify(ctx context.Context, platform purchases.Platform, tx purchases.Transaction) (bool, *purchases.VerificationMetadata, *iaperrors.PurchaseError) {
	if s.verifier == nil || tx.Signature == "" {
		return false, nil, nil
	}
	result, err := s.verifier.Verify(ctx, tx.ReceiptData, tx.Signature, platform)
	if errors.Is(err, receipt.ErrKeyNotFound) {
		log.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("Verification key unavailable, recording purchase unverified")
		return false, nil, nil
	}
	if err != nil {
		return false, nil, iaperrors.Normalize(err, platform).WithProductID(tx.ProductID)
	}
	if result.TransactionID != tx.TransactionID || result.ProductID != tx.ProductID {
		return false, nil, invalid(platform, tx.ProductID, "receipt does not match the transaction", iaperrors.ReasonIdentityMismatch)
	}
	meta := result.Metadata(s.now())
	return true, &meta, nil
}

func (s *Service) record(ctx context.Context, platform purchases.Platform, tx purchases.Transaction, verified bool) (*purchases.Purchase, *iaperrors.PurchaseError) {
	row := purchases.Purchase{
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		PurchasedAt:   tx.PurchaseDate,
		Price:         decimal.Zero,
		IsVerified:    verified,
	}
	s.mu.RLock()
	if product, ok := s.products[tx.ProductID]; ok {
		row.Price = product.Price
		row.CurrencyCode = product.CurrencyCode
	}
	s.mu.RUnlock()
	if s.features != nil {
		row.UnlockedFeatures = s.features.FeatureIDs(tx.ProductID)
	}

	err := s.ledger.Insert(ctx, row)
	if err == nil {
		return &row, nil
	}
	if !ledger.IsDuplicate(err) {
		return nil, iaperrors.Normalize(err, platform).WithProductID(tx.ProductID)
	}

	// Already recorded by a restore or an earlier attempt.
	existing, getErr := s.ledger.GetPurchase(ctx, tx.TransactionID)
	if getErr != nil || existing == nil {
		return nil, iaperrors.NewPurchaseError(iaperrors.CodeDatabase, platform, "purchase recorded but could not be read back", getErr).
			WithProductID(tx.ProductID)
	}
	if verified && !existing.IsVerified {
		if err := s.ledger.UpdateVerificationStatus(ctx, tx.TransactionID, true); err == nil {
			existing.IsVerified = true
		}
	}
	return existing, nil
}

func invalid(platform purchases.Platform, productID, message, reason string) *iaperrors.PurchaseError {
	return iaperrors.NewPurchaseError(iaperrors.CodePurchaseInvalid, platform, message, nil).
		WithReason(reason).
		WithProductID(productID)
}
