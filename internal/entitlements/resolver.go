package entitlements

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-iap/internal/metrics"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// TierService reports the current subscription tier.
type TierService interface {
	GetCurrentTier(ctx context.Context) (purchases.Tier, error)
}

// TierFunc adapts a function to TierService.
type TierFunc func(ctx context.Context) (purchases.Tier, error)

func (f TierFunc) GetCurrentTier(ctx context.Context) (purchases.Tier, error) { return f(ctx) }

// StaticTier always reports the same tier.
type StaticTier purchases.Tier

func (t StaticTier) GetCurrentTier(context.Context) (purchases.Tier, error) {
	return purchases.Tier(t), nil
}

// PurchaseReader is the slice of the ledger the resolver reads.
type PurchaseReader interface {
	FindByProduct(ctx context.Context, productID string) ([]purchases.Purchase, error)
}

// Decision sources, used as metric labels.
const (
	sourceUnknown      = "unknown_feature"
	sourceFree         = "free_feature"
	sourceSubscription = "subscription"
	sourceLedger       = "ledger"
)

// Resolver answers feature access questions. It only reads the ledger and
// fails closed: any ledger failure denies access.
type Resolver struct {
	catalog atomic.Pointer[Catalog]
	ledger  PurchaseReader
	tiers   TierService
	metrics *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTierService sets the subscription tier source. Without one every user
// is treated as free tier.
func WithTierService(tiers TierService) Option {
	return func(r *Resolver) { r.tiers = tiers }
}

// WithMetrics records access decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver returns a Resolver over catalog (DefaultCatalog when nil).
func NewResolver(catalog *Catalog, ledger PurchaseReader, opts ...Option) *Resolver {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	r := &Resolver{ledger: ledger}
	r.catalog.Store(catalog)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the catalog currently in use.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog.Load()
}

// SetCatalog swaps the catalog. In-flight checks finish against the old one.
func (r *Resolver) SetCatalog(c *Catalog) {
	if c != nil {
		r.catalog.Store(c)
	}
}

// CanAccessLocal decides from the ledger alone, without the tier service.
func (r *Resolver) CanAccessLocal(ctx context.Context, featureID string) bool {
	def, ok := r.Catalog().Feature(featureID)
	if !ok {
		r.metrics.RecordEntitlementCheck(sourceUnknown, false)
		return false
	}
	if def.Level == purchases.FeatureLevelFree {
		r.metrics.RecordEntitlementCheck(sourceFree, true)
		return true
	}
	granted := r.ownsProduct(ctx, def)
	r.metrics.RecordEntitlementCheck(sourceLedger, granted)
	return granted
}

// CanAccess resolves in order: unknown feature, free feature, premium tier,
// then a ledger purchase of the feature's required product.
func (r *Resolver) CanAccess(ctx context.Context, featureID string) bool {
	def, ok := r.Catalog().Feature(featureID)
	if !ok {
		r.metrics.RecordEntitlementCheck(sourceUnknown, false)
		return false
	}
	if def.Level == purchases.FeatureLevelFree {
		r.metrics.RecordEntitlementCheck(sourceFree, true)
		return true
	}
	if r.currentTier(ctx) == purchases.TierPremium {
		r.metrics.RecordEntitlementCheck(sourceSubscription, true)
		return true
	}
	granted := r.ownsProduct(ctx, def)
	r.metrics.RecordEntitlementCheck(sourceLedger, granted)
	return granted
}

// FeaturesForProduct returns every feature productID unlocks.
func (r *Resolver) FeaturesForProduct(productID string) []purchases.FeatureDefinition {
	return r.Catalog().ForProduct(productID)
}

// FeatureIDs returns the ids of the features productID unlocks.
func (r *Resolver) FeatureIDs(productID string) []string {
	return r.Catalog().FeatureIDs(productID)
}

// AccessibleFeatures returns the catalog entries CanAccess grants.
func (r *Resolver) AccessibleFeatures(ctx context.Context) []purchases.FeatureDefinition {
	var out []purchases.FeatureDefinition
	for _, def := range r.Catalog().Features() {
		if r.CanAccess(ctx, def.ID) {
			out = append(out, def)
		}
	}
	return out
}

func (r *Resolver) currentTier(ctx context.Context) purchases.Tier {
	if r.tiers == nil {
		return purchases.TierFree
	}
	tier, err := r.tiers.GetCurrentTier(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "entitlements").Msg("Subscription tier unavailable, treating as free")
		return purchases.TierFree
	}
	return tier
}

// ownsProduct reports whether the ledger holds any purchase, verified or not,
// of the feature's required product.
func (r *Resolver) ownsProduct(ctx context.Context, def purchases.FeatureDefinition) (owned bool) {
	if def.RequiredProductID == "" || r.ledger == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("component", "entitlements").
				Str("feature", def.ID).
				Str("panic", fmt.Sprint(rec)).
				Msg("Ledger query panicked, denying access")
			owned = false
		}
	}()

	rows, err := r.ledger.FindByProduct(ctx, def.RequiredProductID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "entitlements").
			Str("feature", def.ID).
			Str("product_id", def.RequiredProductID).
			Msg("Ledger query failed, denying access")
		return false
	}
	for _, p := range rows {
		if p.ProductID == def.RequiredProductID {
			return true
		}
	}
	return false
}
