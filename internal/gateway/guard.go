package gateway

import (
	"context"

	"github.com/rs/zerolog/log"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Guard normalizes every error from g at the boundary and converts panics into
// non-retryable UNKNOWN_ERROR. Returned errors are always *errors.PurchaseError.
func Guard(g Gateway) Gateway {
	if guarded, ok := g.(*guarded); ok {
		return guarded
	}
	return &guarded{inner: g}
}

type guarded struct {
	inner Gateway
}

func (g *guarded) Platform() purchases.Platform {
	return g.inner.Platform()
}

func (g *guarded) LoadProductMetadata(ctx context.Context, ids []string) (products []purchases.Product, err error) {
	defer g.recover("load_product_metadata", &err)
	products, err = g.inner.LoadProductMetadata(ctx, ids)
	return products, g.normalize(err)
}

func (g *guarded) LaunchPurchaseFlow(ctx context.Context, productID string) (tx *purchases.Transaction, err error) {
	defer g.recover("launch_purchase_flow", &err)
	tx, err = g.inner.LaunchPurchaseFlow(ctx, productID)
	if err != nil {
		pe := iaperrors.Normalize(err, g.Platform())
		if pe.ProductID == "" {
			pe = cloneWithProduct(pe, productID)
		}
		return nil, pe
	}
	return tx, nil
}

func (g *guarded) RequestAllPurchaseHistory(ctx context.Context) (txs []purchases.Transaction, err error) {
	defer g.recover("request_all_purchase_history", &err)
	txs, err = g.inner.RequestAllPurchaseHistory(ctx)
	return txs, g.normalize(err)
}

func (g *guarded) VerifyTransaction(ctx context.Context, tx purchases.Transaction) (ok bool, err error) {
	defer g.recover("verify_transaction", &err)
	ok, err = g.inner.VerifyTransaction(ctx, tx)
	return ok, g.normalize(err)
}

func (g *guarded) normalize(err error) error {
	if err == nil {
		return nil
	}
	return iaperrors.Normalize(err, g.Platform())
}

func (g *guarded) recover(op string, err *error) {
	if r := recover(); r != nil {
		platform := g.Platform()
		log.Error().
			Str("component", "gateway").
			Str("platform", string(platform)).
			Str("op", op).
			Interface("panic", r).
			Msg("Gateway panicked")
		*err = iaperrors.FromPanic(r, platform)
	}
}

func cloneWithProduct(pe *iaperrors.PurchaseError, productID string) *iaperrors.PurchaseError {
	clone := *pe
	clone.ProductID = productID
	return &clone
}
