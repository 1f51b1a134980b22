// Package gateway defines the platform billing gateway contract and the raw
// error shapes platform bridges surface.
package gateway

import (
	"context"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Gateway is one platform's billing bridge. Implementations may return raw
// platform errors or panic; wrap them with Guard before use so callers only
// see *errors.PurchaseError.
type Gateway interface {
	Platform() purchases.Platform
	LoadProductMetadata(ctx context.Context, ids []string) ([]purchases.Product, error)
	LaunchPurchaseFlow(ctx context.Context, productID string) (*purchases.Transaction, error)
	RequestAllPurchaseHistory(ctx context.Context) ([]purchases.Transaction, error)
	// VerifyTransaction is a lightweight shape check. Cryptographic
	// verification belongs to the receipt package.
	VerifyTransaction(ctx context.Context, tx purchases.Transaction) (bool, error)
}

// CheckShape is the default VerifyTransaction implementation.
func CheckShape(tx purchases.Transaction) bool {
	return tx.HasValidShape()
}
