// Package ledger is the local, offline-first record of purchases.
//
// Every implementation enforces transaction id uniqueness. That constraint is
// the only concurrency control the restoration and purchase flows rely on:
// racing inserts for one transaction collapse to a single row and the loser
// receives a VALIDATION_ERROR wrapping ErrDuplicateTransaction.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// ErrDuplicateTransaction is wrapped by Insert when the transaction id exists.
var ErrDuplicateTransaction = errors.New("transaction already recorded")

var errClosed = errors.New("ledger is closed")

// Ledger is the persistence collaborator of the reconciler, the purchase
// service and the entitlement resolver. Errors are *errors.StorageError.
type Ledger interface {
	// GetPurchase returns nil and no error when the transaction is unknown.
	GetPurchase(ctx context.Context, transactionID string) (*purchases.Purchase, error)
	// GetAllPurchases returns every row, verified or not, oldest first.
	GetAllPurchases(ctx context.Context) ([]purchases.Purchase, error)
	FindByProduct(ctx context.Context, productID string) ([]purchases.Purchase, error)
	Insert(ctx context.Context, p purchases.Purchase) error
	// UpdateSyncStatus sets is_synced and stamps synced_at (cleared when false).
	UpdateSyncStatus(ctx context.Context, transactionID string, isSynced bool) error
	UpdateVerificationStatus(ctx context.Context, transactionID string, isVerified bool) error
	Delete(ctx context.Context, transactionID string) error
	Close() error
}

var nowFn = time.Now

// IsDuplicate reports whether err came from inserting a known transaction.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction)
}

// Verified filters rows to those with IsVerified set.
func Verified(rows []purchases.Purchase) []purchases.Purchase {
	out := make([]purchases.Purchase, 0, len(rows))
	for _, p := range rows {
		if p.IsVerified {
			out = append(out, p)
		}
	}
	return out
}

func requireID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return iaperrors.NewStorageError(iaperrors.StorageInvalidInput, op, id, errors.New("transaction id is required"))
	}
	return nil
}

func validatePurchase(p purchases.Purchase) error {
	if err := requireID("insert", p.TransactionID); err != nil {
		return err
	}
	if strings.TrimSpace(p.ProductID) == "" {
		return iaperrors.NewStorageError(iaperrors.StorageInvalidInput, "insert", p.TransactionID, errors.New("product id is required"))
	}
	if p.PurchasedAt.IsZero() {
		return iaperrors.NewStorageError(iaperrors.StorageInvalidInput, "insert", p.TransactionID, errors.New("purchase time is required"))
	}
	return nil
}

func duplicateError(id string) error {
	return iaperrors.NewStorageError(iaperrors.StorageValidation, "insert", id, ErrDuplicateTransaction)
}

func notFoundError(op, id string) error {
	return iaperrors.NewStorageError(iaperrors.StorageNotFound, op, id, errors.New("transaction not found"))
}

func clonePurchase(p purchases.Purchase) purchases.Purchase {
	if p.SyncedAt != nil {
		t := *p.SyncedAt
		p.SyncedAt = &t
	}
	if p.UnlockedFeatures != nil {
		p.UnlockedFeatures = append([]string(nil), p.UnlockedFeatures...)
	}
	return p
}
