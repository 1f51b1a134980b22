package ledger

import (
	"context"
	"sort"
	"sync"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// MemoryLedger is an in-process Ledger for tests and dry runs.
type MemoryLedger struct {
	mu     sync.RWMutex
	rows   map[string]purchases.Purchase
	closed bool
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]purchases.Purchase)}
}

func (l *MemoryLedger) check(ctx context.Context, op, id string) error {
	if err := ctx.Err(); err != nil {
		return iaperrors.WrapDBError(op, id, err)
	}
	if l.closed {
		return iaperrors.NewStorageError(iaperrors.StorageDB, op, id, errClosed)
	}
	return nil
}

func (l *MemoryLedger) GetPurchase(ctx context.Context, transactionID string) (*purchases.Purchase, error) {
	if err := requireID("get_purchase", transactionID); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.check(ctx, "get_purchase", transactionID); err != nil {
		return nil, err
	}
	p, ok := l.rows[transactionID]
	if !ok {
		return nil, nil
	}
	out := clonePurchase(p)
	return &out, nil
}

func (l *MemoryLedger) GetAllPurchases(ctx context.Context) ([]purchases.Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.check(ctx, "get_all", ""); err != nil {
		return nil, err
	}
	return l.sorted(func(purchases.Purchase) bool { return true }), nil
}

func (l *MemoryLedger) FindByProduct(ctx context.Context, productID string) ([]purchases.Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.check(ctx, "find_by_product", productID); err != nil {
		return nil, err
	}
	return l.sorted(func(p purchases.Purchase) bool { return p.ProductID == productID }), nil
}

func (l *MemoryLedger) sorted(keep func(purchases.Purchase) bool) []purchases.Purchase {
	out := make([]purchases.Purchase, 0, len(l.rows))
	for _, p := range l.rows {
		if keep(p) {
			out = append(out, clonePurchase(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].PurchasedAt.Before(out[j].PurchasedAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out
}

func (l *MemoryLedger) Insert(ctx context.Context, p purchases.Purchase) error {
	if err := validatePurchase(p); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(ctx, "insert", p.TransactionID); err != nil {
		return err
	}
	if _, exists := l.rows[p.TransactionID]; exists {
		return duplicateError(p.TransactionID)
	}
	l.rows[p.TransactionID] = clonePurchase(p)
	return nil
}

func (l *MemoryLedger) UpdateSyncStatus(ctx context.Context, transactionID string, isSynced bool) error {
	return l.update(ctx, "update_sync_status", transactionID, func(p *purchases.Purchase) {
		p.IsSynced = isSynced
		if isSynced {
			now := nowFn().UTC()
			p.SyncedAt = &now
		} else {
			p.SyncedAt = nil
		}
	})
}

func (l *MemoryLedger) UpdateVerificationStatus(ctx context.Context, transactionID string, isVerified bool) error {
	return l.update(ctx, "update_verification_status", transactionID, func(p *purchases.Purchase) {
		p.IsVerified = isVerified
	})
}

func (l *MemoryLedger) update(ctx context.Context, op, id string, mutate func(*purchases.Purchase)) error {
	if err := requireID(op, id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(ctx, op, id); err != nil {
		return err
	}
	p, ok := l.rows[id]
	if !ok {
		return notFoundError(op, id)
	}
	mutate(&p)
	l.rows[id] = p
	return nil
}

func (l *MemoryLedger) Delete(ctx context.Context, transactionID string) error {
	if err := requireID("delete", transactionID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(ctx, "delete", transactionID); err != nil {
		return err
	}
	if _, ok := l.rows[transactionID]; !ok {
		return notFoundError("delete", transactionID)
	}
	delete(l.rows, transactionID)
	return nil
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
