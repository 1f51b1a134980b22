package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Export is a captured gateway session: the catalog, the purchase history and
// optional raw failures keyed by operation name (products, purchase, history,
// verify).
type Export struct {
	Platform     purchases.Platform        `json:"platform"`
	Products     []purchases.Product       `json:"products"`
	Transactions []purchases.Transaction   `json:"transactions"`
	Failures     map[string]map[string]any `json:"failures,omitempty"`
}

// Replay serves an Export. It lets the CLI and tests run the reconciliation
// pipeline against recorded platform data.
type Replay struct {
	mu     sync.Mutex
	export Export
}

// NewReplay returns a Replay over export.
func NewReplay(export Export) *Replay {
	if export.Platform == "" {
		export.Platform = purchases.PlatformUnknown
	}
	return &Replay{export: export}
}

// LoadReplay reads an Export from a JSON file.
func LoadReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history export: %w", err)
	}
	var export Export
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("parse history export: %w", err)
	}
	if platform, ok := purchases.ParsePlatform(string(export.Platform)); ok {
		export.Platform = platform
	} else {
		return nil, fmt.Errorf("history export has unknown platform %q", export.Platform)
	}
	return NewReplay(export), nil
}

// SetFailure makes op fail with the given raw payload until cleared with nil.
func (r *Replay) SetFailure(op string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.export.Failures == nil {
		r.export.Failures = make(map[string]map[string]any)
	}
	if payload == nil {
		delete(r.export.Failures, op)
		return
	}
	r.export.Failures[op] = payload
}

func (r *Replay) failure(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payload, ok := r.export.Failures[op]; ok {
		return RawError(payload)
	}
	return nil
}

func (r *Replay) Platform() purchases.Platform {
	return r.export.Platform
}

func (r *Replay) LoadProductMetadata(ctx context.Context, ids []string) ([]purchases.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.failure("products"); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]purchases.Product, 0, len(ids))
	for _, p := range r.export.Products {
		if len(ids) == 0 || wanted[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Replay) LaunchPurchaseFlow(ctx context.Context, productID string) (*purchases.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.failure("purchase"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.export.Transactions) - 1; i >= 0; i-- {
		if r.export.Transactions[i].ProductID == productID {
			tx := r.export.Transactions[i]
			return &tx, nil
		}
	}
	return nil, r.unavailable(productID)
}

func (r *Replay) unavailable(productID string) error {
	message := "product " + productID + " is not available"
	if r.export.Platform == purchases.PlatformPlayStore {
		return &BillingResult{ResponseCode: 4, DebugMessage: message}
	}
	return &StoreKitError{Code: "E_ITEM_UNAVAILABLE", Message: message}
}

func (r *Replay) RequestAllPurchaseHistory(ctx context.Context) ([]purchases.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.failure("history"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]purchases.Transaction(nil), r.export.Transactions...), nil
}

func (r *Replay) VerifyTransaction(ctx context.Context, tx purchases.Transaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := r.failure("verify"); err != nil {
		return false, err
	}
	return CheckShape(tx), nil
}
