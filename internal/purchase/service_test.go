package purchase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-iap/internal/entitlements"
	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/internal/gateway"
	"github.com/rcourtman/pulse-iap/internal/ledger"
	"github.com/rcourtman/pulse-iap/internal/receipt"
	"github.com/rcourtman/pulse-iap/internal/retry"
	"github.com/rcourtman/pulse-iap/internal/securestore"
	"github.com/rcourtman/pulse-iap/internal/verification"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

var fastRetry = retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: 2 * time.Millisecond}

var purchased = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func store(signature string) *gateway.Replay {
	return gateway.NewReplay(gateway.Export{
		Platform: purchases.PlatformAppStore,
		Products: []purchases.Product{
			{ID: entitlements.ProductProBundle, Title: "Pro", Price: decimal.RequireFromString("14.99"), CurrencyCode: "EUR"},
		},
		Transactions: []purchases.Transaction{{
			TransactionID: "1000000001",
			ProductID:     entitlements.ProductProBundle,
			PurchaseDate:  purchased,
			ReceiptData:   `{"transactionId":"1000000001"}`,
			Signature:     signature,
		}},
	})
}

type stubVerifier struct {
	err    error
	result *receipt.Verified
}

func (s stubVerifier) Verify(context.Context, string, string, purchases.Platform) (*receipt.Verified, error) {
	return s.result, s.err
}

func okVerifier() stubVerifier {
	return stubVerifier{result: &receipt.Verified{
		TransactionID: "1000000001",
		ProductID:     entitlements.ProductProBundle,
		PurchaseDate:  purchased,
		Platform:      purchases.PlatformAppStore,
		SignatureKey:  "SHA256:key",
	}}
}

// flakyLaunch fails the first failures launches with a retryable store error.
type flakyLaunch struct {
	*gateway.Replay
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLaunch) LaunchPurchaseFlow(ctx context.Context, productID string) (*purchases.Transaction, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, &gateway.StoreKitError{Code: "E_NETWORK_ERROR", Message: "network connection lost"}
	}
	return f.Replay.LaunchPurchaseFlow(ctx, productID)
}

func TestPurchase_VerifiedAndRecorded(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	state := verification.NewState(securestore.NewMemoryStore())
	svc := NewService(store("c2ln"), l, Config{
		Retry:    fastRetry,
		Verifier: okVerifier(),
		Recorder: state,
		Features: entitlements.NewResolver(nil, l),
	})

	_, err := svc.LoadProducts(ctx, []string{entitlements.ProductProBundle})
	require.NoError(t, err)

	row, err := svc.Purchase(ctx, entitlements.ProductProBundle)
	require.NoError(t, err)
	assert.True(t, row.IsVerified)
	assert.True(t, decimal.RequireFromString("14.99").Equal(row.Price))
	assert.Equal(t, "EUR", row.CurrencyCode)
	assert.Contains(t, row.UnlockedFeatures, "report_export")
	assert.True(t, state.IsVerified("1000000001"))

	stored, err := l.GetPurchase(ctx, "1000000001")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsVerified)
}

func TestPurchase_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	svc := NewService(store(""), l, Config{Retry: fastRetry})

	first, err := svc.Purchase(ctx, entitlements.ProductProBundle)
	require.NoError(t, err)
	second, err := svc.Purchase(ctx, entitlements.ProductProBundle)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	rows, err := l.GetAllPurchases(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPurchase_InvalidSignatureRejected(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	svc := NewService(store("c2ln"), l, Config{
		Retry:    fastRetry,
		Verifier: stubVerifier{err: &receipt.VerificationError{Code: receipt.CodeInvalidSignature}},
	})

	_, err := svc.Purchase(ctx, entitlements.ProductProBundle)
	var pe *iaperrors.PurchaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, iaperrors.CodePurchaseInvalid, pe.Code)
	assert.Equal(t, iaperrors.ReasonSignatureInvalid, pe.Reason)
	assert.Equal(t, entitlements.ProductProBundle, pe.ProductID)

	rows, err := l.GetAllPurchases(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPurchase_MissingKeyRecordsUnverified(t *testing.T) {
	svc := NewService(store("c2ln"), ledger.NewMemoryLedger(), Config{
		Retry:    fastRetry,
		Verifier: stubVerifier{err: &receipt.VerificationError{Code: receipt.CodeKeyNotFound}},
	})

	row, err := svc.Purchase(context.Background(), entitlements.ProductProBundle)
	require.NoError(t, err)
	assert.False(t, row.IsVerified)
}

func TestPurchase_ReceiptMismatch(t *testing.T) {
	v := okVerifier()
	v.result.TransactionID = "someone-else"
	svc := NewService(store("c2ln"), ledger.NewMemoryLedger(), Config{Retry: fastRetry, Verifier: v})

	_, err := svc.Purchase(context.Background(), entitlements.ProductProBundle)
	var pe *iaperrors.PurchaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, iaperrors.ReasonIdentityMismatch, pe.Reason)
}

func TestPurchase_RetriesTransientLaunchFailures(t *testing.T) {
	gw := &flakyLaunch{Replay: store(""), failures: 2}
	svc := NewService(gw, ledger.NewMemoryLedger(), Config{Retry: fastRetry})

	_, err := svc.Purchase(context.Background(), entitlements.ProductProBundle)
	require.NoError(t, err)
	assert.Equal(t, 3, gw.calls)
}

func TestPurchase_Errors(t *testing.T) {
	ctx := context.Background()

	cancelled := store("")
	cancelled.SetFailure("purchase", map[string]any{"code": "E_USER_CANCELLED", "message": "user cancelled"})

	tests := []struct {
		name    string
		gw      gateway.Gateway
		product string
		code    iaperrors.Code
	}{
		{name: "blank product", gw: store(""), product: " ", code: iaperrors.CodeProductUnavailable},
		{name: "unknown product", gw: store(""), product: "pulse_missing", code: iaperrors.CodeProductUnavailable},
		{name: "cancelled", gw: cancelled, product: entitlements.ProductProBundle, code: iaperrors.CodePurchaseCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.gw, ledger.NewMemoryLedger(), Config{Retry: fastRetry}).Purchase(ctx, tt.product)
			var pe *iaperrors.PurchaseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.False(t, pe.Retryable)
		})
	}
}

func TestLoadProducts_OfflineCache(t *testing.T) {
	ctx := context.Background()
	gw := store("")
	svc := NewService(gw, ledger.NewMemoryLedger(), Config{Retry: fastRetry})

	products, err := svc.LoadProducts(ctx, []string{entitlements.ProductProBundle})
	require.NoError(t, err)
	require.Len(t, products, 1)

	gw.SetFailure("products", map[string]any{"message": "network is unreachable"})
	cached, err := svc.LoadProducts(ctx, []string{entitlements.ProductProBundle})
	require.NoError(t, err)
	assert.Equal(t, products, cached)

	_, err = svc.LoadProducts(ctx, []string{"pulse_other"})
	assert.True(t, iaperrors.IsRetryable(err))

	gw.SetFailure("products", map[string]any{"code": "E_ITEM_UNAVAILABLE", "message": "gone"})
	_, err = svc.LoadProducts(ctx, []string{entitlements.ProductProBundle})
	assert.Equal(t, iaperrors.CodeProductUnavailable, iaperrors.CodeOf(err))
}
