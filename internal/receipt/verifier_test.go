package receipt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/internal/keycache"
	"github.com/rcourtman/pulse-iap/internal/metrics"
	"github.com/rcourtman/pulse-iap/internal/securestore"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type signer func(data []byte) []byte

func newEd25519(t *testing.T, cache *keycache.Cache, platform purchases.Platform) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = cache.Put(context.Background(), platform, base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	return func(data []byte) []byte { return ed25519.Sign(priv, data) }
}

func newVerifier(t *testing.T, identities map[purchases.Platform]string) (*Verifier, *keycache.Cache) {
	t.Helper()
	cache := keycache.New(securestore.NewMemoryStore(), nil)
	v := NewVerifier(cache, Config{
		Identities: identities,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Now:        func() time.Time { return fixedNow },
	})
	return v, cache
}

func playReceipt(t *testing.T, overrides map[string]any) string {
	t.Helper()
	fields := map[string]any{
		"orderId":       "GPA.1234-5678",
		"packageName":   "com.pulse.mobile",
		"productId":     "pulse_pro_bundle",
		"purchaseTime":  fixedNow.Add(-time.Hour).UnixMilli(),
		"purchaseToken": "token-abc",
	}
	for k, v := range overrides {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func sigOf(s signer, receipt string) string {
	return base64.StdEncoding.EncodeToString(s([]byte(receipt)))
}

func TestVerify_PlayStoreSuccess(t *testing.T) {
	v, cache := newVerifier(t, map[purchases.Platform]string{purchases.PlatformPlayStore: "com.pulse.mobile"})
	sign := newEd25519(t, cache, purchases.PlatformPlayStore)
	receipt := playReceipt(t, nil)

	got, err := v.Verify(context.Background(), receipt, sigOf(sign, receipt), purchases.PlatformPlayStore)
	require.NoError(t, err)
	assert.Equal(t, "GPA.1234-5678", got.TransactionID)
	assert.Equal(t, "pulse_pro_bundle", got.ProductID)
	assert.Equal(t, fixedNow.Add(-time.Hour).UnixMilli(), got.PurchaseDate.UnixMilli())
	assert.True(t, strings.HasPrefix(got.SignatureKey, "SHA256:"))

	meta := got.Metadata(fixedNow)
	assert.Equal(t, purchases.PlatformPlayStore, meta.Platform)
	assert.Equal(t, got.SignatureKey, meta.SignatureKey)
}

func TestVerify_PlayStoreFallsBackToToken(t *testing.T) {
	v, cache := newVerifier(t, nil)
	sign := newEd25519(t, cache, purchases.PlatformPlayStore)
	receipt := playReceipt(t, map[string]any{"orderId": nil})

	got, err := v.Verify(context.Background(), receipt, sigOf(sign, receipt), purchases.PlatformPlayStore)
	require.NoError(t, err)
	assert.Equal(t, "token-abc", got.TransactionID)
}

func TestVerify_AppStoreBase64Receipt(t *testing.T) {
	v, cache := newVerifier(t, map[purchases.Platform]string{purchases.PlatformAppStore: "com.pulse.ios"})
	sign := newEd25519(t, cache, purchases.PlatformAppStore)

	doc := `{"productId":"pulse_themes","purchaseDate":"2026-02-28T10:00:00Z","transactionId":"2000000123","bundleId":"com.pulse.ios"}`
	receipt := base64.StdEncoding.EncodeToString([]byte(doc))

	got, err := v.Verify(context.Background(), receipt, sigOf(sign, receipt), purchases.PlatformAppStore)
	require.NoError(t, err)
	assert.Equal(t, "2000000123", got.TransactionID)
	assert.Equal(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), got.PurchaseDate)
}

func TestVerify_RSAAndECDSA(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaDER, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	require.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	t.Run("play store sha1 rsa", func(t *testing.T) {
		v, cache := newVerifier(t, nil)
		_, err := cache.Put(context.Background(), purchases.PlatformPlayStore, base64.StdEncoding.EncodeToString(rsaDER))
		require.NoError(t, err)

		receipt := playReceipt(t, nil)
		sum := sha1.Sum([]byte(receipt)) //nolint:gosec
		sig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA1, sum[:])
		require.NoError(t, err)

		_, err = v.Verify(context.Background(), receipt, base64.StdEncoding.EncodeToString(sig), purchases.PlatformPlayStore)
		assert.NoError(t, err)
	})

	t.Run("aggregator ecdsa", func(t *testing.T) {
		v, cache := newVerifier(t, nil)
		_, err := cache.Put(context.Background(), purchases.PlatformAggregator, base64.StdEncoding.EncodeToString(ecDER))
		require.NoError(t, err)

		receipt := `{"productId":"pulse_pro","purchaseTime":1767225600000,"transactionId":"rc_1","appId":"app1"}`
		sum := sha256.Sum256([]byte(receipt))
		sig, err := ecdsa.SignASN1(rand.Reader, ecKey, sum[:])
		require.NoError(t, err)

		_, err = v.Verify(context.Background(), receipt, base64.StdEncoding.EncodeToString(sig), purchases.PlatformAggregator)
		assert.NoError(t, err)
	})
}

func TestVerify_Gates(t *testing.T) {
	v, cache := newVerifier(t, map[purchases.Platform]string{purchases.PlatformPlayStore: "com.pulse.mobile"})
	sign := newEd25519(t, cache, purchases.PlatformPlayStore)
	valid := playReceipt(t, nil)

	tests := []struct {
		name      string
		receipt   string
		signature string
		platform  purchases.Platform
		want      ErrorCode
	}{
		{name: "empty receipt", receipt: "", signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidInput},
		{name: "empty signature", receipt: valid, signature: " ", platform: purchases.PlatformPlayStore, want: CodeInvalidInput},
		{name: "signature not base64", receipt: valid, signature: "***", platform: purchases.PlatformPlayStore, want: CodeInvalidInput},
		{name: "oversized", receipt: strings.Repeat("a", MaxReceiptBytes+1), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidInput},
		{name: "unknown platform", receipt: valid, signature: "AAAA", platform: purchases.PlatformUnknown, want: CodeInvalidInput},
		{name: "not json", receipt: "not-a-receipt", signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeDecodingError},
		{name: "broken json", receipt: `{"productId":`, signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeDecodingError},
		{name: "missing product", receipt: playReceipt(t, map[string]any{"productId": nil}), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidPayload},
		{name: "product wrong type", receipt: playReceipt(t, map[string]any{"productId": 5}), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidPayload},
		{name: "missing token", receipt: playReceipt(t, map[string]any{"purchaseToken": nil}), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidPayload},
		{name: "zero date", receipt: playReceipt(t, map[string]any{"purchaseTime": 0}), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidPayload},
		{name: "future date", receipt: playReceipt(t, map[string]any{"purchaseTime": fixedNow.Add(time.Hour).UnixMilli()}), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidPayload},
		{name: "date wrong type", receipt: playReceipt(t, map[string]any{"purchaseTime": true}), signature: "AAAA", platform: purchases.PlatformPlayStore, want: CodeInvalidPayload},
		{name: "bad signature", receipt: valid, signature: base64.StdEncoding.EncodeToString([]byte("forged")), platform: purchases.PlatformPlayStore, want: CodeInvalidSignature},
		{name: "no key", receipt: `{"productId":"p","purchaseTime":1767225600000,"transactionId":"t"}`, signature: "AAAA", platform: purchases.PlatformAggregator, want: CodeKeyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.receipt, tt.signature, tt.platform)
			var verr *VerificationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.want, verr.Code)
		})
	}

	other := playReceipt(t, map[string]any{"packageName": "com.someone.else"})
	_, err := v.Verify(context.Background(), other, sigOf(sign, other), purchases.PlatformPlayStore)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestVerify_SignatureCoversExactBytes(t *testing.T) {
	v, cache := newVerifier(t, nil)
	sign := newEd25519(t, cache, purchases.PlatformPlayStore)
	receipt := playReceipt(t, nil)
	sig := sigOf(sign, receipt)

	tampered := strings.Replace(receipt, "pulse_pro_bundle", "pulse_pro_bundlx", 1)
	_, err := v.Verify(context.Background(), tampered, sig, purchases.PlatformPlayStore)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerificationError_Normalized(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		want      iaperrors.Code
		reason    string
		retryable bool
	}{
		{CodeInvalidInput, iaperrors.CodePurchaseInvalid, iaperrors.ReasonReceiptMalformed, false},
		{CodeDecodingError, iaperrors.CodePurchaseInvalid, iaperrors.ReasonReceiptMalformed, false},
		{CodeInvalidPayload, iaperrors.CodePurchaseInvalid, iaperrors.ReasonReceiptMalformed, false},
		{CodeInvalidSignature, iaperrors.CodePurchaseInvalid, iaperrors.ReasonSignatureInvalid, false},
		{CodeIdentityMismatch, iaperrors.CodePurchaseInvalid, iaperrors.ReasonIdentityMismatch, false},
		{CodeKeyNotFound, iaperrors.CodeNetwork, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := newError(tt.code, purchases.PlatformAppStore, "detail", nil)
			got := iaperrors.Normalize(err, purchases.PlatformAppStore)
			assert.Equal(t, tt.want, got.Code)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.retryable, got.Retryable)

			var verr *VerificationError
			assert.True(t, errors.As(got, &verr))
		})
	}
}
