// Package receipt verifies signed store receipts and extracts their canonical
// transaction fields.
package receipt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-iap/internal/keycache"
	"github.com/rcourtman/pulse-iap/internal/metrics"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

const (
	// MaxReceiptBytes bounds receiptData before any parsing happens.
	MaxReceiptBytes = 1 << 20
	// MaxClockSkew is how far in the future a purchase date may be.
	MaxClockSkew = 10 * time.Minute
)

// KeySource supplies verification keys. *keycache.Cache implements it.
type KeySource interface {
	Get(ctx context.Context, platform purchases.Platform) (*keycache.PublicKey, error)
}

// Config configures a Verifier.
type Config struct {
	// Identities maps a platform to the package or bundle id receipts must carry.
	// Platforms without an entry skip the identity gate.
	Identities map[purchases.Platform]string
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Verified is the canonical result of a successful verification.
type Verified struct {
	TransactionID string
	ProductID     string
	PurchaseDate  time.Time
	Platform      purchases.Platform
	// SignatureKey is the fingerprint of the key that checked the signature.
	SignatureKey string
}

// Metadata builds the record persisted after verification.
func (v *Verified) Metadata(verifiedAt time.Time) purchases.VerificationMetadata {
	return purchases.VerificationMetadata{
		TransactionID: v.TransactionID,
		ProductID:     v.ProductID,
		VerifiedAt:    verifiedAt,
		SignatureKey:  v.SignatureKey,
		Platform:      v.Platform,
	}
}

// Verifier runs the input, structure, signature and identity gates in order.
// It has no side effects beyond key cache population and metrics.
type Verifier struct {
	keys       KeySource
	identities map[purchases.Platform]string
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewVerifier returns a Verifier reading keys from keys.
func NewVerifier(keys KeySource, cfg Config) *Verifier {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	identities := make(map[purchases.Platform]string, len(cfg.Identities))
	for platform, id := range cfg.Identities {
		if id = strings.TrimSpace(id); id != "" {
			identities[platform] = id
		}
	}
	return &Verifier{
		keys:       keys,
		identities: identities,
		metrics:    cfg.Metrics,
		now:        now,
	}
}

// Verify checks receiptData against signature for platform. Failures are
// always *VerificationError.
func (v *Verifier) Verify(ctx context.Context, receiptData, signature string, platform purchases.Platform) (*Verified, error) {
	result, verr := v.verify(ctx, receiptData, signature, platform)
	if verr != nil {
		v.metrics.RecordVerification(string(platform), string(verr.Code))
		log.Debug().
			Str("component", "receipt").
			Str("platform", string(platform)).
			Str("code", string(verr.Code)).
			Err(verr).
			Msg("Receipt verification failed")
		return nil, verr
	}
	v.metrics.RecordVerification(string(platform), "ok")
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, receiptData, signature string, platform purchases.Platform) (*Verified, *VerificationError) {
	if _, ok := platformFields[platform]; !ok {
		return nil, newError(CodeInvalidInput, platform, "unsupported platform", nil)
	}
	if strings.TrimSpace(receiptData) == "" {
		return nil, newError(CodeInvalidInput, platform, "receipt is empty", nil)
	}
	if strings.TrimSpace(signature) == "" {
		return nil, newError(CodeInvalidInput, platform, "signature is empty", nil)
	}
	if len(receiptData) > MaxReceiptBytes {
		return nil, newError(CodeInvalidInput, platform, "receipt exceeds size limit", nil)
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return nil, newError(CodeInvalidInput, platform, "signature is not valid base64", err)
	}

	doc, err := decodeReceipt(receiptData)
	if err != nil {
		return nil, newError(CodeDecodingError, platform, err.Error(), err)
	}
	fields, verr := parsePayload(doc, platform, v.now())
	if verr != nil {
		return nil, verr
	}

	if v.keys == nil {
		return nil, newError(CodeKeyNotFound, platform, "no key source configured", nil)
	}
	key, err := v.keys.Get(ctx, platform)
	if err != nil {
		if errors.Is(err, keycache.ErrMalformedKey) {
			return nil, newError(CodeKeyNotFound, platform, "verification key is malformed", err)
		}
		return nil, newError(CodeKeyNotFound, platform, "verification key not cached", err)
	}

	valid, err := verifySignature(key.Key, platform, []byte(receiptData), sig)
	if err != nil {
		return nil, newError(CodeKeyNotFound, platform, err.Error(), err)
	}
	if !valid {
		return nil, newError(CodeInvalidSignature, platform, "signature does not match receipt", nil)
	}

	if want, ok := v.identities[platform]; ok && fields.identity != want {
		return nil, newError(CodeIdentityMismatch, platform, "receipt identity "+quoteOrEmpty(fields.identity)+" does not match "+want, nil)
	}

	return &Verified{
		TransactionID: fields.transactionID,
		ProductID:     fields.productID,
		PurchaseDate:  fields.purchaseDate,
		Platform:      platform,
		SignatureKey:  key.Fingerprint,
	}, nil
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "(none)"
	}
	return `"` + s + `"`
}
