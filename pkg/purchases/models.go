// Package purchases defines the shared in-app purchase contracts for the Pulse
// mobile app.
//
// This package exists so platform bridges and extension modules can depend on
// the canonical purchase model without importing internal packages.
package purchases

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Platform identifies the billing platform a transaction or error came from.
type Platform string

const (
	// PlatformAppStore is the signed-receipt platform.
	PlatformAppStore Platform = "app_store"
	// PlatformPlayStore is the token-based billing platform.
	PlatformPlayStore Platform = "play_store"
	// PlatformAggregator is the unified billing-aggregator SDK.
	PlatformAggregator Platform = "aggregator"
	// PlatformUnknown is used when the source cannot be determined.
	PlatformUnknown Platform = "unknown"
)

// Platforms lists every supported billing platform.
var Platforms = []Platform{PlatformAppStore, PlatformPlayStore, PlatformAggregator}

// ParsePlatform maps a user supplied name (including common aliases) to a Platform.
func ParsePlatform(value string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "app_store", "appstore", "ios", "apple":
		return PlatformAppStore, true
	case "play_store", "playstore", "android", "google", "google_play":
		return PlatformPlayStore, true
	case "aggregator", "unified":
		return PlatformAggregator, true
	default:
		return PlatformUnknown, false
	}
}

// Tier is the subscription tier reported by the subscription tier service.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// FeatureLevel describes whether a feature is free or gated.
type FeatureLevel string

const (
	FeatureLevelFree    FeatureLevel = "free"
	FeatureLevelPremium FeatureLevel = "premium"
)

// Product is store metadata for a purchasable item. Immutable once fetched.
type Product struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	PriceString  string          `json:"price_string"`
	CurrencyCode string          `json:"currency_code"`
}

// Transaction is a purchase as reported by a platform gateway. Never mutated.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	PurchaseDate  time.Time `json:"purchase_date"`
	// ReceiptData is the opaque signed payload.
	ReceiptData string `json:"receipt_data"`
	Signature   string `json:"signature,omitempty"`
}

// HasValidShape reports whether the transaction carries the fields required for
// reconciliation: non-empty ids and receipt, and a real purchase date.
func (t Transaction) HasValidShape() bool {
	if strings.TrimSpace(t.TransactionID) == "" ||
		strings.TrimSpace(t.ProductID) == "" ||
		strings.TrimSpace(t.ReceiptData) == "" {
		return false
	}
	return !t.PurchaseDate.IsZero() && t.PurchaseDate.Unix() > 0
}

// Purchase is a ledger row. TransactionID is unique across the ledger.
type Purchase struct {
	TransactionID    string          `json:"transaction_id"`
	ProductID        string          `json:"product_id"`
	PurchasedAt      time.Time       `json:"purchased_at"`
	Price            decimal.Decimal `json:"price"`
	CurrencyCode     string          `json:"currency_code"`
	IsVerified       bool            `json:"is_verified"`
	IsSynced         bool            `json:"is_synced"`
	SyncedAt         *time.Time      `json:"synced_at,omitempty"`
	UnlockedFeatures []string        `json:"unlocked_features"`
}

// VerificationMetadata is recorded once per transaction that passed signature
// verification.
type VerificationMetadata struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	VerifiedAt    time.Time `json:"verified_at"`
	SignatureKey  string    `json:"signature_key"`
	Platform      Platform  `json:"platform"`
}

// FeatureDefinition is a static catalog entry. Several features may share one
// RequiredProductID, which makes that product a bundle.
type FeatureDefinition struct {
	ID                string       `json:"id"`
	Level             FeatureLevel `json:"level"`
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	RequiredProductID string       `json:"required_product_id,omitempty"`
}

// RestoreResult summarises one restoration pass. Derived, never persisted.
//
// RestoredCount always equals NewCount + UpdatedCount. Transactions skipped for
// an invalid shape, an excluded product or a failed write are reported in
// InvalidCount, ExcludedCount and FailedCount and are not part of RestoredCount.
type RestoreResult struct {
	RestoredCount int `json:"restored_count"`
	NewCount      int `json:"new_count"`
	UpdatedCount  int `json:"updated_count"`

	PlatformCount int `json:"platform_count"`
	InvalidCount  int `json:"invalid_count"`
	ExcludedCount int `json:"excluded_count"`
	FailedCount   int `json:"failed_count"`
	// VerifiedCount is how many restored transactions passed receipt
	// verification during this pass.
	VerifiedCount int `json:"verified_count"`
}
