package presentation

import (
	"strings"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Localizer looks up display strings by key.
type Localizer interface {
	Lookup(key string) (string, bool)
}

// Table is a Localizer over a fixed map.
type Table map[string]string

func (t Table) Lookup(key string) (string, bool) {
	s, ok := t[key]
	return s, ok
}

// English is the fallback string table.
var English = Table{
	"purchase.cancelled.title":     "Purchase cancelled",
	"purchase.cancelled.message":   "No charge was made.",
	"purchase.network.title":       "Connection problem",
	"purchase.network.message":     "Check your connection and try again.",
	"purchase.store.title":         "Store unavailable",
	"purchase.store.message":       "The store could not complete the request. Try again in a moment.",
	"purchase.pending.title":       "Payment pending",
	"purchase.pending.message":     "Your purchase will unlock once the payment is approved.",
	"purchase.invalid.title":       "Purchase could not be verified",
	"purchase.invalid.message":     "We could not confirm this purchase. Contact support if you were charged.",
	"purchase.owned.title":         "Already purchased",
	"purchase.owned.message":       "You already own {product}. Restore purchases to unlock it.",
	"purchase.not_owned.title":     "Purchase not found",
	"purchase.not_owned.message":   "The store has no record of this purchase. Try restoring purchases.",
	"purchase.unavailable.title":   "Not available",
	"purchase.unavailable.message": "{product} is not available for purchase right now.",
	"purchase.database.title":      "Storage problem",
	"purchase.database.message":    "Your purchases could not be saved on this device.",
	"purchase.unknown.title":       "Something went wrong",
	"purchase.unknown.message":     "An unexpected error occurred. Contact support if this keeps happening.",
}

// Description is the user-visible rendering of an error.
type Description struct {
	Code        iaperrors.Code     `json:"code"`
	Reason      string             `json:"reason,omitempty"`
	Platform    purchases.Platform `json:"platform,omitempty"`
	Title       string             `json:"title"`
	Message     string             `json:"message"`
	Severity    Severity           `json:"severity"`
	ShowRetry   bool               `json:"show_retry"`
	ShowSupport bool               `json:"show_support"`
	Policy      Policy             `json:"-"`
}

// Describe normalizes err and renders it with loc, falling back to English
// and then to the key itself. A nil loc uses English.
func Describe(err error, loc Localizer) Description {
	pe := iaperrors.Normalize(err, purchases.PlatformUnknown)
	policy := policyFor(pe)

	titleKey, messageKey := policy.TitleKey, policy.MessageKey
	if pe.Code == iaperrors.CodeStoreProblem && !pe.Retryable {
		titleKey, messageKey = "purchase.pending.title", "purchase.pending.message"
	}

	product := pe.ProductID
	if product == "" {
		product = "this item"
	}
	replacer := strings.NewReplacer("{product}", product)

	return Description{
		Code:        pe.Code,
		Reason:      pe.Reason,
		Platform:    pe.Platform,
		Title:       replacer.Replace(lookup(loc, titleKey)),
		Message:     replacer.Replace(lookup(loc, messageKey)),
		Severity:    policy.Severity,
		ShowRetry:   policy.ShowRetry && pe.Retryable,
		ShowSupport: policy.ShowSupport,
		Policy:      policy,
	}
}

func lookup(loc Localizer, key string) string {
	if loc != nil {
		if s, ok := loc.Lookup(key); ok && s != "" {
			return s
		}
	}
	if s, ok := English.Lookup(key); ok {
		return s
	}
	return key
}
