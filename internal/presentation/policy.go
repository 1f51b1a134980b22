// Package presentation turns normalized purchase errors into what the UI
// shows: a title, a message, a severity and which controls to offer.
package presentation

import iaperrors "github.com/rcourtman/pulse-iap/internal/errors"

// Severity of a user-visible failure.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is the follow-up the UI should suggest.
type Action string

const (
	ActionDismiss        Action = "dismiss"
	ActionRetry          Action = "retry"
	ActionRestore        Action = "restore"
	ActionContactSupport Action = "contact_support"
)

// Policy describes how one error code is presented.
type Policy struct {
	Code iaperrors.Code

	Severity Severity

	// ShowRetry offers a retry control. It is only honoured when the error
	// itself is retryable.
	ShowRetry bool

	// ShowSupport offers a contact support affordance.
	ShowSupport bool

	Action Action

	TitleKey   string
	MessageKey string
}

// Policies maps each normalized code to its presentation.
var Policies = map[iaperrors.Code]Policy{
	iaperrors.CodePurchaseCancelled: {
		Code:       iaperrors.CodePurchaseCancelled,
		Severity:   SeverityInfo,
		Action:     ActionDismiss,
		TitleKey:   "purchase.cancelled.title",
		MessageKey: "purchase.cancelled.message",
	},
	iaperrors.CodeNetwork: {
		Code:       iaperrors.CodeNetwork,
		Severity:   SeverityWarning,
		ShowRetry:  true,
		Action:     ActionRetry,
		TitleKey:   "purchase.network.title",
		MessageKey: "purchase.network.message",
	},
	iaperrors.CodeStoreProblem: {
		Code:       iaperrors.CodeStoreProblem,
		Severity:   SeverityWarning,
		ShowRetry:  true,
		Action:     ActionRetry,
		TitleKey:   "purchase.store.title",
		MessageKey: "purchase.store.message",
	},
	iaperrors.CodePurchaseInvalid: {
		Code:        iaperrors.CodePurchaseInvalid,
		Severity:    SeverityError,
		ShowSupport: true,
		Action:      ActionContactSupport,
		TitleKey:    "purchase.invalid.title",
		MessageKey:  "purchase.invalid.message",
	},
	iaperrors.CodeProductUnavailable: {
		Code:       iaperrors.CodeProductUnavailable,
		Severity:   SeverityWarning,
		Action:     ActionDismiss,
		TitleKey:   "purchase.unavailable.title",
		MessageKey: "purchase.unavailable.message",
	},
	iaperrors.CodeDatabase: {
		Code:       iaperrors.CodeDatabase,
		Severity:   SeverityError,
		ShowRetry:  true,
		Action:     ActionRetry,
		TitleKey:   "purchase.database.title",
		MessageKey: "purchase.database.message",
	},
	iaperrors.CodeUnknown: {
		Code:        iaperrors.CodeUnknown,
		Severity:    SeverityError,
		ShowSupport: true,
		Action:      ActionContactSupport,
		TitleKey:    "purchase.unknown.title",
		MessageKey:  "purchase.unknown.message",
	},
}

// reasonPolicies refine PURCHASE_INVALID by reason.
var reasonPolicies = map[string]Policy{
	iaperrors.ReasonAlreadyOwned: {
		Code:       iaperrors.CodePurchaseInvalid,
		Severity:   SeverityInfo,
		Action:     ActionRestore,
		TitleKey:   "purchase.owned.title",
		MessageKey: "purchase.owned.message",
	},
	iaperrors.ReasonNotOwned: {
		Code:        iaperrors.CodePurchaseInvalid,
		Severity:    SeverityWarning,
		ShowSupport: true,
		Action:      ActionRestore,
		TitleKey:    "purchase.not_owned.title",
		MessageKey:  "purchase.not_owned.message",
	},
}

// policyFor returns the policy for pe. Unknown codes use the UNKNOWN_ERROR
// policy.
func policyFor(pe *iaperrors.PurchaseError) Policy {
	if pe.Code == iaperrors.CodePurchaseInvalid {
		if p, ok := reasonPolicies[pe.Reason]; ok {
			return p
		}
	}
	if p, ok := Policies[pe.Code]; ok {
		return p
	}
	return Policies[iaperrors.CodeUnknown]
}
