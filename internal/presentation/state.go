package presentation

import (
	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// State is a step of the purchase UI flow.
type State string

const (
	StateIdle            State = "idle"
	StateLoadingProducts State = "loading_products"
	StatePurchasing      State = "purchasing"
	StateVerifying       State = "verifying"
	StateRestoring       State = "restoring"
	StatePending         State = "pending"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

var onSuccess = map[State]State{
	StateLoadingProducts: StateIdle,
	StatePurchasing:      StateVerifying,
	StateVerifying:       StateSucceeded,
	StateRestoring:       StateSucceeded,
	StatePending:         StateSucceeded,
}

// NextState returns the state after the step running in current finishes
// with err. Cancellation returns to idle without an error screen and a
// deferred payment parks the flow in pending.
func NextState(current State, err error) State {
	if err == nil {
		if next, ok := onSuccess[current]; ok {
			return next
		}
		return current
	}

	pe := iaperrors.Normalize(err, purchases.PlatformUnknown)
	switch {
	case pe.Code == iaperrors.CodePurchaseCancelled:
		return StateIdle
	case pe.Code == iaperrors.CodeStoreProblem && !pe.Retryable:
		return StatePending
	default:
		return StateFailed
	}
}
