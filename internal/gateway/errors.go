package gateway

import (
	"errors"
	"fmt"
	"math"
)

// StoreKitError is the coded shape of the signed-receipt platform bridge.
type StoreKitError struct {
	Code    string
	Message string
	Native  int
}

func (e *StoreKitError) Error() string        { return e.Message }
func (e *StoreKitError) ErrorCode() string    { return e.Code }
func (e *StoreKitError) NativeErrorCode() int { return e.Native }

// BillingResult is the response-code shape of the token-based platform.
type BillingResult struct {
	ResponseCode int
	DebugMessage string
}

func (e *BillingResult) Error() string {
	if e.DebugMessage != "" {
		return e.DebugMessage
	}
	return fmt.Sprintf("billing response code %d", e.ResponseCode)
}

func (e *BillingResult) BillingResponseCode() int { return e.ResponseCode }

// AggregatorError is the coded shape of the unified billing SDK.
type AggregatorError struct {
	Code           string
	Message        string
	UnderlyingCode int
}

func (e *AggregatorError) Error() string        { return e.Message }
func (e *AggregatorError) ErrorCode() string    { return e.Code }
func (e *AggregatorError) NativeErrorCode() int { return e.UnderlyingCode }

// RawError rebuilds the platform error a bridge payload describes. Payloads
// with a string code become coded errors, a numeric responseCode becomes a
// BillingResult and anything else a plain error carrying the message.
func RawError(payload map[string]any) error {
	message, _ := payload["message"].(string)
	if message == "" {
		message, _ = payload["debugMessage"].(string)
	}

	if code, ok := payload["code"].(string); ok && code != "" {
		native := intValue(payload["nativeErrorCode"])
		if _, aggregator := payload["underlyingErrorCode"]; aggregator {
			return &AggregatorError{Code: code, Message: message, UnderlyingCode: intValue(payload["underlyingErrorCode"])}
		}
		return &StoreKitError{Code: code, Message: message, Native: native}
	}

	if rc, ok := payload["responseCode"].(float64); ok && math.Trunc(rc) == rc {
		return &BillingResult{ResponseCode: int(rc), DebugMessage: message}
	}
	if rc, ok := payload["responseCode"].(int); ok {
		return &BillingResult{ResponseCode: rc, DebugMessage: message}
	}

	if message == "" {
		message = "unknown gateway failure"
	}
	return errors.New(message)
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
