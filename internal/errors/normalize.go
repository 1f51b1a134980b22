package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// CodedError is the shape of errors surfaced by the signed-receipt platform
// bridge and the aggregator SDK: a string code plus a message.
type CodedError interface {
	error
	ErrorCode() string
}

// NativeCoder is optionally implemented by CodedError values that also carry
// the platform's numeric code.
type NativeCoder interface {
	NativeErrorCode() int
}

// ResponseCodeError is the shape of token-based billing platform errors.
type ResponseCodeError interface {
	error
	BillingResponseCode() int
}

// Normalizer is implemented by domain errors that know their normalized form.
type Normalizer interface {
	Normalized() *PurchaseError
}

// Billing response codes reported by the token-based platform.
const (
	BillingServiceTimeout      = -3
	BillingFeatureNotSupported = -2
	BillingServiceDisconnected = -1
	BillingOK                  = 0
	BillingUserCanceled        = 1
	BillingServiceUnavailable  = 2
	BillingUnavailable         = 3
	BillingItemUnavailable     = 4
	BillingDeveloperError      = 5
	BillingError               = 6
	BillingItemAlreadyOwned    = 7
	BillingItemNotOwned        = 8
	BillingNetworkError        = 12
)

type mapping struct {
	code      Code
	retryable bool
	reason    string
}

var storeCodeTable = map[string]mapping{
	"USER_CANCELLED":    {CodePurchaseCancelled, false, ""},
	"USER_CANCELED":     {CodePurchaseCancelled, false, ""},
	"PAYMENT_CANCELLED": {CodePurchaseCancelled, false, ""},

	"NETWORK_ERROR":        {CodeNetwork, true, ""},
	"SERVICE_ERROR":        {CodeNetwork, true, ""},
	"REMOTE_ERROR":         {CodeNetwork, true, ""},
	"CONNECTION_CLOSED":    {CodeNetwork, true, ""},
	"INTERRUPTED":          {CodeNetwork, true, ""},
	"IAP_NOT_AVAILABLE":    {CodeNetwork, true, ""},
	"NOT_PREPARED":         {CodeNetwork, true, ""},
	"SERVICE_DISCONNECTED": {CodeNetwork, true, ""},
	"SERVICE_UNAVAILABLE":  {CodeNetwork, true, ""},
	"BILLING_UNAVAILABLE":  {CodeNetwork, true, ""},

	"DEVELOPER_ERROR":                   {CodeStoreProblem, true, ""},
	"PURCHASE_ERROR":                    {CodeStoreProblem, true, ""},
	"STORE_ERROR":                       {CodeStoreProblem, true, ""},
	"SYNC_ERROR":                        {CodeStoreProblem, true, ""},
	"RECEIPT_FAILED":                    {CodeStoreProblem, true, ""},
	"RECEIPT_FINISHED_FAILED":           {CodeStoreProblem, true, ""},
	"BILLING_RESPONSE_JSON_PARSE_ERROR": {CodeStoreProblem, true, ""},
	"NOT_ENDED":                         {CodeStoreProblem, true, ""},
	"ALREADY_PREPARED":                  {CodeStoreProblem, true, ""},
	"ACTIVITY_UNAVAILABLE":              {CodeStoreProblem, true, ""},
	"DEFERRED_PAYMENT":                  {CodeStoreProblem, false, ""},
	"PENDING":                           {CodeStoreProblem, false, ""},

	"ITEM_UNAVAILABLE":      {CodeProductUnavailable, false, ""},
	"PRODUCT_NOT_AVAILABLE": {CodeProductUnavailable, false, ""},
	"ITEM_NOT_FOUND":        {CodeProductUnavailable, false, ""},
	"PRODUCT_NOT_FOUND":     {CodeProductUnavailable, false, ""},

	"ALREADY_OWNED":                 {CodePurchaseInvalid, false, ReasonAlreadyOwned},
	"ITEM_ALREADY_OWNED":            {CodePurchaseInvalid, false, ReasonAlreadyOwned},
	"ITEM_NOT_OWNED":                {CodePurchaseInvalid, false, ReasonNotOwned},
	"TRANSACTION_VALIDATION_FAILED": {CodePurchaseInvalid, false, ReasonSignatureInvalid},
	"INVALID_SIGNATURE":             {CodePurchaseInvalid, false, ReasonSignatureInvalid},
	"SIGNATURE_INVALID":             {CodePurchaseInvalid, false, ReasonSignatureInvalid},
	"RECEIPT_INVALID":               {CodePurchaseInvalid, false, ReasonSignatureInvalid},

	// Aggregator SDK vocabulary.
	"PURCHASE_CANCELLED_ERROR":                 {CodePurchaseCancelled, false, ""},
	"OFFLINE_CONNECTION_ERROR":                 {CodeNetwork, true, ""},
	"STORE_PROBLEM_ERROR":                      {CodeStoreProblem, true, ""},
	"CONFIGURATION_ERROR":                      {CodeStoreProblem, true, ""},
	"UNEXPECTED_BACKEND_RESPONSE_ERROR":        {CodeStoreProblem, true, ""},
	"PAYMENT_PENDING_ERROR":                    {CodeStoreProblem, false, ""},
	"PRODUCT_NOT_AVAILABLE_FOR_PURCHASE_ERROR": {CodeProductUnavailable, false, ""},
	"PRODUCT_ALREADY_PURCHASED_ERROR":          {CodePurchaseInvalid, false, ReasonAlreadyOwned},
	"INVALID_RECEIPT_ERROR":                    {CodePurchaseInvalid, false, ReasonSignatureInvalid},
	"PURCHASE_INVALID_ERROR":                   {CodePurchaseInvalid, false, ReasonReceiptMalformed},
}

var billingCodeTable = map[int]mapping{
	BillingServiceTimeout:      {CodeNetwork, true, ""},
	BillingFeatureNotSupported: {CodeStoreProblem, false, ""},
	BillingServiceDisconnected: {CodeNetwork, true, ""},
	BillingUserCanceled:        {CodePurchaseCancelled, false, ""},
	BillingServiceUnavailable:  {CodeNetwork, true, ""},
	BillingUnavailable:         {CodeNetwork, true, ""},
	BillingItemUnavailable:     {CodeProductUnavailable, false, ""},
	BillingDeveloperError:      {CodeStoreProblem, true, ""},
	BillingError:               {CodeStoreProblem, true, ""},
	BillingItemAlreadyOwned:    {CodePurchaseInvalid, false, ReasonAlreadyOwned},
	BillingItemNotOwned:        {CodePurchaseInvalid, false, ReasonNotOwned},
	BillingNetworkError:        {CodeNetwork, true, ""},
}

var networkPhrases = []string{"network", "timeout", "connection", "offline"}

// Normalize maps any raw upstream error into a PurchaseError. It never returns nil.
//
// The shape is detected structurally: a coded error (string code and message),
// a billing response code, or a generic error whose message is inspected for
// network symptoms. Decoded bridge payloads (map[string]any) are accepted in
// the same three shapes.
func Normalize(raw any, platform purchases.Platform) *PurchaseError {
	if platform == "" {
		platform = purchases.PlatformUnknown
	}
	if raw == nil {
		return NewPurchaseError(CodeUnknown, platform, "", nil)
	}

	if err, ok := raw.(error); ok {
		return normalizeError(err, platform)
	}

	switch v := raw.(type) {
	case map[string]any:
		return normalizePayload(v, platform)
	case string:
		return fromMessage(v, platform, errors.New(v))
	case fmt.Stringer:
		return fromMessage(v.String(), platform, nil)
	}

	return NewPurchaseError(CodeUnknown, platform, fmt.Sprintf("%v", raw), nil)
}

func normalizeError(err error, platform purchases.Platform) *PurchaseError {
	var purchaseErr *PurchaseError
	if errors.As(err, &purchaseErr) {
		if purchaseErr.Platform == "" || purchaseErr.Platform == purchases.PlatformUnknown {
			clone := *purchaseErr
			clone.Platform = platform
			return &clone
		}
		return purchaseErr
	}

	var normalizer Normalizer
	if errors.As(err, &normalizer) {
		normalized := normalizer.Normalized()
		if normalized != nil {
			if normalized.Platform == "" || normalized.Platform == purchases.PlatformUnknown {
				normalized.Platform = platform
			}
			return normalized
		}
	}

	if code, message, native, ok := codedShape(err); ok {
		return fromStoreCode(code, message, native, platform, err)
	}

	if responseCode, message, ok := responseCodeShape(err); ok {
		return fromBillingCode(responseCode, message, platform, err)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return NewPurchaseError(CodePurchaseCancelled, platform, "operation was cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewPurchaseError(CodeNetwork, platform, "operation timed out", err)
	}

	return fromMessage(err.Error(), platform, err)
}

func codedShape(err error) (code, message string, native int, ok bool) {
	var coded CodedError
	if !errors.As(err, &coded) {
		return "", "", 0, false
	}
	if nc, isNative := coded.(NativeCoder); isNative {
		native = nc.NativeErrorCode()
	}
	return coded.ErrorCode(), coded.Error(), native, true
}

func responseCodeShape(err error) (code int, message string, ok bool) {
	var billing ResponseCodeError
	if !errors.As(err, &billing) {
		return 0, "", false
	}
	return billing.BillingResponseCode(), billing.Error(), true
}

// normalizePayload applies the same three shape guards to a decoded bridge payload.
func normalizePayload(payload map[string]any, platform purchases.Platform) *PurchaseError {
	message, _ := payload["message"].(string)
	if message == "" {
		message, _ = payload["debugMessage"].(string)
	}

	if code, isString := payload["code"].(string); isString && code != "" {
		native, _ := numberValue(payload["nativeErrorCode"])
		return fromStoreCode(code, message, native, platform, nil)
	}

	if responseCode, isNumber := numberValue(payload["responseCode"]); isNumber {
		return fromBillingCode(responseCode, message, platform, nil)
	}

	if message != "" {
		return fromMessage(message, platform, nil)
	}

	return NewPurchaseError(CodeUnknown, platform, "", nil)
}

func numberValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.Trunc(n) != n {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func canonicalStoreCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "_")
	return strings.TrimPrefix(code, "E_")
}

func fromStoreCode(code, message string, native int, platform purchases.Platform, err error) *PurchaseError {
	m, ok := storeCodeTable[canonicalStoreCode(code)]
	if !ok {
		return NewPurchaseError(CodeUnknown, platform, message, err).WithNativeCode(native)
	}
	return build(m, message, native, platform, err)
}

func fromBillingCode(responseCode int, message string, platform purchases.Platform, err error) *PurchaseError {
	m, ok := billingCodeTable[responseCode]
	if !ok {
		return NewPurchaseError(CodeUnknown, platform, message, err).WithNativeCode(responseCode)
	}
	return build(m, message, responseCode, platform, err)
}

func build(m mapping, message string, native int, platform purchases.Platform, err error) *PurchaseError {
	return NewPurchaseError(m.code, platform, message, err).
		WithRetryable(m.retryable).
		WithReason(m.reason).
		WithNativeCode(native)
}

// fromMessage classifies a generic error. Native bridges sometimes surface
// plain exceptions, so network symptoms in the text are enough.
func fromMessage(message string, platform purchases.Platform, err error) *PurchaseError {
	if HasNetworkSymptom(message) {
		return NewPurchaseError(CodeNetwork, platform, message, err)
	}
	return NewPurchaseError(CodeUnknown, platform, message, err)
}

// HasNetworkSymptom reports whether a message mentions network, timeout,
// connection or offline conditions.
func HasNetworkSymptom(message string) bool {
	message = strings.ToLower(message)
	for _, phrase := range networkPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

// FromPanic converts a recovered panic value into a non-retryable UNKNOWN_ERROR.
func FromPanic(recovered any, platform purchases.Platform) *PurchaseError {
	var err error
	switch v := recovered.(type) {
	case error:
		err = v
	default:
		err = fmt.Errorf("%v", v)
	}
	return NewPurchaseError(CodeUnknown, platform, "unexpected failure: "+err.Error(), err).WithRetryable(false)
}
