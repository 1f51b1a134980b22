package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// Base error types
var (
	ErrPurchaseCancelled  = errors.New("purchase cancelled")
	ErrNetwork            = errors.New("network error")
	ErrStoreProblem       = errors.New("store problem")
	ErrPurchaseInvalid    = errors.New("purchase invalid")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrDatabase           = errors.New("database error")
	ErrUnknown            = errors.New("unknown error")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Code is the closed set of normalized purchase error codes.
type Code string

const (
	CodePurchaseCancelled  Code = "PURCHASE_CANCELLED"
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeStoreProblem       Code = "STORE_PROBLEM_ERROR"
	CodePurchaseInvalid    Code = "PURCHASE_INVALID"
	CodeProductUnavailable Code = "PRODUCT_UNAVAILABLE"
	CodeDatabase           Code = "DB_ERROR"
	CodeUnknown            Code = "UNKNOWN_ERROR"
)

// Codes lists every normalized code.
var Codes = []Code{
	CodePurchaseCancelled,
	CodeNetwork,
	CodeStoreProblem,
	CodePurchaseInvalid,
	CodeProductUnavailable,
	CodeDatabase,
	CodeUnknown,
}

// Reasons carried by PURCHASE_INVALID.
const (
	ReasonAlreadyOwned     = "already_owned"
	ReasonNotOwned         = "not_owned"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonReceiptMalformed = "receipt_malformed"
	ReasonIdentityMismatch = "identity_mismatch"
	ReasonInvalidShape     = "invalid_shape"
)

// PurchaseError is the platform independent error every upstream failure is
// mapped into.
type PurchaseError struct {
	Code      Code
	Message   string
	Retryable bool

	Platform        purchases.Platform
	NativeErrorCode int    // 0 when the upstream error carried none
	Reason          string // PURCHASE_INVALID only
	ProductID       string

	Err       error // Underlying error
	Timestamp time.Time
}

func (e *PurchaseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = DefaultMessage(e.Code)
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Platform != "" && e.Platform != purchases.PlatformUnknown {
		fmt.Fprintf(&b, " (%s)", e.Platform)
	}
	b.WriteString(": ")
	b.WriteString(msg)
	if e.Reason != "" {
		fmt.Fprintf(&b, " [%s]", e.Reason)
	}
	return b.String()
}

func (e *PurchaseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PurchaseError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrPurchaseCancelled:
		return e.Code == CodePurchaseCancelled
	case ErrNetwork:
		return e.Code == CodeNetwork
	case ErrStoreProblem:
		return e.Code == CodeStoreProblem
	case ErrPurchaseInvalid:
		return e.Code == CodePurchaseInvalid
	case ErrProductUnavailable:
		return e.Code == CodeProductUnavailable
	case ErrDatabase:
		return e.Code == CodeDatabase
	case ErrUnknown:
		return e.Code == CodeUnknown
	}

	return errors.Is(e.Err, target)
}

// NewPurchaseError creates a PurchaseError with the default retryability for its code.
func NewPurchaseError(code Code, platform purchases.Platform, message string, err error) *PurchaseError {
	return &PurchaseError{
		Code:      code,
		Message:   message,
		Retryable: defaultRetryable(code),
		Platform:  platform,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithReason sets the PURCHASE_INVALID reason.
func (e *PurchaseError) WithReason(reason string) *PurchaseError {
	e.Reason = reason
	return e
}

// WithProductID records the product the failure relates to.
func (e *PurchaseError) WithProductID(productID string) *PurchaseError {
	e.ProductID = productID
	return e
}

// WithNativeCode records the platform's own error code.
func (e *PurchaseError) WithNativeCode(code int) *PurchaseError {
	e.NativeErrorCode = code
	return e
}

// WithRetryable overrides the code's default retryability.
func (e *PurchaseError) WithRetryable(retryable bool) *PurchaseError {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether the error may be retried.
func (e *PurchaseError) IsRetryable() bool {
	return e != nil && e.Retryable
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeNetwork, CodeStoreProblem, CodeDatabase:
		return true
	default: // cancelled, invalid, unavailable, unknown
		return false
	}
}

// DefaultMessage returns a plain message for a code when upstream gave none.
func DefaultMessage(code Code) string {
	switch code {
	case CodePurchaseCancelled:
		return "purchase was cancelled"
	case CodeNetwork:
		return "the store could not be reached"
	case CodeStoreProblem:
		return "the store reported a problem"
	case CodePurchaseInvalid:
		return "the purchase could not be validated"
	case CodeProductUnavailable:
		return "the product is not available"
	case CodeDatabase:
		return "local purchase records could not be accessed"
	default:
		return "an unexpected error occurred"
	}
}

// StorageCode is the error vocabulary of the local ledger and secure store.
type StorageCode string

const (
	StorageDB           StorageCode = "DB_ERROR"
	StorageNotFound     StorageCode = "NOT_FOUND"
	StorageInvalidInput StorageCode = "INVALID_INPUT"
	StorageStore        StorageCode = "STORE_ERROR"
	StorageParse        StorageCode = "PARSE_ERROR"
	StorageValidation   StorageCode = "VALIDATION_ERROR"
)

// StorageError is a structured error for ledger and secure store operations
type StorageError struct {
	Code      StorageCode
	Op        string // Operation that failed (e.g., "insert", "get_item")
	Key       string // Transaction id or store key if applicable
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Code, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Code, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StorageError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Code == StorageNotFound
	case ErrInvalidInput:
		return e.Code == StorageInvalidInput
	case ErrDatabase:
		return e.Code == StorageDB
	}
	return errors.Is(e.Err, target)
}

// IsRetryable reports whether the storage operation may be retried.
func (e *StorageError) IsRetryable() bool {
	return e != nil && e.Retryable
}

// Normalized converts the storage error into the purchase error union.
func (e *StorageError) Normalized() *PurchaseError {
	pe := NewPurchaseError(CodeDatabase, purchases.PlatformUnknown, e.Error(), e)
	pe.Retryable = e.Retryable
	return pe
}

// NewStorageError creates a StorageError. DB_ERROR and STORE_ERROR are marked
// retryable when the message reads like a transient condition.
func NewStorageError(code StorageCode, op, key string, err error) *StorageError {
	if err == nil {
		err = errors.New(strings.ToLower(string(code)))
	}
	retryable := false
	if code == StorageDB || code == StorageStore {
		retryable = IsTransientMessage(err.Error())
	}
	return &StorageError{
		Code:      code,
		Op:        op,
		Key:       key,
		Err:       err,
		Retryable: retryable,
	}
}

// WrapDBError wraps a storage engine error as DB_ERROR.
func WrapDBError(op, key string, err error) error {
	return NewStorageError(StorageDB, op, key, err)
}

// WrapStoreError wraps a secure store error as STORE_ERROR.
func WrapStoreError(op, key string, err error) error {
	return NewStorageError(StorageStore, op, key, err)
}

var transientPhrases = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection",
	"lock",
	"busy",
}

// IsTransientMessage checks an error message for timeout, connection and lock phrases.
func IsTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var purchaseErr *PurchaseError
	if errors.As(err, &purchaseErr) {
		return purchaseErr.Retryable
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Retryable
	}

	return false
}

// CodeOf returns the normalized code of err, or UNKNOWN_ERROR.
func CodeOf(err error) Code {
	var purchaseErr *PurchaseError
	if errors.As(err, &purchaseErr) {
		return purchaseErr.Code
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return CodeDatabase
	}
	return CodeUnknown
}

// IsNotFound checks whether err is a NOT_FOUND storage error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
