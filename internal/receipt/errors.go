package receipt

import (
	"errors"
	"fmt"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// ErrorCode classifies a verification failure.
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeDecodingError    ErrorCode = "DECODING_ERROR"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeKeyNotFound      ErrorCode = "KEY_NOT_FOUND"
	CodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	CodeIdentityMismatch ErrorCode = "IDENTITY_MISMATCH"
)

var (
	ErrInvalidInput     = errors.New("invalid receipt input")
	ErrDecoding         = errors.New("receipt could not be decoded")
	ErrInvalidPayload   = errors.New("receipt payload is invalid")
	ErrKeyNotFound      = errors.New("verification key not available")
	ErrInvalidSignature = errors.New("receipt signature invalid")
	ErrIdentityMismatch = errors.New("receipt issued for another application")
)

// VerificationError is returned by Verify for every failed gate.
type VerificationError struct {
	Code     ErrorCode
	Platform purchases.Platform
	Detail   string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *VerificationError) Is(target error) bool {
	switch target {
	case ErrInvalidInput:
		return e.Code == CodeInvalidInput
	case ErrDecoding:
		return e.Code == CodeDecodingError
	case ErrInvalidPayload:
		return e.Code == CodeInvalidPayload
	case ErrKeyNotFound:
		return e.Code == CodeKeyNotFound
	case ErrInvalidSignature:
		return e.Code == CodeInvalidSignature
	case ErrIdentityMismatch:
		return e.Code == CodeIdentityMismatch
	}
	return false
}

// Normalized maps the failure into the purchase error union. A missing key is
// a retryable network condition; every other failure is a non-retryable
// PURCHASE_INVALID.
func (e *VerificationError) Normalized() *iaperrors.PurchaseError {
	if e.Code == CodeKeyNotFound {
		return iaperrors.NewPurchaseError(iaperrors.CodeNetwork, e.Platform, "verification key is not available offline", e)
	}

	reason := iaperrors.ReasonReceiptMalformed
	switch e.Code {
	case CodeInvalidSignature:
		reason = iaperrors.ReasonSignatureInvalid
	case CodeIdentityMismatch:
		reason = iaperrors.ReasonIdentityMismatch
	}
	return iaperrors.NewPurchaseError(iaperrors.CodePurchaseInvalid, e.Platform, e.Error(), e).WithReason(reason)
}

func newError(code ErrorCode, platform purchases.Platform, detail string, err error) *VerificationError {
	return &VerificationError{Code: code, Platform: platform, Detail: detail, Err: err}
}
