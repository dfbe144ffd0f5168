// Package payerr holds the error taxonomy shared by the scan, preflight,
// settlement and payment packages.
package payerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind uint8

const (
	KindUnknownSettlement Kind = iota
	KindUnsupportedPlatform
	KindPermissionDenied
	KindTagParse
	KindTagHardware
	KindInsufficientBalance
	KindUserRejectedSigning
	KindInsufficientFunds
	KindContractReverted
	KindNetworkTimeout
	KindBalanceQuery
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedPlatform:
		return "UNSUPPORTED_PLATFORM"
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	case KindTagParse:
		return "TAG_PARSE_ERROR"
	case KindTagHardware:
		return "TAG_HARDWARE_ERROR"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindUserRejectedSigning:
		return "USER_REJECTED_SIGNING"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindContractReverted:
		return "CONTRACT_REVERTED"
	case KindNetworkTimeout:
		return "NETWORK_TIMEOUT"
	case KindBalanceQuery:
		return "BALANCE_QUERY_FAILED"
	default:
		return "UNKNOWN_SETTLEMENT_ERROR"
	}
}

// Retryable reports whether the caller may offer a plain retry for this kind.
// Nothing is ever retried automatically.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnsupportedPlatform, KindInsufficientBalance:
		return false
	default:
		return true
	}
}

// Error is a classified failure. Err keeps the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors report KindUnknownSettlement.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknownSettlement
}

// Sentinels for errors.Is.
var (
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied}
	ErrTagParse            = &Error{Kind: KindTagParse}
	ErrTagHardware         = &Error{Kind: KindTagHardware}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrUserRejectedSigning = &Error{Kind: KindUserRejectedSigning}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrContractReverted    = &Error{Kind: KindContractReverted}
	ErrNetworkTimeout      = &Error{Kind: KindNetworkTimeout}
	ErrUnknownSettlement   = &Error{Kind: KindUnknownSettlement}
	ErrBalanceQuery        = &Error{Kind: KindBalanceQuery}
)
