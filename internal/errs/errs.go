// Package errs defines the overlay's typed error taxonomy (§7). Kind.Fatal
// marks the kinds that surface to the embedder and stop the node; the
// package does not classify the remaining kinds further.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the concept-level error classification from §7.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTokenError
	KindAddressExhausted
	KindTimeout
	KindDisconnected
	KindInvalidIP
	KindIPAlreadyExists
	KindFingerprintMismatch
	KindDecryptFailed
	KindFailedToCreateDevice
	KindWarn
)

func (k Kind) String() string {
	switch k {
	case KindTokenError:
		return "token_error"
	case KindAddressExhausted:
		return "address_exhausted"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindInvalidIP:
		return "invalid_ip"
	case KindIPAlreadyExists:
		return "ip_already_exists"
	case KindFingerprintMismatch:
		return "fingerprint_mismatch"
	case KindDecryptFailed:
		return "decrypt_failed"
	case KindFailedToCreateDevice:
		return "failed_to_create_device"
	case KindWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// Fatal reports whether a Kind must stop the node and invoke the
// embedder's error callback, per §7's propagation rules.
func (k Kind) Fatal() bool {
	switch k {
	case KindTokenError, KindAddressExhausted, KindInvalidIP, KindIPAlreadyExists, KindFailedToCreateDevice:
		return true
	default:
		return false
	}
}

// Error wraps a Kind with a human message and optional cause, the single
// error type that crosses component boundaries in this codebase.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsFatal reports whether err is a *Error of a fatal Kind. Errors of any
// other type are treated as non-fatal.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Fatal()
	}
	return false
}

// Callback is the embedder-facing hook for fatal and warn-level errors.
type Callback func(err *Error)
