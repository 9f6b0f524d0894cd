// Package rpcerror defines the closed set of error kinds surfaced by the
// remoting runtime and helpers to create, wrap, and classify them.
//
// Every error crossing a package boundary inside the runtime is either an
// *Error from this package or wraps one, so callers can switch on KindOf
// without string matching.
package rpcerror

import (
	"errors"
	"fmt"

	"github.com/marmos91/remoting/pkg/message"
)

// Kind identifies one of the closed set of runtime error conditions.
type Kind string

const (
	KindConnectionRefused     Kind = "connection_refused"
	KindHandshakeFailed       Kind = "handshake_failed"
	KindProtocolViolation     Kind = "protocol_violation"
	KindAuthFailed            Kind = "auth_failed"
	KindNotConnected          Kind = "not_connected"
	KindServiceUnknown        Kind = "service_unknown"
	KindMethodUnknown         Kind = "method_unknown"
	KindAmbiguousMethod       Kind = "ambiguous_method"
	KindArgumentMismatch      Kind = "argument_mismatch"
	KindServiceFaulted        Kind = "service_faulted"
	KindCallTimeout           Kind = "call_timeout"
	KindCancelled             Kind = "cancelled"
	KindConnectionLost        Kind = "connection_lost"
	KindSerializationFailed   Kind = "serialization_failed"
	KindCryptoFailed          Kind = "crypto_failed"
	KindDuplicateRegistration Kind = "duplicate_registration"
	KindInternal              Kind = "internal_error"
)

// Error is the runtime error type. Fault is only populated for
// service_faulted errors, where it carries the remote fault record.
type Error struct {
	Kind    Kind
	Message string
	Fault   *message.Fault
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, rpcerror.New(kind, ""))
// and the exported sentinel comparisons work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. Returns nil if err is nil.
// If err already carries a kind, the original kind is preserved and only
// the message context is added.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Message: msg, Fault: existing.Fault, Err: err}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Faulted creates a service_faulted error carrying the remote fault record.
func Faulted(fault *message.Fault) *Error {
	msg := ""
	if fault != nil {
		msg = fault.Message
	}
	return &Error{Kind: KindServiceFaulted, Message: msg, Fault: fault}
}

// KindOf extracts the error kind, or internal_error for foreign errors.
// A nil error yields the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FaultOf extracts the fault record from a service_faulted error, or nil.
func FaultOf(err error) *message.Fault {
	var e *Error
	if errors.As(err, &e) {
		return e.Fault
	}
	return nil
}
