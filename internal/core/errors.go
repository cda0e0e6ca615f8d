package core

import (
	"errors"
	"fmt"
)

// Kind identifies one of the abstract error categories the service and its
// readers/plugins can raise. Applications match on Kind rather than on
// concrete error types so that wrapping at adapter boundaries doesn't break
// errors.Is-style checks.
type Kind int

const (
	KindIllegalState Kind = iota
	KindIllegalArgument
	KindReaderCommunication
	KindReaderBrokenCommunication
	KindCardBrokenCommunication
	KindUnexpectedStatusWord
	KindProtocolNotSupported
	KindPluginIO
	KindPlugin
)

func (k Kind) String() string {
	switch k {
	case KindIllegalState:
		return "illegal-state"
	case KindIllegalArgument:
		return "illegal-argument"
	case KindReaderCommunication:
		return "reader-communication"
	case KindReaderBrokenCommunication:
		return "reader-broken-communication"
	case KindCardBrokenCommunication:
		return "card-broken-communication"
	case KindUnexpectedStatusWord:
		return "unexpected-status-word"
	case KindProtocolNotSupported:
		return "protocol-not-supported"
	case KindPluginIO:
		return "plugin-io"
	case KindPlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// Error is the common error type for the service. Most failures reported
// to an application arrive wrapped in one of these so callers can branch on
// Kind with errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func IllegalStatef(format string, args ...any) error {
	return newErr(KindIllegalState, fmt.Sprintf(format, args...), nil)
}

func IllegalArgumentf(format string, args ...any) error {
	return newErr(KindIllegalArgument, fmt.Sprintf(format, args...), nil)
}

func ProtocolNotSupportedf(format string, args ...any) error {
	return newErr(KindProtocolNotSupported, fmt.Sprintf(format, args...), nil)
}

func Pluginf(format string, args ...any) error {
	return newErr(KindPlugin, fmt.Sprintf(format, args...), nil)
}

func PluginIOf(cause error, format string, args ...any) error {
	return newErr(KindPluginIO, fmt.Sprintf(format, args...), cause)
}

func ReaderCommunicationf(cause error, format string, args ...any) error {
	return newErr(KindReaderCommunication, fmt.Sprintf(format, args...), cause)
}

// BrokenCommunicationError is raised when a driver I/O failure interrupts an
// APDU chain partway through. It always carries whatever responses were
// collected before the failure, and whether the request that was in flight
// when it happened is considered fully processed.
type BrokenCommunicationError struct {
	Kind           Kind // KindReaderBrokenCommunication or KindCardBrokenCommunication
	Message        string
	Cause          error
	PartialResponse *CardResponse
	FullyProcessed bool
}

func (e *BrokenCommunicationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *BrokenCommunicationError) Unwrap() error {
	return e.Cause
}

func NewReaderBrokenCommunicationError(cause error, partial *CardResponse, fullyProcessed bool, message string) error {
	return &BrokenCommunicationError{
		Kind:            KindReaderBrokenCommunication,
		Message:         message,
		Cause:           cause,
		PartialResponse: partial,
		FullyProcessed:  fullyProcessed,
	}
}

func NewCardBrokenCommunicationError(cause error, partial *CardResponse, fullyProcessed bool, message string) error {
	return &BrokenCommunicationError{
		Kind:            KindCardBrokenCommunication,
		Message:         message,
		Cause:           cause,
		PartialResponse: partial,
		FullyProcessed:  fullyProcessed,
	}
}

// UnexpectedStatusWordError is raised by the APDU chain engine when a
// response's status word falls outside the request's successful set and
// the card request asked the engine to stop there.
type UnexpectedStatusWordError struct {
	Message        string
	PartialResponse *CardResponse
	FullyProcessed bool
}

func (e *UnexpectedStatusWordError) Error() string {
	return fmt.Sprintf("%s: %s", KindUnexpectedStatusWord, e.Message)
}

func (e *UnexpectedStatusWordError) ErrorKind() Kind { return KindUnexpectedStatusWord }
func (e *BrokenCommunicationError) ErrorKind() Kind  { return e.Kind }
func (e *Error) ErrorKind() Kind                     { return e.Kind }

// kinded is implemented by every error type in this taxonomy.
type kinded interface {
	ErrorKind() Kind
}

func NewUnexpectedStatusWordError(partial *CardResponse, fullyProcessed bool, message string) error {
	return &UnexpectedStatusWordError{Message: message, PartialResponse: partial, FullyProcessed: fullyProcessed}
}

// ReaderIOError is returned by a driver when a transport-level failure
// (the link to the reader itself) interrupts an operation, as opposed to a
// CardIOError (the reader is fine, the card misbehaved or was pulled).
// The APDU engine uses this distinction to pick between
// reader-broken-communication and card-broken-communication.
type ReaderIOError struct {
	Cause error
}

func (e *ReaderIOError) Error() string { return "reader I/O error: " + e.Cause.Error() }
func (e *ReaderIOError) Unwrap() error { return e.Cause }

// CardIOError is returned by a driver when the card itself failed to
// respond or was removed mid-exchange, as opposed to the reader link.
type CardIOError struct {
	Cause error
}

func (e *CardIOError) Error() string { return "card I/O error: " + e.Cause.Error() }
func (e *CardIOError) Unwrap() error { return e.Cause }

// IsKind reports whether err (or something it wraps) carries the given
// abstract Kind.
func IsKind(err error, kind Kind) bool {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind() == kind
	}
	return false
}
