// Package fault defines the framework fault type and the taxonomy used to
// distinguish where a failure originated.
//
// Every remotely callable method declares that it can fail with an error;
// this package's Error is the framework's own fault type, used for
// transport problems on the client side and service problems on the server
// side. Errors returned by the backing implementation itself are business
// faults: they travel over the wire and are re-raised at the caller with
// their message intact, never wrapped in a framework fault.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault by its origin.
type Kind string

const (
	// KindTransport marks connect/read/write failures during a remote
	// call. Raised client-side, wrapping the underlying network error.
	KindTransport Kind = "transport"

	// KindService marks unexpected server-side failures while decoding,
	// resolving, or invoking a request. Reported through the skeleton's
	// ServiceError hook and returned to the caller as a fault response.
	KindService Kind = "service"

	// KindBusiness marks an error returned by the backing method itself.
	// This is the expected error channel of the whole system.
	KindBusiness Kind = "business"

	// KindLifecycle marks a failure to bind or launch the listener during
	// skeleton startup. Never crosses the wire.
	KindLifecycle Kind = "lifecycle"
)

// Error is the framework fault type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error // underlying cause, nil when raised from a wire fault
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rmi: %s fault: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("rmi: %s fault: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Transport wraps a network-level failure into a framework fault.
func Transport(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Cause: cause}
}

// Service wraps an unexpected server-side failure into a framework fault.
func Service(message string, cause error) *Error {
	return &Error{Kind: KindService, Message: message, Cause: cause}
}

// Lifecycle wraps a skeleton startup failure into a framework fault.
func Lifecycle(message string, cause error) *Error {
	return &Error{Kind: KindLifecycle, Message: message, Cause: cause}
}

// IsTransport reports whether err is (or wraps) a transport fault.
func IsTransport(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindTransport
}

// Wire is the serializable form of a fault, carried as the payload of a
// fault response. Kind preserves the taxonomy across the wire; Message is
// the fault's full text.
type Wire struct {
	Kind    Kind
	Message string
}

// ToWire converts an error into its wire form. Framework faults keep
// their kind; any other error is a business fault by definition, since it
// was returned by the backing method through its declared error result.
func ToWire(err error) Wire {
	var fe *Error
	if errors.As(err, &fe) {
		return Wire{Kind: fe.Kind, Message: fe.Message}
	}
	return Wire{Kind: KindBusiness, Message: err.Error()}
}

// FromWire reconstructs the error a fault response stands for.
//
// Business faults come back as plain errors carrying exactly the message
// the backing method produced, so callers comparing messages (or matching
// with errors.New-style sentinels by text) see the original content.
// Everything else is re-raised as a framework fault of the same kind.
func FromWire(w Wire) error {
	if w.Kind == KindBusiness {
		return errors.New(w.Message)
	}
	return &Error{Kind: w.Kind, Message: w.Message}
}
