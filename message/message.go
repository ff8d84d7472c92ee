// Package message defines the request/response model exchanged between a
// stub and a skeleton.
//
// Request and Response are the "envelopes" for a single remote invocation.
// They get serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP. The protocol is strictly one request followed
// by one response per connection.
package message

import "encoding/json"

// Status tags a Response as carrying a return value or a fault.
type Status byte

const (
	StatusOK    Status = 0 // Payload is the method's return value
	StatusFault Status = 1 // Payload is a wire fault (see fault.Wire)
)

// Request identifies one remote method invocation.
//
// The method is addressed by the declaring interface's name, the method
// name, and the ordered parameter-type signature. Together these form the
// lookup key into the skeleton's method table. Args holds the argument
// values as JSON, in signature order.
type Request struct {
	Interface  string            // Name of the interface declaring the method, e.g. "Echo"
	Method     string            // Method name, e.g. "Echo"
	ParamTypes []string          // Ordered parameter type tags, e.g. ["string"]
	Args       []json.RawMessage // Ordered argument values, one per parameter
}

// Response carries the outcome of one invocation.
//
//   - StatusOK: Payload is the JSON-encoded return value (null for void
//     methods).
//   - StatusFault: Payload is the JSON-encoded wire fault describing the
//     failure.
type Response struct {
	Status  Status
	Payload json.RawMessage
}
