package fault

import (
	"encoding/json"

	"mini-rmi/message"
)

// ResponseFor builds the fault response carrying err's wire form. Both
// session dispatch and interceptors answer failures through it.
func ResponseFor(err error) *message.Response {
	payload, _ := json.Marshal(ToWire(err))
	return &message.Response{Status: message.StatusFault, Payload: payload}
}
