package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRequestTimeout is returned by Execute when neither the request nor its
// retransmission was answered.
var ErrRequestTimeout = errors.New("rpc: request timed out")

// CommandError is a failed response from the remote.
type CommandError struct {
	Command  string
	Message  string
	Response json.RawMessage // full response payload, including extra fields
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("rpc: %s failed: %s", e.Command, e.Message)
}

// Decode unmarshals the full error response into v, for errors that carry
// partial results next to the message.
func (e *CommandError) Decode(v any) error {
	if len(e.Response) == 0 {
		return fmt.Errorf("rpc: %s: empty error response", e.Command)
	}
	return json.Unmarshal(e.Response, v)
}
