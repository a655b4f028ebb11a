package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout marks a blocking facade call that ran out of time. It is
	// never used for business refusals, a caller can always tell "the
	// gateway said no" from "the gateway said nothing".
	ErrTimeout = errors.New("timed out")

	// ErrUnavailable marks a call made while the runtime cannot serve it:
	// the facade never started, is stopping, has stopped, or the runtime
	// loop died. Calls fail fast with it instead of hanging.
	ErrUnavailable = errors.New("gateway unavailable")
)

// RejectionError is a business refusal from the gateway, carrying its error
// code and message. Rejections are normal outcomes, not infrastructure
// faults.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by gateway: %s (code %d)", e.Message, e.Code)
}
