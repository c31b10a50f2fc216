package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("bridge: not connected")
	ErrClosed       = errors.New("bridge: client closed")
)

// TransientError wraps a retryable transport failure (timeout, connection
// drop). The retry budget is already spent by the time callers see one.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("bridge: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// BrokerError is a definitive rejection from the terminal, never retried.
type BrokerError struct {
	Op      string
	Code    string
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("bridge: %s rejected by terminal: %s (%s)", e.Op, e.Message, e.Code)
}

// OutcomeUnknownError means an order-affecting request was sent but no
// reply arrived inside the budget. The order may or may not have executed;
// the ticket must be reconciled against the terminal before its state is
// trusted again.
type OutcomeUnknownError struct {
	Op     string
	Ticket int64
	Err    error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("bridge: %s outcome unknown, needs reconciliation (ticket %d): %v", e.Op, e.Ticket, e.Err)
}

func (e *OutcomeUnknownError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable bridge failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsOutcomeUnknown reports whether err left position state unresolved.
func IsOutcomeUnknown(err error) bool {
	var oe *OutcomeUnknownError
	return errors.As(err, &oe)
}
