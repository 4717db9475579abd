package bridge

import (
	"errors"
	"fmt"

	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
)

// Sentinel errors the HTTP adapter maps onto status codes.
var (
	// ErrRedundantReader reports a dequeue rejected because another reader
	// already holds the slot's interlock.
	ErrRedundantReader = errors.New("another reader is already waiting on this slot")

	// ErrTimeout reports a dequeue that gave up without seeing a message.
	ErrTimeout = errors.New("timed out waiting for message")
)

// SlotOccupiedError reports an enqueue against a slot whose previous message
// was never consumed. Peers surface the text verbatim, so the wording is
// fixed.
type SlotOccupiedError struct {
	Key string
}

func (e *SlotOccupiedError) Error() string {
	return fmt.Sprintf("Channel %s contains unprocessed message", e.Key)
}

// StoreError wraps a failed store operation.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "store failure: " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeFail(err error) error {
	monitoring.StoreErrors.Inc()
	return &StoreError{Err: err}
}
