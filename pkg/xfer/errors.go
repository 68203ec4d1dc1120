package xfer

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transient conditions progress() can recover
// from locally, matching spec.md §7 ("Transient": stream saturation and
// deadline expiry).
var (
	// ErrStreamSaturated is never returned to callers: when admit()
	// refuses, the copy engine breaks out of its loop directly and this
	// sentinel is not used.
	ErrStreamSaturated = errors.New("xfer: stream saturated")

	// ErrNoPeerStream is a programming error (spec.md §7,
	// "Programming-error / fatal"): a peer-to-peer copy was attempted
	// between two GPUs with no configured peer stream.
	ErrNoPeerStream = errors.New("xfer: no peer-to-peer stream between GPUs")
)

// DriverError wraps any non-success return from the Driver capability
// (spec.md §7, "Driver errors: any non-success return from a driver call
// is fatal; the engine does not retry").
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("xfer: driver call %s failed: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

func wrapDriverErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Op: op, Err: err}
}

// fatalf panics with a programming-error message. Used for conditions
// spec.md §7 classifies as "Programming-error / fatal": a broken caller
// contract rather than a recoverable runtime condition.
func fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf("xfer: fatal: "+format, args...))
}
