// Package operation tracks long-running privileged work. It knows nothing
// about transports: the Root Service owns the authoritative tracker and the
// User Service keeps a mirror fed from Root signals.
package operation

import (
	"errors"
	"fmt"
)

// State of an operation. Values are part of the wire contract.
type State uint32

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	return s <= Cancelled
}

// CanTransition is the complete transition table. Anything not listed here
// is rejected, in particular every transition out of a terminal state.
func CanTransition(from, to State) bool {
	switch from {
	case Pending:
		return to == Running || to == Cancelled
	case Running:
		return to == Succeeded || to == Failed || to == Cancelled
	}
	return false
}

// rank orders states for mirrors that may miss intermediate signals
func rank(s State) int {
	switch s {
	case Pending:
		return 0
	case Running:
		return 1
	}
	return 2
}

// Recovery documents the state a failed or cancelled operation left its
// target in. The set is closed: executors must pick one of these.
type Recovery string

const (
	RecoveryNone          Recovery = ""               // operation succeeded
	RecoveryUntouched     Recovery = "untouched"      // failed before the first write, target as before
	RecoveryRolledBack    Recovery = "rolled_back"    // writes happened and were reverted
	RecoveryNeedsReformat Recovery = "needs_reformat" // partition table intact, filesystem must be recreated
	RecoveryNeedsRetry    Recovery = "needs_retry"    // target consistent but the action has to run again
)

// Valid reports whether r belongs to the documented set
func (r Recovery) Valid() bool {
	switch r {
	case RecoveryNone, RecoveryUntouched, RecoveryRolledBack, RecoveryNeedsReformat, RecoveryNeedsRetry:
		return true
	}
	return false
}

// ErrCancelled is returned by executors that observed a cancellation request
// at a safe point.
var ErrCancelled = errors.New("operation cancelled")

// RecoveryError attaches the recovery state to an executor error
type RecoveryError struct {
	Recovery Recovery
	Err      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("%v (recovery: %s)", e.Err, e.Recovery)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// WithRecovery annotates err with the state the target was left in
func WithRecovery(r Recovery, err error) error {
	if err == nil {
		return nil
	}
	return &RecoveryError{Recovery: r, Err: err}
}

// RecoveryOf extracts the recovery state from an executor error. Errors
// that do not declare one are reported as needing a retry, never as
// untouched, since nothing proves the target was not written.
func RecoveryOf(err error) Recovery {
	var re *RecoveryError
	if errors.As(err, &re) && re.Recovery.Valid() && re.Recovery != RecoveryNone {
		return re.Recovery
	}
	return RecoveryNeedsRetry
}
