package transaction

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap/errors"
)

// ErrInvalidState is returned when an operation is attempted on a
// transaction handle that has already reached a terminal state, or out of
// order (e.g. writing after requesting commit).
var ErrInvalidState = errors.New("transaction is in an invalid state for this operation")

// TimedOutError means a blocking step (usually waiting for a conflicting
// intent to clear) gave up.
type TimedOutError struct{}

func (e *TimedOutError) Error() string {
	return "transaction operation timed out"
}

// ExpiredError means the coordinator aborted the transaction after missed
// heartbeats, before the client asked for a decision.
type ExpiredError struct {
	ID uuid.UUID
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("transaction %s expired", e.ID)
}

// AbortedError means the transaction was aborted, by itself or by a
// conflicting winner.
type AbortedError struct {
	ID uuid.UUID
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted", e.ID)
}

// RestartRequiredError means a read found a committed version inside the
// uncertainty window; the transaction must restart with a read time covering
// ExistingTime.
type RestartRequiredError struct {
	Key          []byte
	ExistingTime hlc.Timestamp
}

func (e *RestartRequiredError) Error() string {
	return fmt.Sprintf("read restart required at key %q: committed version at %v inside uncertainty window", e.Key, e.ExistingTime)
}

// ConflictError means a write lost conflict resolution to a higher-priority
// transaction. The loser should retry with a priority above WinnerPriority.
type ConflictError struct {
	ID             uuid.UUID
	WinnerID       uuid.UUID
	WinnerPriority uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction %s conflicts with higher priority transaction %s (priority %d)",
		e.ID, e.WinnerID, e.WinnerPriority)
}

func IsTimedOut(err error) bool {
	_, ok := errors.Cause(err).(*TimedOutError)
	return ok
}

func IsExpired(err error) bool {
	_, ok := errors.Cause(err).(*ExpiredError)
	return ok
}

func IsAborted(err error) bool {
	_, ok := errors.Cause(err).(*AbortedError)
	return ok
}

func IsRestartRequired(err error) bool {
	_, ok := errors.Cause(err).(*RestartRequiredError)
	return ok
}

func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(*ConflictError)
	return ok
}

func IsInvalidState(err error) bool {
	return errors.Cause(err) == ErrInvalidState
}
