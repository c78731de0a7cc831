package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID signals a Create for an id that already exists.
	// Callers treat a duplicate ingest as an idempotent no-op.
	ErrDuplicateID = errors.New("record id already exists")

	// ErrNotFound signals an operation on an absent record.
	ErrNotFound = errors.New("record not found")

	// ErrStaleTransition signals a decision for a record that is already
	// DONE or gone. Logged as late/duplicate and discarded; never shown to
	// the moderator as a failure.
	ErrStaleTransition = errors.New("record already resolved")
)

// DeliveryError wraps a failed gateway call for one moderator. Per-moderator
// and transient: it never aborts the overall fan-out.
type DeliveryError struct {
	ModeratorID int64
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to moderator %d: %v", e.ModeratorID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
