package domain

import "context"

// MessageStore is the durable mapping from record id to ModerationRecord.
// It is the single source of truth shared by the ingest path and every
// decision path; once a record has left NEW it may only be mutated through
// CompareAndTransition.
type MessageStore interface {
	// Create inserts a record. Returns ErrDuplicateID if the id exists.
	Create(ctx context.Context, rec ModerationRecord) error

	// Get returns the record, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*ModerationRecord, error)

	// CompareAndTransition atomically advances the record from expect to
	// next, applying mutate to the stored record first. Returns false when
	// the record is missing or its state did not match expect. The operation
	// is linearizable per id: of two racing callers exactly one wins.
	CompareAndTransition(ctx context.Context, id string, expect, next RecordState, mutate func(*ModerationRecord)) (bool, error)

	// Delete removes the record. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// ListByState returns all records currently in the given state.
	ListByState(ctx context.Context, state RecordState) ([]ModerationRecord, error)

	Close() error
}

// Moderator is one review recipient. Signature is appended to every
// forwarded copy addressed to this moderator.
type Moderator struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Fullname  string `json:"fullname"`
	Signature string `json:"signature"`
}

// ModeratorRoster is the durable set of moderators. List reflects the roster
// at call time; membership changing between fan-outs is expected.
type ModeratorRoster interface {
	List(ctx context.Context) ([]Moderator, error)
	Add(ctx context.Context, m Moderator) error
	Remove(ctx context.Context, id int64) error
	RemoveByUsername(ctx context.Context, username string) error
	GetByID(ctx context.Context, id int64) (*Moderator, error)
}

// TagStore holds the flat list of labels moderators can attach to posts.
type TagStore interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, tag string) error
	Remove(ctx context.Context, tag string) error
}
