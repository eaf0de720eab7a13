package storage

import (
	"context"

	"token-voteboard/internal/domain"
)

// TallyStore provides access to the remote vote tally collection.
type TallyStore interface {
	// Increment atomically adds 1 to the given field of the tally for
	// address, creating the tally with the field at 1 and the sibling
	// field at 0 if absent. Concurrent increments against the same
	// address are all reflected. Returns ErrInvalidInput for an unknown
	// field or empty address.
	Increment(ctx context.Context, address string, field domain.VoteField) error

	// Subscribe establishes a live push feed of the full tally
	// collection. The initial snapshot is delivered immediately, even
	// when the collection is empty. Rapid changes may coalesce into a
	// single delivery; each delivered snapshot reflects a state at
	// least as new as the previous one.
	Subscribe(ctx context.Context) (*Subscription, error)
}
