package memory

import (
	"context"
	"sync"

	"token-voteboard/internal/domain"
	"token-voteboard/internal/storage"
)

// TallyStore is an in-memory implementation of storage.TallyStore.
// Increments are serialized under one mutex, so concurrent voters never
// lose updates; every change broadcasts a full snapshot to all
// subscribers.
type TallyStore struct {
	mu      sync.Mutex
	tallies map[string]domain.Tally
	subs    map[*storage.Subscription]struct{}
	closed  bool
}

// NewTallyStore creates an empty in-memory tally store.
func NewTallyStore() *TallyStore {
	return &TallyStore{
		tallies: make(map[string]domain.Tally),
		subs:    make(map[*storage.Subscription]struct{}),
	}
}

var _ storage.TallyStore = (*TallyStore)(nil)

// Increment atomically adds 1 to the given field for address, creating
// the tally if absent.
func (s *TallyStore) Increment(_ context.Context, address string, field domain.VoteField) error {
	if address == "" || !field.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrStoreClosed
	}

	t := s.tallies[address]
	switch field {
	case domain.VoteLikes:
		t.Likes++
	case domain.VoteDislikes:
		t.Dislikes++
	}
	s.tallies[address] = t

	// Deliver under the lock so snapshots reach every subscriber in
	// monotonic order. Deliver never blocks (latest-wins channel).
	snap := domain.TallySnapshot(s.tallies).Clone()
	for sub := range s.subs {
		sub.Deliver(snap.Clone())
	}
	s.mu.Unlock()
	return nil
}

// Subscribe registers a live feed and delivers the current snapshot
// immediately, even when no votes exist yet.
func (s *TallyStore) Subscribe(ctx context.Context) (*storage.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrStoreClosed
	}

	done := make(chan struct{})
	var sub *storage.Subscription
	sub = storage.NewSubscription(func() {
		s.removeSub(sub)
		close(done)
	})
	s.subs[sub] = struct{}{}
	// Initial snapshot under the lock: a racing increment must not be
	// able to slip an older mapping in after a newer one.
	sub.Deliver(domain.TallySnapshot(s.tallies).Clone())
	s.mu.Unlock()

	// Release the feed when the caller's context ends first.
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-done:
		}
	}()

	return sub, nil
}

// Close terminates all subscriptions and rejects further operations.
func (s *TallyStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subscribers()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Fail(storage.ErrStoreClosed)
	}
}

// Snapshot returns a copy of the current tally mapping.
func (s *TallyStore) Snapshot() domain.TallySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.TallySnapshot(s.tallies).Clone()
}

// subscribers returns the current subscriber set; callers must hold s.mu.
func (s *TallyStore) subscribers() []*storage.Subscription {
	subs := make([]*storage.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *TallyStore) removeSub(sub *storage.Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}
