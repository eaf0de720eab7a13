package storage

import (
	"sync"

	"token-voteboard/internal/domain"
	"token-voteboard/internal/observability"
)

// Subscription is a live feed of full tally snapshots.
//
// Deliveries are latest-wins: the channel holds at most one pending
// snapshot and a newer one replaces it, so rapid store changes coalesce.
// The channel closes exactly once, either on Unsubscribe or on a terminal
// feed failure; after close, Err reports the failure (nil for a clean
// Unsubscribe). No automatic resubscription happens here; re-establishing
// a dead feed is the consuming layer's policy.
type Subscription struct {
	mu      sync.Mutex
	updates chan domain.TallySnapshot
	err     error
	closed  bool
	release func()
}

// NewSubscription creates a subscription. The release callback, if any,
// runs once when the subscription terminates for any reason; store
// implementations use it to deregister the subscriber.
func NewSubscription(release func()) *Subscription {
	return &Subscription{
		updates: make(chan domain.TallySnapshot, 1),
		release: release,
	}
}

// Updates returns the snapshot channel. It is closed on Unsubscribe or
// terminal failure.
func (s *Subscription) Updates() <-chan domain.TallySnapshot {
	return s.updates
}

// Err reports the terminal feed failure, if any. Valid once Updates is
// closed; nil means the subscription ended via Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe releases the subscription. Safe to call multiple times and
// on error paths; the updates channel is closed if it was not already.
func (s *Subscription) Unsubscribe() {
	s.terminate(nil)
}

// Deliver pushes a snapshot to the subscriber, replacing any snapshot the
// subscriber has not yet consumed. Intended for store implementations;
// callers must not retain snap after delivery. No-op once terminated.
func (s *Subscription) Deliver(snap domain.TallySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- snap:
	default:
		// Drop the stale pending snapshot, keep the newest.
		select {
		case <-s.updates:
		default:
		}
		s.updates <- snap
	}
	observability.RecordSnapshotDelivered()
}

// Fail terminates the subscription with err. Intended for store
// implementations; fires at most once.
func (s *Subscription) Fail(err error) {
	s.terminate(err)
}

func (s *Subscription) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.updates)
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release()
	}
}
