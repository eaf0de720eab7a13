package postgres

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"token-voteboard/internal/domain"
	"token-voteboard/internal/storage"
)

// tallyChannel is the pg_notify channel fired by the tallies trigger.
const tallyChannel = "tally_updates"

// notifyDebounce is how long the listen loop drains further
// notifications before reloading, so vote bursts coalesce into one
// snapshot.
const notifyDebounce = 100 * time.Millisecond

const incrementLikesQuery = `
	INSERT INTO tallies (address, likes, dislikes)
	VALUES ($1, 1, 0)
	ON CONFLICT (address) DO UPDATE
	SET likes = tallies.likes + 1, updated_at = now()
`

const incrementDislikesQuery = `
	INSERT INTO tallies (address, likes, dislikes)
	VALUES ($1, 0, 1)
	ON CONFLICT (address) DO UPDATE
	SET dislikes = tallies.dislikes + 1, updated_at = now()
`

// TallyStore implements storage.TallyStore using PostgreSQL.
//
// Increments are server-side atomic upserts, so racing voters never lose
// updates. One LISTEN loop on a dedicated connection reloads the tallies
// table whenever the notify trigger fires and fans the snapshot out to
// every subscription.
type TallyStore struct {
	pool   *Pool
	logger *log.Logger

	mu     sync.Mutex
	subs   map[*storage.Subscription]struct{}
	latest domain.TallySnapshot
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTallyStore creates a TallyStore on the given pool. Start must be
// called before Subscribe.
func NewTallyStore(pool *Pool, logger *log.Logger) *TallyStore {
	if logger == nil {
		logger = log.Default()
	}
	return &TallyStore{
		pool:   pool,
		logger: logger,
		subs:   make(map[*storage.Subscription]struct{}),
	}
}

var _ storage.TallyStore = (*TallyStore)(nil)

// Start acquires a dedicated LISTEN connection, loads the initial
// snapshot, and begins the notification loop.
func (s *TallyStore) Start(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+tallyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("listen %s: %w", tallyChannel, err)
	}

	snap, err := s.load(ctx)
	if err != nil {
		conn.Release()
		return fmt.Errorf("load initial tallies: %w", err)
	}

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.listenLoop(loopCtx, conn)
	return nil
}

// Increment atomically adds 1 to the given field for address, creating
// the row if absent. Other columns on an existing row are preserved.
func (s *TallyStore) Increment(ctx context.Context, address string, field domain.VoteField) error {
	if address == "" || !field.Valid() {
		return storage.ErrInvalidInput
	}

	var query string
	switch field {
	case domain.VoteLikes:
		query = incrementLikesQuery
	case domain.VoteDislikes:
		query = incrementDislikesQuery
	}

	if _, err := s.pool.Exec(ctx, query, address); err != nil {
		return fmt.Errorf("increment %s for %s: %w", field, address, err)
	}
	return nil
}

// Subscribe registers a live feed and delivers the latest known snapshot
// immediately. Requires Start.
func (s *TallyStore) Subscribe(ctx context.Context) (*storage.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrStoreClosed
	}
	if s.latest == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("tally store not started")
	}

	done := make(chan struct{})
	var sub *storage.Subscription
	sub = storage.NewSubscription(func() {
		s.removeSub(sub)
		close(done)
	})
	s.subs[sub] = struct{}{}
	// Initial snapshot under the lock so it cannot arrive after a
	// newer broadcast. Deliver never blocks (latest-wins channel).
	sub.Deliver(s.latest.Clone())
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-done:
		}
	}()

	return sub, nil
}

// Close stops the listen loop and releases all subscriptions cleanly.
func (s *TallyStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subscribers()
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// listenLoop blocks on notifications, reloads the table per wakeup, and
// broadcasts the fresh snapshot. A terminal connection error fails every
// subscription exactly once; no reconnection is attempted here.
func (s *TallyStore) listenLoop(ctx context.Context, conn *pgxpool.Conn) {
	defer s.wg.Done()
	defer conn.Release()

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("tally feed lost: %v", err)
			s.failAll(fmt.Errorf("tally notification feed: %w", err))
			return
		}

		s.drainNotifications(ctx, conn)

		snap, err := s.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("tally reload failed: %v", err)
			s.failAll(fmt.Errorf("reload tallies: %w", err))
			return
		}

		s.broadcast(snap)
	}
}

// drainNotifications absorbs notifications already queued behind the one
// that woke us, so one reload covers a burst of votes.
func (s *TallyStore) drainNotifications(ctx context.Context, conn *pgxpool.Conn) {
	deadline := time.Now().Add(notifyDebounce)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		drainCtx, cancel := context.WithTimeout(ctx, remaining)
		_, err := conn.Conn().WaitForNotification(drainCtx)
		cancel()
		if err != nil {
			return
		}
	}
}

// load reads the full tallies table. Negative counters (which the schema
// forbids, but a foreign writer could produce) decode as 0.
func (s *TallyStore) load(ctx context.Context) (domain.TallySnapshot, error) {
	rows, err := s.pool.Query(ctx, "SELECT address, likes, dislikes FROM tallies")
	if err != nil {
		return nil, fmt.Errorf("query tallies: %w", err)
	}
	defer rows.Close()

	snap := make(domain.TallySnapshot)
	for rows.Next() {
		var address string
		var t domain.Tally
		if err := rows.Scan(&address, &t.Likes, &t.Dislikes); err != nil {
			return nil, fmt.Errorf("scan tally: %w", err)
		}
		if t.Likes < 0 {
			t.Likes = 0
		}
		if t.Dislikes < 0 {
			t.Dislikes = 0
		}
		snap[address] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tallies: %w", err)
	}
	return snap, nil
}

func (s *TallyStore) broadcast(snap domain.TallySnapshot) {
	s.mu.Lock()
	s.latest = snap
	for sub := range s.subs {
		sub.Deliver(snap.Clone())
	}
	s.mu.Unlock()
}

func (s *TallyStore) failAll(err error) {
	s.mu.Lock()
	s.closed = true
	subs := s.subscribers()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Fail(err)
	}
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
