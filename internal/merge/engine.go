// Package merge joins the token catalog with live vote tallies into the
// view the presentation layer renders.
package merge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"token-voteboard/internal/catalog"
	"token-voteboard/internal/domain"
	"token-voteboard/internal/observability"
	"token-voteboard/internal/storage"
)

// DefaultVoteTimeout bounds a single fire-and-forget increment.
const DefaultVoteTimeout = 10 * time.Second

// Options contains configuration for creating an Engine.
type Options struct {
	Fetcher catalog.Fetcher
	Store   storage.TallyStore
	Logger  *log.Logger

	// OnChange runs after every view replacement and search change.
	// It is called from the engine's goroutines and must not block.
	OnChange func()

	// VoteTimeout bounds each increment dispatch. Default: DefaultVoteTimeout.
	VoteTimeout time.Duration
}

// Engine owns one session's view of the token board.
//
// The remote tally store is the single source of truth: votes dispatched
// through Like/Dislike come back only via the subscribed feed, never via
// local mutation. The catalog is fetched once per session, on the first
// tally delivery, and treated as session-stable. All state mutation is
// serialized through the single update goroutine plus one mutex for
// cross-goroutine readers.
type Engine struct {
	fetcher     catalog.Fetcher
	store       storage.TallyStore
	logger      *log.Logger
	onChange    func()
	voteTimeout time.Duration

	mu             sync.Mutex
	catalog        []domain.CatalogEntry
	catalogFetched bool
	entries        []domain.ViewEntry // full join, catalog input order
	derived        []domain.ViewEntry // filtered + sorted
	loading        bool
	search         string
	closed         bool

	sub  *storage.Subscription
	done chan struct{}
}

// New creates an engine. Start must be called to begin receiving tallies.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	voteTimeout := opts.VoteTimeout
	if voteTimeout == 0 {
		voteTimeout = DefaultVoteTimeout
	}
	return &Engine{
		fetcher:     opts.Fetcher,
		store:       opts.Store,
		logger:      logger,
		onChange:    opts.OnChange,
		voteTimeout: voteTimeout,
		loading:     true,
		done:        make(chan struct{}),
	}
}

// Start subscribes to the tally feed and runs the update loop until the
// feed ends or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to tallies: %w", err)
	}
	e.sub = sub
	observability.SessionStarted()
	go e.run(ctx)
	return nil
}

// Close releases the subscription and marks the session dead. Late
// snapshot or vote results arriving after Close are discarded. Safe to
// call multiple times.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.sub != nil {
		e.sub.Unsubscribe()
	}
}

// Done is closed when the update loop exits: after Close, or when the
// tally feed fails. Valid after Start.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Loading reports whether the first joined view has been produced yet.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Entries returns the current derived view: filtered by the search term,
// sorted descending by likes, ties in catalog input order.
func (e *Engine) Entries() []domain.ViewEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ViewEntry, len(e.derived))
	copy(out, e.derived)
	return out
}

// SetSearch updates the search term and recomputes the derived view.
func (e *Engine) SetSearch(term string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.search = term
	e.derived = Derive(e.entries, term)
	onChange := e.onChange
	e.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// Search returns the current search term.
func (e *Engine) Search() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.search
}

// Like dispatches one like increment for address. Fire-and-forget: the
// displayed count changes only when the feed delivers the new snapshot.
func (e *Engine) Like(address string) {
	e.vote(address, domain.VoteLikes)
}

// Dislike dispatches one dislike increment for address.
func (e *Engine) Dislike(address string) {
	e.vote(address, domain.VoteDislikes)
}

func (e *Engine) vote(address string, field domain.VoteField) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.voteTimeout)
		defer cancel()
		if err := e.store.Increment(ctx, address, field); err != nil {
			// Not retried and not surfaced per-vote: the user sees
			// only the absence of the expected tally change.
			e.logger.Printf("vote %s for %s not recorded: %v", field, address, err)
			observability.RecordVoteError()
			return
		}
		observability.RecordVote(string(field))
	}()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer observability.SessionEnded()

	for snap := range e.sub.Updates() {
		e.applySnapshot(ctx, snap)
	}
	if err := e.sub.Err(); err != nil {
		e.logger.Printf("tally feed ended: %v", err)
	}
}

func (e *Engine) applySnapshot(ctx context.Context, snap domain.TallySnapshot) {
	e.mu.Lock()
	fetched := e.catalogFetched
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	// Catalog is session-stable: fetched on the first delivery only.
	// Fetch outside the lock; it can take a network round-trip.
	var cat []domain.CatalogEntry
	if !fetched {
		cat = e.fetcher.Fetch(ctx)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !e.catalogFetched {
		e.catalog = cat
		e.catalogFetched = true
	}
	e.entries = join(e.catalog, snap)
	e.derived = Derive(e.entries, e.search)
	e.loading = false
	onChange := e.onChange
	e.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// join produces one ViewEntry per catalog entry in catalog order,
// defaulting counts to zero. Tallies for addresses absent from the
// catalog are never surfaced.
func join(cat []domain.CatalogEntry, snap domain.TallySnapshot) []domain.ViewEntry {
	entries := make([]domain.ViewEntry, 0, len(cat))
	for _, c := range cat {
		t := snap[c.Address]
		entries = append(entries, domain.ViewEntry{
			CatalogEntry: c,
			Likes:        t.Likes,
			Dislikes:     t.Dislikes,
		})
	}
	return entries
}

// Derive filters entries whose name or address contains the search term
// case-insensitively, then sorts descending by likes. The sort is stable:
// equal like counts keep their input order.
func Derive(entries []domain.ViewEntry, search string) []domain.ViewEntry {
	term := strings.ToLower(search)

	out := make([]domain.ViewEntry, 0, len(entries))
	for _, e := range entries {
		if term == "" ||
			strings.Contains(strings.ToLower(e.Name), term) ||
			strings.Contains(strings.ToLower(e.Address), term) {
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Likes > out[j].Likes
	})
	return out
}
