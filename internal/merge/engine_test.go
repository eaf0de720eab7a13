package merge

import (
	"context"
	"sync"
	"testing"
	"time"

	"token-voteboard/internal/domain"
	"token-voteboard/internal/storage/memory"
)

// stubFetcher returns a fixed catalog and counts fetch calls.
type stubFetcher struct {
	mu      sync.Mutex
	entries []domain.CatalogEntry
	calls   int
}

func (f *stubFetcher) Fetch(_ context.Context) []domain.CatalogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.entries
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func catalogEntries(addrs ...string) []domain.CatalogEntry {
	entries := make([]domain.CatalogEntry, 0, len(addrs))
	for _, a := range addrs {
		entries = append(entries, domain.CatalogEntry{Address: a, Name: "Token " + a})
	}
	return entries
}

func TestJoin_DefaultsMissingTalliesToZero(t *testing.T) {
	cat := catalogEntries("A", "B")
	snap := domain.TallySnapshot{"A": {Likes: 3, Dislikes: 1}}

	entries := join(cat, snap)

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Likes != 3 || entries[0].Dislikes != 1 {
		t.Errorf("entry A counts: got {%d,%d}, want {3,1}", entries[0].Likes, entries[0].Dislikes)
	}
	if entries[1].Likes != 0 || entries[1].Dislikes != 0 {
		t.Errorf("entry B counts: got {%d,%d}, want {0,0}", entries[1].Likes, entries[1].Dislikes)
	}
}

func TestJoin_NeverSurfacesTalliesWithoutCatalogEntry(t *testing.T) {
	cat := catalogEntries("A")
	snap := domain.TallySnapshot{
		"A":        {Likes: 1},
		"ORPHANED": {Likes: 99},
	}

	entries := join(cat, snap)

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Address != "A" {
		t.Errorf("expected only catalog address A, got %s", entries[0].Address)
	}
}

func TestDerive_SortDescendingByLikesStable(t *testing.T) {
	// likes [3,3,5,1]: the two 3s must keep their relative input order.
	entries := []domain.ViewEntry{
		{CatalogEntry: domain.CatalogEntry{Address: "first3"}, Likes: 3},
		{CatalogEntry: domain.CatalogEntry{Address: "second3"}, Likes: 3},
		{CatalogEntry: domain.CatalogEntry{Address: "five"}, Likes: 5},
		{CatalogEntry: domain.CatalogEntry{Address: "one"}, Likes: 1},
	}

	got := Derive(entries, "")

	want := []string{"five", "first3", "second3", "one"}
	for i, addr := range want {
		if got[i].Address != addr {
			t.Errorf("position %d: got %s, want %s", i, got[i].Address, addr)
		}
	}
}

func TestDerive_SearchMatchesNameOrAddressCaseInsensitive(t *testing.T) {
	entries := []domain.ViewEntry{
		{CatalogEntry: domain.CatalogEntry{Address: "A1", Name: "Foo Token"}},
		{CatalogEntry: domain.CatalogEntry{Address: "B2", Name: "Bar"}},
		{CatalogEntry: domain.CatalogEntry{Address: "xFOOx", Name: "Baz"}},
	}

	got := Derive(entries, "foo")

	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Name != "Foo Token" || got[1].Address != "xFOOx" {
		t.Errorf("unexpected matches: %+v", got)
	}
}

func TestDerive_EmptySearchReturnsAll(t *testing.T) {
	entries := []domain.ViewEntry{
		{CatalogEntry: domain.CatalogEntry{Address: "A"}},
		{CatalogEntry: domain.CatalogEntry{Address: "B"}},
	}

	if got := Derive(entries, ""); len(got) != 2 {
		t.Errorf("expected all entries for empty search, got %d", len(got))
	}
}

func TestDerive_Deterministic(t *testing.T) {
	entries := []domain.ViewEntry{
		{CatalogEntry: domain.CatalogEntry{Address: "A"}, Likes: 2},
		{CatalogEntry: domain.CatalogEntry{Address: "B"}, Likes: 2},
		{CatalogEntry: domain.CatalogEntry{Address: "C"}, Likes: 7},
	}

	first := Derive(entries, "")
	second := Derive(entries, "")

	if len(first) != len(second) {
		t.Fatalf("length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Address != second[i].Address {
			t.Errorf("position %d differs: %s vs %s", i, first[i].Address, second[i].Address)
		}
	}
}

func TestEngine_VoteRoundTrip(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: catalogEntries("A")}

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	// Initial empty snapshot joins to zero counts and clears loading.
	waitFor(t, func() bool { return !engine.Loading() }, "initial view produced")

	entries := engine.Entries()
	if len(entries) != 1 || entries[0].Likes != 0 || entries[0].Dislikes != 0 {
		t.Fatalf("unexpected initial view: %+v", entries)
	}

	// The count changes only via the subscribed feed.
	engine.Like("A")
	waitFor(t, func() bool {
		e := engine.Entries()
		return len(e) == 1 && e[0].Likes == 1 && e[0].Dislikes == 0
	}, "like reflected through feed")

	if engine.Loading() {
		t.Error("loading should remain false after updates")
	}
	if calls := fetcher.callCount(); calls != 1 {
		t.Errorf("catalog fetched %d times, want exactly 1 per session", calls)
	}
}

func TestEngine_CatalogFetchedOncePerSession(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: catalogEntries("A", "B")}

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	waitFor(t, func() bool { return !engine.Loading() }, "initial view produced")

	for i := 0; i < 5; i++ {
		engine.Dislike("B")
	}
	waitFor(t, func() bool {
		for _, e := range engine.Entries() {
			if e.Address == "B" && e.Dislikes == 5 {
				return true
			}
		}
		return false
	}, "all dislikes reflected")

	if calls := fetcher.callCount(); calls != 1 {
		t.Errorf("catalog fetched %d times across updates, want 1", calls)
	}
}

func TestEngine_FetchFailureDegradesToEmptyView(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: nil} // fetcher contract: failure yields nil

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	waitFor(t, func() bool { return !engine.Loading() }, "loading cleared despite fetch failure")

	if entries := engine.Entries(); len(entries) != 0 {
		t.Errorf("expected empty view on fetch failure, got %d entries", len(entries))
	}
}

func TestEngine_SearchNarrowsAndRestores(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: []domain.CatalogEntry{
		{Address: "A1", Name: "Foo Token"},
		{Address: "B2", Name: "Bar"},
	}}

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	waitFor(t, func() bool { return !engine.Loading() }, "initial view produced")

	engine.SetSearch("foo")
	entries := engine.Entries()
	if len(entries) != 1 || entries[0].Name != "Foo Token" {
		t.Fatalf("search %q: got %+v, want only Foo Token", "foo", entries)
	}

	engine.SetSearch("")
	if entries := engine.Entries(); len(entries) != 2 {
		t.Errorf("cleared search: got %d entries, want 2", len(entries))
	}
}

func TestEngine_SearchSurvivesSnapshotUpdates(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: []domain.CatalogEntry{
		{Address: "A1", Name: "Foo Token"},
		{Address: "B2", Name: "Bar"},
	}}

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	waitFor(t, func() bool { return !engine.Loading() }, "initial view produced")
	engine.SetSearch("foo")

	engine.Like("B2")
	waitFor(t, func() bool { return store.Snapshot()["B2"].Likes == 1 }, "vote stored")

	waitFor(t, func() bool {
		e := engine.Entries()
		return len(e) == 1 && e[0].Name == "Foo Token"
	}, "filter still applied after update")
}

func TestEngine_CloseDiscardsLateActivity(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: catalogEntries("A")}

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool { return !engine.Loading() }, "initial view produced")
	engine.Close()

	select {
	case <-engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("update loop did not exit after Close")
	}

	// Votes after teardown are dropped without touching the store.
	engine.Like("A")
	time.Sleep(20 * time.Millisecond)
	if got := store.Snapshot()["A"].Likes; got != 0 {
		t.Errorf("vote after Close reached store: likes=%d", got)
	}

	// A late store mutation must not panic or mutate the dead session.
	before := engine.Entries()
	if err := store.Increment(context.Background(), "A", domain.VoteLikes); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	after := engine.Entries()
	if len(before) != len(after) || (len(after) > 0 && after[0].Likes != before[0].Likes) {
		t.Errorf("closed session mutated: before=%+v after=%+v", before, after)
	}

	// Idempotent.
	engine.Close()
}

func TestEngine_FeedFailureHaltsSilently(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: catalogEntries("A")}

	engine := New(Options{Fetcher: fetcher, Store: store})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	waitFor(t, func() bool { return !engine.Loading() }, "initial view produced")

	store.Close()

	select {
	case <-engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("update loop did not exit after feed failure")
	}

	// Last good view is retained; no error state is modeled.
	if entries := engine.Entries(); len(entries) != 1 {
		t.Errorf("view lost after feed failure: %+v", entries)
	}
	if engine.Loading() {
		t.Error("loading must not revert to true on feed failure")
	}
}

func TestEngine_OnChangeFiresOnUpdatesAndSearch(t *testing.T) {
	store := memory.NewTallyStore()
	fetcher := &stubFetcher{entries: catalogEntries("A")}

	var mu sync.Mutex
	changes := 0
	engine := New(Options{
		Fetcher: fetcher,
		Store:   store,
		OnChange: func() {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changes >= 1
	}, "change fired for initial view")

	engine.SetSearch("a")
	mu.Lock()
	got := changes
	mu.Unlock()
	if got < 2 {
		t.Errorf("expected change signal for search update, got %d total", got)
	}
}
