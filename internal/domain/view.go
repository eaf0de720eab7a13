package domain

// ViewEntry is the join of one CatalogEntry with its tally counts.
// It is derived wholesale on every snapshot or catalog refresh, never
// patched incrementally.
type ViewEntry struct {
	CatalogEntry
	Likes    int64
	Dislikes int64
}
