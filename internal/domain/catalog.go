package domain

// CatalogEntry represents one token descriptor from the external catalog.
// Entries are produced wholesale by a single fetch and never mutated;
// the next fetch supersedes the whole set.
type CatalogEntry struct {
	Address         string   // token mint address, unique within a snapshot
	Name            string   // display name
	Symbol          string   // ticker symbol
	Decimals        int      // token decimal precision
	LogoURI         string   // logo reference, may be unreachable
	Tags            []string // classification tags
	DailyVolume     float64  // 24h volume metric reported by the catalog
	FreezeAuthority *string  // freeze authority (nullable)
	MintAuthority   *string  // mint authority (nullable)
}
