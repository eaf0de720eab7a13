// Package catalog retrieves the external token catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"token-voteboard/internal/domain"
	"token-voteboard/internal/observability"
)

// DefaultTimeout bounds a single catalog round-trip.
const DefaultTimeout = 15 * time.Second

// Fetcher retrieves the current token catalog.
type Fetcher interface {
	// Fetch returns the current catalog. It never returns an error:
	// any transport, status, or decode failure is logged and yields an
	// empty catalog so tally display is never blocked on the fetch.
	Fetch(ctx context.Context) []domain.CatalogEntry
}

// HTTPFetcher implements Fetcher against a JSON token-list endpoint.
type HTTPFetcher struct {
	endpoint string
	client   *http.Client
	logger   *log.Logger
}

// FetcherOption configures HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithLogger sets the failure logger.
func WithLogger(logger *log.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// NewHTTPFetcher creates a fetcher for the given catalog endpoint.
func NewHTTPFetcher(endpoint string, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ Fetcher = (*HTTPFetcher)(nil)

// catalogToken mirrors one descriptor in the token-list JSON array.
type catalogToken struct {
	Address         string   `json:"address"`
	Name            string   `json:"name"`
	Symbol          string   `json:"symbol"`
	Decimals        int      `json:"decimals"`
	LogoURI         string   `json:"logoURI"`
	Tags            []string `json:"tags"`
	DailyVolume     float64  `json:"daily_volume"`
	FreezeAuthority *string  `json:"freeze_authority"`
	MintAuthority   *string  `json:"mint_authority"`
}

// Fetch performs one GET against the catalog endpoint.
func (f *HTTPFetcher) Fetch(ctx context.Context) []domain.CatalogEntry {
	entries, err := f.fetch(ctx)
	if err != nil {
		f.logger.Printf("catalog fetch failed, serving empty catalog: %v", err)
		observability.RecordCatalogFetch("failure")
		return nil
	}
	observability.RecordCatalogFetch("success")
	return entries
}

func (f *HTTPFetcher) fetch(ctx context.Context) ([]domain.CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("catalog endpoint returned status %d", resp.StatusCode)
	}

	var tokens []catalogToken
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	entries := make([]domain.CatalogEntry, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Address == "" {
			continue
		}
		entries = append(entries, domain.CatalogEntry{
			Address:         tok.Address,
			Name:            tok.Name,
			Symbol:          tok.Symbol,
			Decimals:        tok.Decimals,
			LogoURI:         tok.LogoURI,
			Tags:            tok.Tags,
			DailyVolume:     tok.DailyVolume,
			FreezeAuthority: tok.FreezeAuthority,
			MintAuthority:   tok.MintAuthority,
		})
	}
	return entries, nil
}
