// Package server exposes the merged token board over HTTP and websocket.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/mr-tron/base58"

	"token-voteboard/internal/catalog"
	"token-voteboard/internal/domain"
	"token-voteboard/internal/merge"
	"token-voteboard/internal/observability"
	"token-voteboard/internal/storage"
)

// solanaAddressLen is the decoded byte length of a token mint address.
const solanaAddressLen = 32

// Options contains configuration for creating a Server.
type Options struct {
	Fetcher catalog.Fetcher
	Store   storage.TallyStore
	Logger  *log.Logger
}

// Server serves the REST API and websocket sessions. It owns one shared
// long-lived merge session for REST reads; each websocket connection
// gets its own session.
type Server struct {
	fetcher catalog.Fetcher
	store   storage.TallyStore
	logger  *log.Logger
	shared  *merge.Engine
}

// New creates a Server. Start must be called before serving requests.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		fetcher: opts.Fetcher,
		store:   opts.Store,
		logger:  logger,
	}
}

// Start opens the shared merge session backing the REST endpoints.
func (s *Server) Start(ctx context.Context) error {
	s.shared = merge.New(merge.Options{
		Fetcher: s.fetcher,
		Store:   s.store,
		Logger:  s.logger,
	})
	return s.shared.Start(ctx)
}

// Close releases the shared merge session.
func (s *Server) Close() {
	if s.shared != nil {
		s.shared.Close()
	}
}

// Handler returns the full HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())

	mux.HandleFunc("GET /api/tokens", s.handleTokens)
	mux.HandleFunc("POST /api/tokens/{address}/like", s.handleVote(domain.VoteLikes))
	mux.HandleFunc("POST /api/tokens/{address}/dislike", s.handleVote(domain.VoteDislikes))
	mux.HandleFunc("GET /ws", s.handleWS)

	return withRequestID(withAccessLog(s.logger, mux))
}

// tokenJSON is the wire form of one view entry.
type tokenJSON struct {
	Address         string   `json:"address"`
	Name            string   `json:"name"`
	Symbol          string   `json:"symbol"`
	Decimals        int      `json:"decimals"`
	LogoURI         string   `json:"logoURI,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	DailyVolume     float64  `json:"daily_volume"`
	FreezeAuthority *string  `json:"freeze_authority"`
	MintAuthority   *string  `json:"mint_authority"`
	Likes           int64    `json:"likes"`
	Dislikes        int64    `json:"dislikes"`
}

// viewJSON is the wire form of the whole board.
type viewJSON struct {
	Loading bool        `json:"loading"`
	Tokens  []tokenJSON `json:"tokens"`
}

func toViewJSON(loading bool, entries []domain.ViewEntry) viewJSON {
	tokens := make([]tokenJSON, 0, len(entries))
	for _, e := range entries {
		tokens = append(tokens, tokenJSON{
			Address:         e.Address,
			Name:            e.Name,
			Symbol:          e.Symbol,
			Decimals:        e.Decimals,
			LogoURI:         e.LogoURI,
			Tags:            e.Tags,
			DailyVolume:     e.DailyVolume,
			FreezeAuthority: e.FreezeAuthority,
			MintAuthority:   e.MintAuthority,
			Likes:           e.Likes,
			Dislikes:        e.Dislikes,
		})
	}
	return viewJSON{Loading: loading, Tokens: tokens}
}

// handleTokens returns the derived view, optionally narrowed by ?search=.
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	entries := s.shared.Entries()
	if term := r.URL.Query().Get("search"); term != "" {
		entries = merge.Derive(entries, term)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toViewJSON(s.shared.Loading(), entries))
}

// handleVote dispatches one fire-and-forget increment and returns 202.
// The caller observes the effect only through the live feed.
func (s *Server) handleVote(field domain.VoteField) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if !validAddress(address) {
			http.Error(w, "invalid token address", http.StatusBadRequest)
			return
		}

		switch field {
		case domain.VoteLikes:
			s.shared.Like(address)
		case domain.VoteDislikes:
			s.shared.Dislike(address)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// validAddress checks that the address is base58 and decodes to the
// mint key length.
func validAddress(address string) bool {
	decoded, err := base58.Decode(address)
	return err == nil && len(decoded) == solanaAddressLen
}
