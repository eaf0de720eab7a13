// Package main runs the token vote board service: catalog fetch, live
// tally subscription, merge sessions, and the HTTP/websocket surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"token-voteboard/internal/catalog"
	"token-voteboard/internal/server"
	"token-voteboard/internal/storage"
	"token-voteboard/internal/storage/memory"
	pgstore "token-voteboard/internal/storage/postgres"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Parse flags (env vars as defaults)
	httpAddr := flag.String("http-addr", envOr("HTTP_ADDR", ":8080"), "HTTP listen address")
	catalogURL := flag.String("catalog-url", os.Getenv("CATALOG_URL"), "Token catalog endpoint URL")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory tally storage instead of PostgreSQL")
	fetchTimeout := flag.Duration("fetch-timeout", catalog.DefaultTimeout, "Catalog fetch timeout")

	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if *catalogURL == "" {
		logger.Fatal("--catalog-url is required")
	}
	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := createStore(ctx, *postgresDSN, *useMemory, logger)
	if err != nil {
		logger.Fatalf("Failed to create tally store: %v", err)
	}
	defer cleanup()

	fetcher := catalog.NewHTTPFetcher(*catalogURL,
		catalog.WithTimeout(*fetchTimeout),
		catalog.WithLogger(logger),
	)

	srv := server.New(server.Options{
		Fetcher: fetcher,
		Store:   store,
		Logger:  logger,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Fatalf("Failed to start server session: %v", err)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: srv.Handler(),
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-shutdownCtx.Done():
		}
	}()

	logger.Printf("Listening on %s", *httpAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("HTTP server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStore selects the tally store backend.
func createStore(ctx context.Context, postgresDSN string, useMemory bool, logger *log.Logger) (storage.TallyStore, func(), error) {
	if useMemory {
		store := memory.NewTallyStore()
		return store, store.Close, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, err
	}

	store := pgstore.NewTallyStore(pool, logger)
	if err := store.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		store.Close()
		pool.Close()
	}
	return store, cleanup, nil
}

// envOr returns the env value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
