/*
serve.go - HTTP server startup

PURPOSE:
  Initializes and starts the claims adjudication server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, optional YAML file)
  2. Initialize SQLite store (serves as plan source, accumulator store,
     fund ledger and result store)
  3. Wire the adjudication pipeline with its event sinks
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./claims-server serve --db=./data/claims.db

  # Run with in-memory database
  ./claims-server serve --db=":memory:"

  # Run on different port with JSON logs
  ./claims-server serve --port=3000 --log-format=json

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian/claims-engine/api"
	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/engine"
	"github.com/meridian/claims-engine/logging"
	"github.com/meridian/claims-engine/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the adjudication HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	log := logging.Setup(cfg.LogFormat)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	resolver := benefit.NewResolver(store)
	events := engine.MultiSink{engine.NewLogSink(log)}
	pipeline := engine.NewPipeline(resolver, store, store, store, events, log)
	pipeline.RetryBudget = cfg.RetryBudget

	handler := api.NewHandler(pipeline, store, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
