package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billdora/billing-engine/api"
	"github.com/billdora/billing-engine/logger"
	"github.com/billdora/billing-engine/session"
	"github.com/billdora/billing-engine/store/sqlite"
)

var (
	servePort int
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if cmd.Flags().Changed("db") {
			cfg.Database.Path = serveDB
		}
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&serveDB, "db", "billdora.db", `SQLite database path (":memory:" for ephemeral)`)
}

func serve(ctx context.Context) error {
	log := logger.WithComponent("server")

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ctrl := session.NewController(store, logger.WithComponent("session"), controllerOptions(cfg))
	registry := api.NewSessionRegistry()

	reaper := api.NewSessionReaper(registry, logger.WithComponent("reaper"))
	reaper.TTL = cfg.Session.IdleTTL
	reaper.CheckInterval = cfg.Session.ReapInterval
	reaper.Start()
	defer reaper.Stop()

	handler := api.NewHandler(ctrl, store, registry, logger.WithComponent("api"))
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins, logger.WithComponent("http"))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("db", cfg.Database.Path).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
