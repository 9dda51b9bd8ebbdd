package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/chat"
	"github.com/fyrsmithlabs/parley/internal/events"
	httpserver "github.com/fyrsmithlabs/parley/internal/http"
	"github.com/fyrsmithlabs/parley/internal/indexing"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/presence"
	"github.com/fyrsmithlabs/parley/internal/search"
	"github.com/fyrsmithlabs/parley/internal/transport/ws"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	Long: `Start the HTTP API and websocket endpoint.

SIGINT or SIGTERM stops the listener, closes websocket connections, drains
the indexing queue and closes the stores, bounded by server.shutdown_timeout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

// runServe wires every component and blocks until ctx is cancelled or the
// listener fails.
func runServe(ctx context.Context) error {
	deps, err := initDependencies(ctx)
	if err != nil {
		return err
	}
	cfg, logger := deps.cfg, deps.logger
	defer deps.Close(context.Background())

	m := metrics.New()

	publisher, err := events.Open(cfg.Events, logger.Named("events"))
	if err != nil {
		return fmt.Errorf("failed to connect event feed: %w", err)
	}

	pipeline := indexing.New(deps.provider, deps.index, indexing.Config{
		Workers:     cfg.Indexing.Workers,
		QueueSize:   cfg.Indexing.QueueSize,
		TaskTimeout: cfg.Indexing.TaskTimeout.Duration(),
		PointIDs:    indexing.PointIDPolicy(cfg.Indexing.PointIDs),
	}, logger.Named("indexing"), m)
	pipeline.Start(ctx)

	registry := presence.NewRegistry()
	router := chat.NewRouter(chat.Deps{
		Store:     deps.store,
		Registry:  registry,
		Indexer:   pipeline,
		Publisher: publisher,
		Logger:    logger.Named("chat"),
		Metrics:   m,
	}, chat.Config{MaxLength: cfg.Messages.MaxLength})

	searchSvc := search.New(deps.provider, deps.index, search.Config{
		DefaultTop: cfg.Search.DefaultTop,
		MaxTop:     cfg.Search.MaxTop,
	}, logger.Named("search"), m)

	hub := ws.NewHub(registry, router, ws.Config{AllowedOrigins: cfg.Server.AllowedOrigins}, logger.Named("ws"), m)

	srv, err := httpserver.NewServer(httpserver.Deps{
		Messages:  router,
		Search:    searchSvc,
		Users:     deps.store,
		Store:     deps.store,
		Websocket: hub,
		Metrics:   m,
		Meter:     deps.telemetry.Meter("github.com/fyrsmithlabs/parley/internal/http"),
	}, logger.Named("http"), &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HistoryLimit:   cfg.Messages.HistoryLimit,
		HistoryMax:     cfg.Messages.HistoryMax,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("parley started",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("version", version))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("http server stopped", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("websocket hub shutdown incomplete", zap.Error(err))
	}
	if err := pipeline.Stop(shutdownCtx); err != nil {
		logger.Warn("indexing queue not drained", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("event feed close failed", zap.Error(err))
	}

	logger.Info("parley stopped")
	return serveErr
}
