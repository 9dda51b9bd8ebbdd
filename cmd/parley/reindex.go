package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/indexing"
	"github.com/fyrsmithlabs/parley/internal/model"
)

var (
	reindexBatch    int
	reindexDryRun   bool
	reindexPointIDs string
)

func init() {
	reindexCmd.Flags().IntVar(&reindexBatch, "batch", 100, "log progress every N messages")
	reindexCmd.Flags().BoolVar(&reindexDryRun, "dry-run", false, "count messages without embedding or writing")
	reindexCmd.Flags().StringVar(&reindexPointIDs, "point-ids", "", "override indexing.point_ids (random or message)")
	rootCmd.AddCommand(reindexCmd)
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Index every stored message into the vector store",
	Long: `Walk the primary store oldest first and index each message synchronously.

With the default random point ids every run adds new points; use
--point-ids=message to overwrite instead.

Examples:
  # Backfill after switching vector stores
  parley reindex --point-ids=message

  # See how many messages would be indexed
  parley reindex --dry-run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runReindex(ctx, cmd)
	},
}

// reindexStats counts one run.
type reindexStats struct {
	seen    int
	indexed int
	failed  int
}

// indexer is the part of the pipeline reindex needs.
type indexer interface {
	IndexNow(ctx context.Context, msg model.Message) error
}

func runReindex(ctx context.Context, cmd *cobra.Command) error {
	deps, err := initDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(context.Background())

	policy := deps.cfg.Indexing.PointIDs
	if reindexPointIDs != "" {
		policy = reindexPointIDs
	}
	if policy != string(indexing.PointIDRandom) && policy != string(indexing.PointIDMessage) {
		return fmt.Errorf("invalid point id policy %q", policy)
	}

	pipeline := indexing.New(deps.provider, deps.index, indexing.Config{
		TaskTimeout: deps.cfg.Indexing.TaskTimeout.Duration(),
		PointIDs:    indexing.PointIDPolicy(policy),
	}, deps.logger.Named("indexing"), nil)

	stats, err := reindex(ctx, deps.store.EachMessage, pipeline, deps.logger, reindexBatch, reindexDryRun)
	fmt.Fprintf(cmd.OutOrStdout(), "messages: %d, indexed: %d, failed: %d\n", stats.seen, stats.indexed, stats.failed)
	return err
}

// reindex feeds every message from each to idx. Individual failures are
// logged and counted; iteration stops only on store errors or ctx.
func reindex(
	ctx context.Context,
	each func(context.Context, func(model.Message) error) error,
	idx indexer,
	logger *zap.Logger,
	batch int,
	dryRun bool,
) (reindexStats, error) {
	var stats reindexStats
	if batch < 1 {
		batch = 100
	}

	err := each(ctx, func(msg model.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.seen++
		if !dryRun {
			if err := idx.IndexNow(ctx, msg); err != nil {
				stats.failed++
				logger.Warn("failed to index message", zap.String("message_id", msg.ID), zap.Error(err))
			} else {
				stats.indexed++
			}
		}
		if stats.seen%batch == 0 {
			logger.Info("reindex progress",
				zap.Int("seen", stats.seen),
				zap.Int("indexed", stats.indexed),
				zap.Int("failed", stats.failed))
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("reading messages: %w", err)
	}

	logger.Info("reindex complete",
		zap.Int("seen", stats.seen),
		zap.Int("indexed", stats.indexed),
		zap.Int("failed", stats.failed),
		zap.Bool("dry_run", dryRun))
	return stats, nil
}
