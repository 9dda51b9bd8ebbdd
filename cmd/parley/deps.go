package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/config"
	"github.com/fyrsmithlabs/parley/internal/embeddings"
	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/store"
	"github.com/fyrsmithlabs/parley/internal/store/badgerstore"
	"github.com/fyrsmithlabs/parley/internal/store/postgres"
	"github.com/fyrsmithlabs/parley/internal/telemetry"
	"github.com/fyrsmithlabs/parley/internal/vectorstore"
)

// dependencies holds the infrastructure shared by every command.
type dependencies struct {
	cfg       *config.Config
	log       *logging.Logger
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	index     vectorstore.Index
	provider  embeddings.Provider
}

// loadConfig loads configuration and initializes the logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// initDependencies connects the primary store, the vector index and the
// embedding provider. The caller must call Close.
func initDependencies(ctx context.Context) (*dependencies, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d := &dependencies{cfg: cfg, log: log, logger: log.Underlying()}

	d.telemetry, err = telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	d.store, err = openStore(ctx, cfg, d.logger)
	if err != nil {
		d.Close(ctx)
		return nil, err
	}

	d.index, err = vectorstore.Open(cfg, d.logger.Named("vectorstore"))
	if err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	d.provider, err = embeddings.NewProvider(cfg.Embeddings, embeddings.Options{
		Meter:  d.telemetry.Meter("github.com/fyrsmithlabs/parley/internal/embeddings"),
		Logger: d.logger.Named("embeddings"),
	})
	if err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	d.logger.Info("dependencies initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Int("dimension", d.provider.Dimension()),
		zap.Bool("telemetry", d.telemetry.Enabled()))
	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{
			Path:     cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
		}, logger.Named("badger"))
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	case "postgres":
		dsn := cfg.Postgres.DSN.Value()
		if cfg.Postgres.AutoMigrate {
			if err := postgres.Migrate(ctx, dsn, postgres.MigrateUp); err != nil {
				return nil, fmt.Errorf("failed to migrate postgres: %w", err)
			}
		}
		s, err := postgres.New(ctx, postgres.Config{DSN: dsn, MaxConns: cfg.Postgres.MaxConns}, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases everything that was opened, in reverse order.
func (d *dependencies) Close(ctx context.Context) {
	var errs []error
	if d.provider != nil {
		errs = append(errs, d.provider.Close())
	}
	if d.index != nil {
		errs = append(errs, d.index.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.telemetry != nil {
		errs = append(errs, d.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("error releasing dependencies", zap.Error(err))
	}
	_ = d.log.Sync() // Best-effort sync
}
