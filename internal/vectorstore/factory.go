package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/config"
)

// Open constructs the configured index.
func Open(cfg *config.Config, logger *zap.Logger) (Index, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant":
		host, port, useTLS, err := cfg.Qdrant.Endpoint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return NewQdrantIndex(QdrantConfig{
			Host:            host,
			Port:            port,
			APIKey:          cfg.Qdrant.APIKey.Value(),
			UseTLS:          useTLS,
			Collection:      cfg.VectorStore.Collection,
			Timeout:         cfg.Qdrant.Timeout.Duration(),
			MaxRetries:      cfg.Qdrant.MaxRetries,
			BreakerFailures: cfg.Qdrant.BreakerFailures,
			BreakerTimeout:  cfg.Qdrant.BreakerTimeout.Duration(),
		}, logger)
	case "chromem":
		return NewChromemIndex(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			Collection: cfg.VectorStore.Collection,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.VectorStore.Provider)
	}
}
