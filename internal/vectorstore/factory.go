package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"go.uber.org/zap"
)

// NewStore builds the backend named by cfg.VectorStore.Provider and wraps
// it with instrumentation.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	vs := cfg.VectorStore
	metric, err := ParseMetric(vs.Metric)
	if err != nil {
		return nil, err
	}

	var store Store
	switch vs.Provider {
	case "", "memory":
		store, err = NewMemoryStore(MemoryConfig{
			Dimension: vs.Dimension,
			Metric:    metric,
			Shards:    vs.Shards,
		})
	case "chromem":
		store, err = NewChromemStore(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			Collection: vs.Collection,
			Dimension:  vs.Dimension,
			Metric:     metric,
		}, logger.Named("chromem"))
	case "qdrant":
		store, err = NewQdrantStore(ctx, QdrantConfig{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			APIKey:         cfg.Qdrant.APIKey.Value(),
			UseTLS:         cfg.Qdrant.UseTLS,
			MaxMessageSize: cfg.Qdrant.MaxMessageSize,
			Collection:     vs.Collection,
			Dimension:      vs.Dimension,
			Metric:         metric,
		}, logger.Named("qdrant"))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, vs.Provider)
	}
	if err != nil {
		return nil, err
	}

	if vs.Provider == "" {
		vs.Provider = "memory"
	}
	return Instrument(store, vs.Provider), nil
}
