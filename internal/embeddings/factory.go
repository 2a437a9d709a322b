package embeddings

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"go.uber.org/zap"
)

// New builds the configured provider chain: each remote backend wrapped in
// Resilient, the chain wrapped in Cached, all behind a Service.
//
// A backend that cannot start for lack of credentials or cgo is skipped
// with a warning; any other construction error is returned.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ec := cfg.Embeddings
	dim := cfg.VectorStore.Dimension
	rc := ResilientConfig{
		Timeout:         ec.Timeout.Duration(),
		MaxAttempts:     ec.MaxAttempts,
		RateLimit:       ec.RateLimit,
		Burst:           ec.Burst,
		BreakerFailures: uint32(max(ec.BreakerFailures, 0)),
		BreakerTimeout:  ec.BreakerTimeout.Duration(),
	}

	var providers []Provider
	for _, name := range ec.Providers {
		p, err := newBackend(name, cfg, dim)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrFastEmbedNotAvailable) {
			logger.Warn("skipping embedding provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		if err != nil {
			closeAll(providers)
			return nil, fmt.Errorf("embedding provider %s: %w", name, err)
		}
		if p.Dimension() != dim {
			closeAll(append(providers, p))
			return nil, fmt.Errorf("%w: provider %s produces %d dimensions, vector store expects %d",
				ErrInvalidConfig, name, p.Dimension(), dim)
		}
		if name != "hash" {
			p = NewResilient(p, rc, logger.Named(name))
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no usable embedding provider in %v", ErrInvalidConfig, ec.Providers)
	}

	chain, err := NewChain(logger.Named("chain"), providers...)
	if err != nil {
		closeAll(providers)
		return nil, err
	}
	var p Provider = chain
	if ec.CacheSize > 0 {
		p = NewCached(chain, ec.CacheSize, ec.CacheTTL.Duration())
	}
	return NewService(p, ServiceConfig{
		MaxChars:    ec.MaxChars,
		BatchSize:   ec.BatchSize,
		Concurrency: ec.Concurrency,
	}, logger), nil
}

func newBackend(name string, cfg *config.Config, dim int) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.Model,
			APIKey:    cfg.OpenAI.APIKey.Value(),
			Dimension: dim,
		})
	case "tei":
		return NewTEIProvider(TEIConfig{BaseURL: cfg.TEI.URL, Dimension: dim})
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.FastEmbed.Model,
			CacheDir: cfg.FastEmbed.CacheDir,
		})
	case "hash":
		return NewHashProvider(dim)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, name)
	}
}

func closeAll(ps []Provider) {
	for _, p := range ps {
		_ = p.Close()
	}
}
