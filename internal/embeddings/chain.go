package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Chain tries providers in order and returns the first success. When all
// fail the error wraps ErrEmbeddingUnavailable together with every
// provider's error, so quota and auth failures stay visible to errors.Is.
type Chain struct {
	providers []Provider
	dimension int
	logger    *zap.Logger
}

// NewChain requires at least one provider, all of the same dimension.
func NewChain(logger *zap.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: chain needs at least one provider", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := providers[0].Dimension()
	for _, p := range providers[1:] {
		if p.Dimension() != dim {
			return nil, fmt.Errorf("%w: provider %s has dimension %d, %s has %d",
				ErrInvalidConfig, p.Name(), p.Dimension(), providers[0].Name(), dim)
		}
	}
	return &Chain{providers: providers, dimension: dim, logger: logger}, nil
}

func (c *Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkTexts([]string{text}); err != nil {
		return nil, err
	}
	return firstSuccess(ctx, c, func(p Provider) ([]float32, error) {
		v, err := p.Embed(ctx, text)
		if err == nil {
			err = checkDimensions(p.Name(), c.dimension, [][]float32{v})
		}
		return v, err
	})
}

func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	return firstSuccess(ctx, c, func(p Provider) ([][]float32, error) {
		vectors, err := p.EmbedBatch(ctx, texts)
		if err == nil {
			err = checkDimensions(p.Name(), c.dimension, vectors)
		}
		return vectors, err
	})
}

func firstSuccess[T any](ctx context.Context, c *Chain, fn func(Provider) (T, error)) (T, error) {
	var (
		zero T
		errs []error
	)
	for i, p := range c.providers {
		out, err := fn(p)
		if err == nil {
			if i > 0 {
				c.logger.Debug("embedding served by fallback provider",
					zap.String("provider", p.Name()),
					zap.Int("position", i))
			}
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		c.logger.Warn("embedding provider failed",
			zap.String("provider", p.Name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return zero, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, errors.Join(errs...))
}

func (c *Chain) Dimension() int { return c.dimension }

func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ">")
}

func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
