package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/media"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig shapes requests before they reach a provider.
type ServiceConfig struct {
	// MaxChars truncates longer inputs. Defaults to 8000.
	MaxChars int
	// BatchSize caps texts per provider call. Defaults to 64.
	BatchSize int
	// Concurrency caps in-flight batch calls. Defaults to 4.
	Concurrency int
}

// Service is the embedding entry point used by the rest of discoverd.
// Inputs are truncated, batches are split and issued concurrently, and
// every returned vector is checked against Dimension.
type Service struct {
	provider Provider
	cfg      ServiceConfig
	metrics  *Metrics
	logger   *zap.Logger
}

func NewService(p Provider, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Service{
		provider: p,
		cfg:      cfg,
		metrics:  NewMetrics(logger),
		logger:   logger,
	}
}

func (s *Service) truncate(ctx context.Context, text string) string {
	out := Truncate(text, s.cfg.MaxChars)
	if len(out) != len(text) {
		s.metrics.recordTruncated(ctx, 1)
		s.logger.Debug("embedding input truncated",
			zap.Int("chars", runeLen(text)),
			zap.Int("max_chars", s.cfg.MaxChars))
	}
	return out
}

// Embed embeds a single query text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := s.provider.Embed(ctx, s.truncate(ctx, text))
	if err == nil {
		err = checkDimensions(s.provider.Name(), s.Dimension(), [][]float32{v})
	}
	s.metrics.RecordGeneration(ctx, s.provider.Name(), "embed", time.Since(start), 1, err)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedBatch embeds documents. Results line up with texts.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	start := time.Now()
	in := make([]string, len(texts))
	for i, t := range texts {
		in[i] = s.truncate(ctx, t)
	}

	out := make([][]float32, len(in))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for off := 0; off < len(in); off += s.cfg.BatchSize {
		end := min(off+s.cfg.BatchSize, len(in))
		g.Go(func() error {
			vectors, err := s.provider.EmbedBatch(gctx, in[off:end])
			if err != nil {
				return err
			}
			if len(vectors) != end-off {
				return fmt.Errorf("%s returned %d vectors for %d texts", s.provider.Name(), len(vectors), end-off)
			}
			copy(out[off:end], vectors)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = checkDimensions(s.provider.Name(), s.Dimension(), out)
	}
	s.metrics.RecordGeneration(ctx, s.provider.Name(), "embed_batch", time.Since(start), len(in), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedItem embeds the canonical text of a catalog item.
func (s *Service) EmbedItem(ctx context.Context, item media.Item) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{ItemText(item)})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *Service) Dimension() int { return s.provider.Dimension() }
func (s *Service) Name() string   { return s.provider.Name() }
func (s *Service) Close() error   { return s.provider.Close() }

var _ Provider = (*Service)(nil)
