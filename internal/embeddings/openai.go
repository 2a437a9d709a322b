package embeddings

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures the hosted OpenAI-compatible backend.
type OpenAIConfig struct {
	// BaseURL overrides the API endpoint. Empty uses api.openai.com.
	BaseURL string
	Model   string
	APIKey  string
	// Dimension is required for models missing from the known table.
	Dimension int
}

// OpenAIProvider embeds text with an OpenAI-compatible embeddings API.
type OpenAIProvider struct {
	embedder  *embeddings.EmbedderImpl
	model     string
	dimension int
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key required", ErrUnauthorized)
	}
	dim := cfg.Dimension
	if known, ok := ModelDimension(cfg.Model); ok {
		if dim != 0 && dim != known {
			return nil, fmt.Errorf("%w: model %s produces %d dimensions, configured %d", ErrInvalidConfig, cfg.Model, known, dim)
		}
		dim = known
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension required for model %s", ErrInvalidConfig, cfg.Model)
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIProvider{embedder: embedder, model: cfg.Model, dimension: dim}, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkTexts([]string{text}); err != nil {
		return nil, err
	}
	v, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return v, nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("openai returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func (p *OpenAIProvider) Dimension() int { return p.dimension }
func (p *OpenAIProvider) Name() string   { return "openai" }
func (p *OpenAIProvider) Close() error   { return nil }

// The langchaingo client reports HTTP failures only as formatted text.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

func classifyOpenAIError(err error) error {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return fmt.Errorf("openai: %w", err)
	}
	code, _ := strconv.Atoi(m[1])
	return fmt.Errorf("openai: %w", classifyStatus(code, err.Error()))
}
