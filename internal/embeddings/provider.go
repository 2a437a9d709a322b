// Package embeddings turns text into fixed-dimension vectors.
//
// Backends (OpenAI through langchaingo, a TEI server, local FastEmbed ONNX
// models and a deterministic hashing fallback) implement Provider. A Chain
// tries them in order, Resilient bounds each with a timeout, retries, a
// circuit breaker and a rate limit, and Service adds truncation, caching
// and concurrent batching on top.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrEmbeddingUnavailable is returned when no backend could produce a
	// vector. It may wrap the more specific errors below.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrQuotaExceeded indicates the backend refused the request for quota
	// or billing reasons. Retrying will not help.
	ErrQuotaExceeded = errors.New("embedding quota exceeded")

	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = errors.New("embedding backend unauthorized")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDimensionMismatch is returned when a backend produces a vector of
	// the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrFastEmbedNotAvailable is returned when the binary was built
	// without cgo.
	ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei or openai provider instead)")
)

// Provider produces embeddings. EmbedBatch returns vectors in input order.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
	Close() error
}

// StatusError is an HTTP failure from a remote backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// classifyStatus maps an HTTP status to a sentinel where one applies.
func classifyStatus(code int, body string) error {
	se := &StatusError{Code: code, Body: body}
	lower := strings.ToLower(body)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, se)
	case code == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, se)
	case code == http.StatusTooManyRequests && (strings.Contains(lower, "quota") || strings.Contains(lower, "billing")):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, se)
	default:
		return se
	}
}

// permanent reports whether err should not be retried.
func permanent(err error) bool {
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrDimensionMismatch) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

func checkTexts(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: text %d is blank", ErrEmptyInput, i)
		}
	}
	return nil
}

func checkDimensions(name string, dim int, vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: %s returned %d values for input %d, want %d", ErrDimensionMismatch, name, len(v), i, dim)
		}
	}
	return nil
}

// modelDimensions lists models whose output size is fixed.
var modelDimensions = map[string]int{
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// ModelDimension returns the known output size for model.
func ModelDimension(model string) (int, bool) {
	d, ok := modelDimensions[model]
	return d, ok
}
