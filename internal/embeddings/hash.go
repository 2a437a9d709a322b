package embeddings

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
)

// HashProvider embeds text locally by feature hashing: each word and each
// character trigram of a word adds a signed weight to one bucket, and the
// result is L2-normalized. Equal texts always produce equal vectors, and
// texts sharing vocabulary land close together under cosine similarity.
//
// It needs no network or model files and is the last resort in a chain.
type HashProvider struct {
	dimension int
}

func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return &HashProvider{dimension: dimension}, nil
}

const (
	wordWeight    = 1.0
	trigramWeight = 0.5
)

func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkTexts([]string{text}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *HashProvider) vector(text string) []float32 {
	acc := make([]float32, p.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		p.add(acc, "w:"+w, wordWeight)
		padded := []rune("^" + w + "$")
		for i := 0; i+3 <= len(padded); i++ {
			p.add(acc, "t:"+string(padded[i:i+3]), trigramWeight)
		}
	}
	return vectorstore.Normalize(acc)
}

func (p *HashProvider) add(acc []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(p.dimension)
	if h>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}

func (p *HashProvider) Dimension() int { return p.dimension }
func (p *HashProvider) Name() string   { return "hash" }
func (p *HashProvider) Close() error   { return nil }
