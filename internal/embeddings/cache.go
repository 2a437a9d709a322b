package embeddings

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes vectors per text in an expiring LRU. Keys combine the
// provider name, the canonical version and a hash of the text.
type Cached struct {
	Provider
	lru *expirable.LRU[string, []float32]
}

func NewCached(p Provider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1
	}
	return &Cached{Provider: p, lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *Cached) key(text string) string {
	return c.Name() + "/" + strconv.Itoa(CanonicalVersion) + "/" +
		strconv.Itoa(len(text)) + "/" + strconv.FormatUint(xxhash.Sum64String(text), 16)
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if v, ok := c.lru.Get(k); ok {
		return copyVector(v), nil
	}
	v, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(k, copyVector(v))
	return v, nil
}

// EmbedBatch only sends cache misses to the wrapped provider.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		if v, ok := c.lru.Get(c.key(t)); ok {
			out[i] = copyVector(v)
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.Provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vectors {
		out[slots[j]] = v
		c.lru.Add(c.key(missing[j]), copyVector(v))
	}
	return out, nil
}

// Len returns the number of cached vectors.
func (c *Cached) Len() int { return c.lru.Len() }

// Purge drops every cached vector.
func (c *Cached) Purge() { c.lru.Purge() }

func copyVector(v []float32) []float32 {
	return append([]float32(nil), v...)
}
