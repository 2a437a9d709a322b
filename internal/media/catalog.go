package media

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Query filters a catalog listing. Zero-valued fields do not filter.
type Query struct {
	Text      string
	Type      Type
	Genres    []string
	Platforms []string
	MinRating float64
	Offset    int
	Limit     int
}

// Page is one window of catalog results and the total number of matches.
type Page struct {
	Items []Item
	Total int
}

// Catalog is the read side of the media catalog. Ingestion lives outside
// this service.
type Catalog interface {
	FindByID(ctx context.Context, id string) (Item, error)
	Search(ctx context.Context, q Query) (Page, error)
}

// MemoryCatalog is an in-process Catalog that keeps insertion order.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]Item
	order []string
}

func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]Item)}
	c.Put(items...)
	return c
}

// LoadCatalogFile reads a JSON array of items.
func LoadCatalogFile(path string) (*MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("catalog item %q: %w", it.ID, err)
		}
	}
	return NewMemoryCatalog(items...), nil
}

// Put adds or replaces items.
func (c *MemoryCatalog) Put(items ...Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range items {
		if _, ok := c.items[it.ID]; !ok {
			c.order = append(c.order, it.ID)
		}
		c.items[it.ID] = it.Clone()
	}
}

// All returns every item in insertion order.
func (c *MemoryCatalog) All() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id].Clone())
	}
	return out
}

func (c *MemoryCatalog) FindByID(_ context.Context, id string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	if !ok {
		return Item{}, fmt.Errorf("media item %q: %w", id, ErrNotFound)
	}
	return it.Clone(), nil
}

// Search matches Text case-insensitively against title, description and
// genres: an item matches when any query word appears in one of them.
func (c *MemoryCatalog) Search(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	words := strings.Fields(strings.ToLower(q.Text))

	c.mu.RLock()
	var matched []Item
	for _, id := range c.order {
		it := c.items[id]
		if q.matches(it, words) {
			matched = append(matched, it.Clone())
		}
	}
	c.mu.RUnlock()

	page := Page{Total: len(matched)}
	if q.Offset >= len(matched) {
		page.Items = []Item{}
		return page, nil
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	page.Items = matched[q.Offset:end]
	return page, nil
}

func (q Query) matches(it Item, words []string) bool {
	if q.Type != "" && it.Type != q.Type {
		return false
	}
	if it.Rating < q.MinRating {
		return false
	}
	for _, g := range q.Genres {
		if !containsFold(it.Genres, g) {
			return false
		}
	}
	for _, p := range q.Platforms {
		if !containsFold(it.Platforms, p) {
			return false
		}
	}
	if len(words) == 0 {
		return true
	}
	hay := strings.ToLower(it.Title + " " + it.Description + " " + strings.Join(it.Genres, " "))
	for _, w := range words {
		if strings.Contains(hay, w) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}

var _ Catalog = (*MemoryCatalog)(nil)
