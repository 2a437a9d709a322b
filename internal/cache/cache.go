// Package cache provides the read caches sitting in front of the profile
// store and the ranking paths, with per-user invalidation across all of
// them.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "discoverd",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by namespace and result (hit, miss, stale_fill)",
		},
		[]string{"namespace", "result"},
	)
	invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "discoverd",
			Subsystem: "cache",
			Name:      "invalidated_entries_total",
			Help:      "Entries removed by per-user invalidation",
		},
		[]string{"namespace"},
	)
)

// Invalidator drops everything cached on behalf of a user.
type Invalidator interface {
	InvalidateUser(userID string)
}

const (
	sep = "\x00"
	// stripes bounds the generation table; owners sharing a stripe only
	// fence each other's fills more often than needed.
	stripes = 256
)

// Token records the invalidation state of an owner. Take one before
// reading the backing store and hand it to Fill afterwards.
type Token uint64

// Namespace is an expiring LRU whose entries are owned by a user, or by no
// one when owner is empty. Owned entries can be dropped together.
//
// Read-through fills are fenced by generation: InvalidateUser, Add and
// Purge advance the owner's generation, and Fill discards a value loaded
// under an older one.
type Namespace[V any] struct {
	name string
	lru  *expirable.LRU[string, V]

	mu    sync.Mutex
	epoch uint64
	gens  [stripes]uint64
}

// NewNamespace returns a namespace holding at most size entries for ttl.
// A zero ttl keeps entries until evicted by size.
func NewNamespace[V any](name string, size int, ttl time.Duration) *Namespace[V] {
	if size <= 0 {
		size = 1
	}
	return &Namespace[V]{name: name, lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func compose(owner, key string) string {
	return owner + sep + key
}

func stripe(owner string) int {
	return int(xxhash.Sum64String(owner) % stripes)
}

func (n *Namespace[V]) Name() string { return n.name }

func (n *Namespace[V]) Get(owner, key string) (V, bool) {
	v, ok := n.lru.Get(compose(owner, key))
	if ok {
		lookups.WithLabelValues(n.name, "hit").Inc()
	} else {
		lookups.WithLabelValues(n.name, "miss").Inc()
	}
	return v, ok
}

// Token returns owner's current generation. Both counters only grow, so
// their sum changes whenever either does.
func (n *Namespace[V]) Token(owner string) Token {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Token(n.epoch + n.gens[stripe(owner)])
}

// Fill stores v only if owner has not been invalidated since t was taken.
// It reports whether v was stored.
func (n *Namespace[V]) Fill(owner, key string, v V, t Token) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if Token(n.epoch+n.gens[stripe(owner)]) != t {
		lookups.WithLabelValues(n.name, "stale_fill").Inc()
		return false
	}
	n.lru.Add(compose(owner, key), v)
	return true
}

// Add stores v unconditionally and fences out fills of owner that started
// before it.
func (n *Namespace[V]) Add(owner, key string, v V) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gens[stripe(owner)]++
	n.lru.Add(compose(owner, key), v)
}

func (n *Namespace[V]) Remove(owner, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gens[stripe(owner)]++
	n.lru.Remove(compose(owner, key))
}

// InvalidateUser removes every entry owned by userID. Unowned entries are
// never touched.
func (n *Namespace[V]) InvalidateUser(userID string) {
	if userID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gens[stripe(userID)]++
	prefix := userID + sep
	removed := 0
	for _, k := range n.lru.Keys() {
		if strings.HasPrefix(k, prefix) && n.lru.Remove(k) {
			removed++
		}
	}
	if removed > 0 {
		invalidations.WithLabelValues(n.name).Add(float64(removed))
	}
}

// Purge drops every entry and fences out all fills in flight.
func (n *Namespace[V]) Purge() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch++
	n.lru.Purge()
}

func (n *Namespace[V]) Len() int { return n.lru.Len() }

// Group fans InvalidateUser out to every registered namespace. It returns
// only after all of them are done.
type Group struct {
	mu      sync.RWMutex
	members []Invalidator
}

func NewGroup(members ...Invalidator) *Group {
	return &Group{members: members}
}

func (g *Group) Register(members ...Invalidator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, members...)
}

func (g *Group) InvalidateUser(userID string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.members {
		m.InvalidateUser(userID)
	}
}

var _ Invalidator = (*Group)(nil)
