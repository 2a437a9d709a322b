package profile

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/media"
)

// Entry is one learned interaction as replayed by Rebuild.
type Entry struct {
	MediaID   string
	Type      media.InteractionType
	Weight    float64
	Embedding []float32
	At        time.Time
}

// History keeps the most recent interactions per user, oldest first.
type History struct {
	mu    sync.RWMutex
	size  int
	users map[string][]Entry
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 50
	}
	return &History{size: size, users: make(map[string][]Entry)}
}

func (h *History) Append(userID string, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.users[userID], e)
	if over := len(entries) - h.size; over > 0 {
		entries = append([]Entry(nil), entries[over:]...)
	}
	h.users[userID] = entries
}

// Recent returns a copy of the user's retained entries, oldest first.
func (h *History) Recent(userID string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Entry(nil), h.users[userID]...)
}

func (h *History) Forget(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.users, userID)
}

// keyedMutex serializes work per key without a global lock. Entries are
// dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
