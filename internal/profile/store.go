package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/cache"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"go.uber.org/zap"
)

// RecordID is the vector store id of a user's profile.
func RecordID(userID string) string {
	return "profile:" + userID
}

// Store persists profiles in the vector store, next to catalog items, and
// keeps a read-through cache in front of it.
type Store struct {
	vs     vectorstore.Store
	cache  *cache.Namespace[*Profile]
	logger *zap.Logger
}

func NewStore(vs vectorstore.Store, cacheSize int, cacheTTL time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		vs:     vs,
		cache:  cache.NewNamespace[*Profile]("profile", cacheSize, cacheTTL),
		logger: logger,
	}
}

// Cache exposes the profile namespace so it can join an invalidation group.
func (s *Store) Cache() *cache.Namespace[*Profile] { return s.cache }

// Dimension is the preference vector length.
func (s *Store) Dimension() int { return s.vs.Dimension() }

// Get returns a copy of the user's profile or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	if p, ok := s.cache.Get(userID, ""); ok {
		return p.Clone(), nil
	}
	tok := s.cache.Token(userID)
	rec, err := s.vs.Get(ctx, RecordID(userID))
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	if rec.Metadata.Kind != vectorstore.KindProfile {
		return nil, fmt.Errorf("record %s is a %q, not a profile", rec.ID, rec.Metadata.Kind)
	}
	p, err := decodeBlob(userID, rec.Metadata.Blob)
	if err != nil {
		return nil, err
	}
	p.Vector = rec.Vector
	if !p.HasVector() {
		p.Vector = nil
	}
	s.cache.Fill(userID, "", p.Clone(), tok)
	return p, nil
}

// Save writes p. A profile without a vector is stored with a zero vector.
func (s *Store) Save(ctx context.Context, p *Profile) error {
	data, err := encodeBlob(p)
	if err != nil {
		return fmt.Errorf("encoding profile %s: %w", p.UserID, err)
	}
	vec := p.Vector
	if vec == nil {
		vec = make([]float32, s.vs.Dimension())
	}
	meta := vectorstore.Metadata{Kind: vectorstore.KindProfile, Blob: data}
	if err := s.vs.Insert(ctx, RecordID(p.UserID), vec, meta); err != nil {
		s.cache.Remove(p.UserID, "")
		return fmt.Errorf("saving profile %s: %w", p.UserID, err)
	}
	s.cache.Add(p.UserID, "", p.Clone())
	return nil
}

// Delete removes the stored profile and its cached copy. It reports
// whether a stored profile existed.
func (s *Store) Delete(ctx context.Context, userID string) (bool, error) {
	s.cache.Remove(userID, "")
	ok, err := s.vs.Delete(ctx, RecordID(userID))
	if err != nil {
		return false, fmt.Errorf("deleting profile %s: %w", userID, err)
	}
	// Fences out readers that loaded the record before it was deleted.
	s.cache.Remove(userID, "")
	s.logger.Info("profile deleted", zap.String("user.id", userID), zap.Bool("existed", ok))
	return ok, nil
}
