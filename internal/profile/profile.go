// Package profile maintains per-user preference profiles: a preference
// vector plus decayed genre, platform and content-type weights, updated
// incrementally from interactions by the Learner.
package profile

import (
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/goccy/go-json"
)

// ErrNotFound is returned for users without a stored profile.
var ErrNotFound = media.ErrNotFound

// DefaultRatingThreshold seeds new profiles.
const DefaultRatingThreshold = 7.0

// Profile is a user's learned preferences. Vector is nil until the first
// interaction that carried an embedding.
type Profile struct {
	UserID             string             `json:"userId"`
	Vector             []float32          `json:"-"`
	GenreWeights       map[string]float64 `json:"genreWeights"`
	PlatformWeights    map[string]float64 `json:"platformWeights"`
	ContentTypeWeights map[string]float64 `json:"contentTypeWeights"`
	RatingThreshold    float64            `json:"ratingThreshold"`
	InteractionCount   int                `json:"interactionCount"`
	LastUpdated        time.Time          `json:"lastUpdated"`
}

// New returns the neutral profile a user starts with.
func New(userID string) *Profile {
	return &Profile{
		UserID:             userID,
		GenreWeights:       map[string]float64{},
		PlatformWeights:    map[string]float64{},
		ContentTypeWeights: map[string]float64{},
		RatingThreshold:    DefaultRatingThreshold,
	}
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	out := *p
	if p.Vector != nil {
		out.Vector = append([]float32(nil), p.Vector...)
	}
	out.GenreWeights = maps.Clone(orEmpty(p.GenreWeights))
	out.PlatformWeights = maps.Clone(orEmpty(p.PlatformWeights))
	out.ContentTypeWeights = maps.Clone(orEmpty(p.ContentTypeWeights))
	return &out
}

// HasVector reports whether the preference vector carries any signal.
func (p *Profile) HasVector() bool {
	for _, x := range p.Vector {
		if x != 0 {
			return true
		}
	}
	return false
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// blob is the persisted layout stored alongside the vector.
type blob struct {
	GenreWeights       map[string]float64 `json:"genreWeights"`
	PlatformWeights    map[string]float64 `json:"platformWeights"`
	ContentTypeWeights map[string]float64 `json:"contentTypeWeights"`
	RatingThreshold    float64            `json:"ratingThreshold"`
	InteractionCount   int                `json:"interactionCount"`
	LastUpdated        string             `json:"lastUpdated"`
}

func encodeBlob(p *Profile) ([]byte, error) {
	for name, m := range map[string]map[string]float64{
		"genre":        p.GenreWeights,
		"platform":     p.PlatformWeights,
		"content type": p.ContentTypeWeights,
	} {
		for k, v := range m {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%s weight %q is not finite", name, k)
			}
		}
	}
	b := blob{
		GenreWeights:       orEmpty(p.GenreWeights),
		PlatformWeights:    orEmpty(p.PlatformWeights),
		ContentTypeWeights: orEmpty(p.ContentTypeWeights),
		RatingThreshold:    p.RatingThreshold,
		InteractionCount:   p.InteractionCount,
	}
	if !p.LastUpdated.IsZero() {
		b.LastUpdated = p.LastUpdated.UTC().Format(time.RFC3339)
	}
	return json.Marshal(b)
}

func decodeBlob(userID string, data []byte) (*Profile, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", userID, err)
	}
	p := New(userID)
	maps.Copy(p.GenreWeights, b.GenreWeights)
	maps.Copy(p.PlatformWeights, b.PlatformWeights)
	maps.Copy(p.ContentTypeWeights, b.ContentTypeWeights)
	p.RatingThreshold = b.RatingThreshold
	p.InteractionCount = b.InteractionCount
	if b.LastUpdated != "" {
		t, err := time.Parse(time.RFC3339, b.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("decoding profile %s: lastUpdated: %w", userID, err)
		}
		p.LastUpdated = t
	}
	return p, nil
}
