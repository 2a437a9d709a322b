// Package recommend ranks candidate media against a user's profile and
// diversifies the result by genre.
package recommend

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/profile"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
)

// ColdStartReason is the only reason given before a profile is trusted.
const ColdStartReason = "popular with other users"

// Weights scale the composite score terms. They need not sum to 1.
type Weights struct {
	Personal   float64 `json:"personal"`
	Diversity  float64 `json:"diversity"`
	Recency    float64 `json:"recency"`
	Popularity float64 `json:"popularity"`
}

func DefaultWeights() Weights {
	return Weights{Personal: 0.6, Diversity: 0.2, Recency: 0.1, Popularity: 0.1}
}

// Config holds the scorer defaults.
type Config struct {
	Weights   Weights
	Diversity DiversityConfig
	// Limit caps results when Options.Limit is unset.
	Limit int
	// ColdStartThreshold is the interaction count below which profiles are
	// not used for scoring.
	ColdStartThreshold int
}

func DefaultConfig() Config {
	return Config{
		Weights:            DefaultWeights(),
		Diversity:          DefaultDiversity(),
		Limit:              20,
		ColdStartThreshold: 3,
	}
}

// Options adjust a single Rank call.
type Options struct {
	Limit int `json:"limit,omitempty"`
	// Weights overrides Config.Weights when set.
	Weights *Weights `json:"weights,omitempty"`
	// NoDiversify returns the plain composite order.
	NoDiversify bool `json:"noDiversify,omitempty"`
}

// Breakdown holds the per-factor scores behind a composite.
type Breakdown struct {
	Personal float64 `json:"personal"`
	Genre    float64 `json:"genre"`
	Platform float64 `json:"platform"`
	Type     float64 `json:"type"`
	Rating   float64 `json:"rating"`
	Recency  float64 `json:"recency"`
}

// Ranked is one scored candidate.
type Ranked struct {
	Item       media.Item `json:"item"`
	Score      float64    `json:"score"`
	Breakdown  Breakdown  `json:"breakdown"`
	Reasons    []string   `json:"reasons"`
	Confidence float64    `json:"confidence"`
	ColdStart  bool       `json:"coldStart,omitempty"`
}

// CloneRanked deep-copies a ranking so cached results stay immutable.
func CloneRanked(rs []Ranked) []Ranked {
	if rs == nil {
		return nil
	}
	out := make([]Ranked, len(rs))
	for i, r := range rs {
		r.Item = r.Item.Clone()
		r.Reasons = slices.Clone(r.Reasons)
		out[i] = r
	}
	return out
}

// Scorer is stateless apart from its configuration and clock.
type Scorer struct {
	cfg Config
	now func() time.Time
}

func NewScorer(cfg Config) *Scorer {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	return &Scorer{cfg: cfg, now: time.Now}
}

// WithClock returns a copy of s that uses now for recency.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	out := *s
	out.now = now
	return &out
}

// Confidence grows with the interaction count: sigmoid(0.1*(count-20)).
func Confidence(interactionCount int) float64 {
	return 1 / (1 + math.Exp(-0.1*float64(interactionCount-20)))
}

// IsColdStart reports whether p is too thin to personalize with.
func (s *Scorer) IsColdStart(p *profile.Profile) bool {
	return p == nil || p.InteractionCount < s.cfg.ColdStartThreshold
}

// Rank scores candidates for p, which may be nil for unknown users.
func (s *Scorer) Rank(p *profile.Profile, candidates []media.Item, opts Options) []Ranked {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	if s.IsColdStart(p) {
		return coldStart(candidates, limit)
	}

	w := s.cfg.Weights
	if opts.Weights != nil {
		w = *opts.Weights
	}
	now := s.now()
	conf := Confidence(p.InteractionCount)

	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		b := breakdown(p, c, now)
		ranked[i] = Ranked{
			Item:       c,
			Score:      b.Personal*w.Personal + b.Genre*w.Diversity + b.Rating*w.Popularity + b.Recency*w.Recency,
			Breakdown:  b,
			Reasons:    reasons(p, c, b),
			Confidence: conf,
		}
	}
	slices.SortStableFunc(ranked, byScore)

	if opts.NoDiversify {
		return truncate(ranked, limit)
	}
	return Diversify(ranked, limit, s.cfg.Diversity)
}

func byScore(a, b Ranked) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	default:
		return 0
	}
}

func coldStart(candidates []media.Item, limit int) []Ranked {
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{
			Item:       c,
			Score:      c.Rating / 10,
			Breakdown:  Breakdown{Rating: c.Rating / 10},
			Reasons:    []string{ColdStartReason},
			Confidence: 0.5,
			ColdStart:  true,
		}
	}
	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		switch {
		case a.Item.Rating > b.Item.Rating:
			return -1
		case a.Item.Rating < b.Item.Rating:
			return 1
		default:
			return 0
		}
	})
	return truncate(ranked, limit)
}

func breakdown(p *profile.Profile, c media.Item, now time.Time) Breakdown {
	var b Breakdown
	if p.Vector != nil && len(p.Vector) == len(c.Embedding) {
		b.Personal = vectorstore.Cosine(p.Vector, c.Embedding)
	}

	if len(c.Genres) == 0 {
		b.Genre = 0.5
	} else {
		var sum float64
		for _, g := range c.Genres {
			sum += p.GenreWeights[g]
		}
		b.Genre = sum / float64(len(c.Genres))
	}

	// Only platforms the profile has weighed compete for the max, so a
	// disliked platform keeps its negative score even next to unknown ones.
	// With no weighed platform the score is 0.
	matched := false
	for _, pl := range c.Platforms {
		if w, ok := p.PlatformWeights[pl]; ok && (!matched || w > b.Platform) {
			b.Platform = w
			matched = true
		}
	}

	if w, ok := p.ContentTypeWeights[string(c.Type)]; ok {
		b.Type = w
	} else {
		b.Type = 0.5
	}

	b.Rating = c.Rating / 10

	if !c.ReleaseDate.IsZero() {
		ageDays := math.Max(now.Sub(c.ReleaseDate).Hours()/24, 0)
		b.Recency = math.Exp(-ageDays / 365)
	}
	return b
}

const maxReasons = 3

func reasons(p *profile.Profile, c media.Item, b Breakdown) []string {
	var out []string
	add := func(r string) {
		if len(out) < maxReasons {
			out = append(out, r)
		}
	}
	if b.Genre > 0.7 {
		add("matches your taste in " + strings.Join(topKeys(p.GenreWeights, c.Genres, 2), " and "))
	}
	if b.Personal > 0.8 {
		add("similar to titles you enjoyed")
	}
	if c.Rating > p.RatingThreshold {
		add(fmt.Sprintf("rated %.1f, above your usual %.1f", c.Rating, p.RatingThreshold))
	}
	if b.Platform > 0.7 {
		add("available on " + topKeys(p.PlatformWeights, c.Platforms, 1)[0])
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// topKeys returns up to n of keys ordered by descending weight.
func topKeys(weights map[string]float64, keys []string, n int) []string {
	sorted := slices.Clone(keys)
	slices.SortStableFunc(sorted, func(a, b string) int {
		switch {
		case weights[a] > weights[b]:
			return -1
		case weights[a] < weights[b]:
			return 1
		default:
			return 0
		}
	})
	return sorted[:min(n, len(sorted))]
}

func truncate(r []Ranked, limit int) []Ranked {
	if limit > 0 && len(r) > limit {
		return r[:limit]
	}
	return r
}
