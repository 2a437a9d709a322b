package recommend

import (
	"math"
	"slices"
	"strings"
)

// DiversityConfig tunes the greedy genre diversification pass. The
// defaults are empirical and can be overridden per deployment.
type DiversityConfig struct {
	// BonusThreshold is the minimum diversity bonus (1 - max genre overlap
	// with already selected items) for an item to be accepted.
	BonusThreshold float64
	// ScoreOverride accepts an item regardless of overlap when its
	// composite score reaches this value.
	ScoreOverride float64
	// MinFillFraction of the limit must be selected before the pass may
	// return a short list; below it the remaining items fill up to the limit.
	MinFillFraction float64
}

func DefaultDiversity() DiversityConfig {
	return DiversityConfig{BonusThreshold: 0.2, ScoreOverride: 0.7, MinFillFraction: 0.5}
}

// Diversify selects up to limit items from ranked, which must already be
// in composite order. It can return fewer than limit items when the
// greedy pass selects at least the minimum fill but less than the limit.
func Diversify(ranked []Ranked, limit int, cfg DiversityConfig) []Ranked {
	if limit <= 0 || len(ranked) == 0 {
		return ranked
	}

	selected := make([]Ranked, 0, min(limit, len(ranked)))
	taken := make([]bool, len(ranked))
	for i, r := range ranked {
		if len(selected) >= limit {
			break
		}
		bonus := 1 - maxOverlap(r, selected)
		if bonus >= cfg.BonusThreshold || r.Score >= cfg.ScoreOverride {
			selected = append(selected, r)
			taken[i] = true
		}
	}

	minFill := int(math.Ceil(float64(limit) * cfg.MinFillFraction))
	if len(selected) < minFill {
		for i, r := range ranked {
			if len(selected) >= limit {
				break
			}
			if !taken[i] {
				selected = append(selected, r)
			}
		}
	}

	slices.SortStableFunc(selected, byScore)
	return truncate(selected, limit)
}

func maxOverlap(r Ranked, selected []Ranked) float64 {
	var worst float64
	for _, s := range selected {
		if o := jaccard(r.Item.Genres, s.Item.Genres); o > worst {
			worst = o
		}
	}
	return worst
}

// jaccard compares genre sets case-insensitively. Two genre-less items do
// not overlap.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, g := range a {
		set[strings.ToLower(g)] = struct{}{}
	}
	union := len(set)
	inter := 0
	seen := make(map[string]struct{}, len(b))
	for _, g := range b {
		g = strings.ToLower(g)
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		if _, ok := set[g]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
