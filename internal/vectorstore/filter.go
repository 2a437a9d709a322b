package vectorstore

import (
	"slices"
	"strings"
)

// Filter is a conjunction over metadata. Empty fields are ignored.
// Every value in Genres and Platforms must be a member of the record's
// list, compared case-insensitively. MinRating admits only records that
// carry a rating at or above it.
type Filter struct {
	Kind      Kind
	MediaType string
	Genres    []string
	Platforms []string
	MinRating *float64
	Extra     map[string]string
}

// IsEmpty reports whether the filter matches every record.
func (f Filter) IsEmpty() bool {
	return f.Kind == "" && f.MediaType == "" && len(f.Genres) == 0 && len(f.Platforms) == 0 &&
		f.MinRating == nil && len(f.Extra) == 0
}

// Matches reports whether m satisfies every set field of f.
func (f Filter) Matches(m Metadata) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.MediaType != "" && m.MediaType != f.MediaType {
		return false
	}
	if !containsAllFold(m.Genres, f.Genres) || !containsAllFold(m.Platforms, f.Platforms) {
		return false
	}
	if f.MinRating != nil && (m.Rating == nil || *m.Rating < *f.MinRating) {
		return false
	}
	for k, v := range f.Extra {
		if m.Extra[k] != v {
			return false
		}
	}
	return true
}

func containsAllFold(have, want []string) bool {
	for _, w := range want {
		if !slices.ContainsFunc(have, func(h string) bool { return strings.EqualFold(h, w) }) {
			return false
		}
	}
	return true
}

// Flat key layout shared by backends that filter on string maps.
const (
	flatKind      = "kind"
	flatMediaType = "media_type"
	flatGenre     = "genre:"
	flatPlatform  = "platform:"
	flatExtra     = "extra:"
	flatPresent   = "1"
)

// flatten renders m as string pairs that equality filters can match.
func flatten(m Metadata) map[string]string {
	out := make(map[string]string, 2+len(m.Genres)+len(m.Platforms)+len(m.Extra))
	if m.Kind != "" {
		out[flatKind] = string(m.Kind)
	}
	if m.MediaType != "" {
		out[flatMediaType] = m.MediaType
	}
	for _, g := range m.Genres {
		out[flatGenre+strings.ToLower(g)] = flatPresent
	}
	for _, p := range m.Platforms {
		out[flatPlatform+strings.ToLower(p)] = flatPresent
	}
	for k, v := range m.Extra {
		out[flatExtra+k] = v
	}
	return out
}

// flat renders the equality part of f in the same layout as flatten.
// MinRating has no equality form; callers check it with Matches.
func (f Filter) flat() map[string]string {
	if f.IsEmpty() {
		return nil
	}
	out := make(map[string]string, 2+len(f.Genres)+len(f.Platforms)+len(f.Extra))
	if f.Kind != "" {
		out[flatKind] = string(f.Kind)
	}
	if f.MediaType != "" {
		out[flatMediaType] = f.MediaType
	}
	for _, g := range f.Genres {
		out[flatGenre+strings.ToLower(g)] = flatPresent
	}
	for _, p := range f.Platforms {
		out[flatPlatform+strings.ToLower(p)] = flatPresent
	}
	for k, v := range f.Extra {
		out[flatExtra+k] = v
	}
	return out
}
