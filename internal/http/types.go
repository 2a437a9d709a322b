package http

import (
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/profile"
	"github.com/fyrsmithlabs/discoverd/internal/recommend"
	"github.com/fyrsmithlabs/discoverd/internal/search"
)

// InteractionRequest is the body of POST /api/v1/users/:id/interactions.
// The user id comes from the path.
type InteractionRequest struct {
	MediaID    string                `json:"mediaId"`
	Type       media.InteractionType `json:"type"`
	Timestamp  *time.Time            `json:"timestamp,omitempty"`
	Duration   *float64              `json:"duration,omitempty"`
	Completion *float64              `json:"completion,omitempty"`
	Rating     *float64              `json:"rating,omitempty"`
	// Item optionally carries the catalog item so no lookup is needed.
	Item *media.Item `json:"item,omitempty"`
}

// ProfileResponse is the public view of a profile. The vector is
// summarized rather than returned.
type ProfileResponse struct {
	UserID             string             `json:"userId"`
	GenreWeights       map[string]float64 `json:"genreWeights"`
	PlatformWeights    map[string]float64 `json:"platformWeights"`
	ContentTypeWeights map[string]float64 `json:"contentTypeWeights"`
	RatingThreshold    float64            `json:"ratingThreshold"`
	InteractionCount   int                `json:"interactionCount"`
	LastUpdated        time.Time          `json:"lastUpdated"`
	HasVector          bool               `json:"hasVector"`
}

func newProfileResponse(p *profile.Profile) ProfileResponse {
	return ProfileResponse{
		UserID:             p.UserID,
		GenreWeights:       p.GenreWeights,
		PlatformWeights:    p.PlatformWeights,
		ContentTypeWeights: p.ContentTypeWeights,
		RatingThreshold:    p.RatingThreshold,
		InteractionCount:   p.InteractionCount,
		LastUpdated:        p.LastUpdated,
		HasVector:          p.HasVector(),
	}
}

// RecommendationRequest is the body of POST /api/v1/users/:id/recommendations.
// An empty candidate list ranks the whole catalog.
type RecommendationRequest struct {
	Candidates []string `json:"candidates,omitempty"`
	recommend.Options
}

type RecommendationResponse struct {
	Items []recommend.Ranked `json:"items"`
}

// SearchRequest is the body of POST /api/v1/search.
type SearchRequest struct {
	Query string `json:"query"`
	search.Options
}

// SearchResponse reports timings in milliseconds.
type SearchResponse struct {
	Items   []media.Item       `json:"items"`
	Scores  map[string]float64 `json:"scores"`
	Timings map[string]float64 `json:"timings"`
	Cached  bool               `json:"cached"`
}

func newSearchResponse(r *search.Result) SearchResponse {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return SearchResponse{
		Items:  r.Items,
		Scores: r.Scores,
		Timings: map[string]float64{
			"embedding": ms(r.Timings.Embedding),
			"semantic":  ms(r.Timings.Semantic),
			"keyword":   ms(r.Timings.Keyword),
			"merge":     ms(r.Timings.Merge),
			"total":     ms(r.Timings.Total),
		},
		Cached: r.Cached,
	}
}

// IndexRequest is the body of POST /api/v1/items.
type IndexRequest struct {
	Items []media.Item `json:"items"`
}

type IndexResponse struct {
	Indexed int `json:"indexed"`
}

// DeleteResponse is the body of DELETE /api/v1/users/:id/profile.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Counts   StatusCounts      `json:"counts"`
}

// StatusCounts reports store contents; -1 means unknown.
type StatusCounts struct {
	Records   int `json:"records"`
	Dimension int `json:"dimension"`
}

// ErrorResponse is written for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
