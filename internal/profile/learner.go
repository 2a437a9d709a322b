package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/cache"
	"github.com/fyrsmithlabs/discoverd/internal/logging"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("discoverd.profile")

const (
	// VectorRate scales the interaction weight into the vector step size.
	VectorRate = 0.1
	// MapDecay is the share of the old map weight kept on each update.
	MapDecay = 0.95
	// ThresholdDecay is the share of the old rating threshold kept.
	ThresholdDecay = 0.95
	// FullWatch is the watch duration that earns the full watch weight.
	FullWatch = 30 * time.Minute
)

// Weight returns the signed learning weight of an interaction. Watch
// weight scales with duration when it is known.
func Weight(in media.Interaction) float64 {
	switch in.Type {
	case media.InteractionLike:
		return 1.0
	case media.InteractionWatch:
		if in.Duration != nil {
			return 0.8 * math.Min(*in.Duration/FullWatch.Seconds(), 1)
		}
		return 0.8
	case media.InteractionView:
		return 0.3
	case media.InteractionSearch:
		return 0.2
	case media.InteractionSkip:
		return -0.5
	case media.InteractionDislike:
		return -1.0
	default:
		return 0
	}
}

// ItemEmbedder produces the vector of a catalog item.
type ItemEmbedder interface {
	EmbedItem(ctx context.Context, item media.Item) ([]float32, error)
}

// EventPublisher receives every learned interaction.
type EventPublisher interface {
	PublishInteraction(ctx context.Context, in media.Interaction, weight float64) error
}

// Learner applies interactions to profiles. Updates for one user are
// serialized; different users proceed in parallel.
type Learner struct {
	store       *Store
	embedder    ItemEmbedder
	history     *History
	locks       *keyedMutex
	invalidator cache.Invalidator
	publisher   EventPublisher
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Learner.
type Option func(*Learner)

func WithEmbedder(e ItemEmbedder) Option { return func(l *Learner) { l.embedder = e } }
func WithHistory(h *History) Option { return func(l *Learner) { l.history = h } }
func WithInvalidator(i cache.Invalidator) Option { return func(l *Learner) { l.invalidator = i } }
func WithPublisher(p EventPublisher) Option { return func(l *Learner) { l.publisher = p } }
func WithLogger(logger *zap.Logger) Option { return func(l *Learner) { l.logger = logger } }
func WithClock(now func() time.Time) Option { return func(l *Learner) { l.now = now } }

func NewLearner(store *Store, opts ...Option) *Learner {
	l := &Learner{
		store:       store,
		history:     NewHistory(50),
		locks:       newKeyedMutex(),
		invalidator: store.Cache(),
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Learn folds one interaction into the user's profile and returns the
// updated copy. item may be nil when the catalog has no record of the
// media; the weight maps are then left alone.
//
// Nothing is persisted when validation or the store write fails. Once
// the update starts it runs to completion even if ctx is canceled, and
// the user's cached reads are invalidated before Learn returns.
func (l *Learner) Learn(ctx context.Context, in media.Interaction, item *media.Item) (*Profile, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(in.UserID)
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "profile.learn", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.String("interaction.type", string(in.Type)),
	))
	defer span.End()

	current, err := l.store.Get(ctx, in.UserID)
	if errors.Is(err, ErrNotFound) {
		current = New(in.UserID)
	} else if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	w := Weight(in)
	emb := l.embeddingFor(ctx, in, item)
	next := current.Clone()
	apply(next, w, emb, item, l.now())

	if err := l.store.Save(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.history.Append(in.UserID, Entry{
		MediaID:   in.MediaID,
		Type:      in.Type,
		Weight:    w,
		Embedding: emb,
		At:        in.Timestamp,
	})
	if l.publisher != nil {
		if err := l.publisher.PublishInteraction(ctx, in, w); err != nil {
			l.logger.Warn("publishing interaction failed",
				append(logging.ContextFields(logging.WithUserID(ctx, in.UserID)), zap.Error(err))...)
		}
	}
	l.invalidator.InvalidateUser(in.UserID)

	span.SetAttributes(
		attribute.Float64("interaction.weight", w),
		attribute.Bool("vector.updated", emb != nil),
		attribute.Int("profile.interaction_count", next.InteractionCount),
	)
	l.logger.Debug("interaction learned",
		zap.String("user.id", in.UserID),
		zap.String("media.id", in.MediaID),
		zap.String("type", string(in.Type)),
		zap.Float64("weight", w),
		zap.Int("interaction_count", next.InteractionCount))
	return next, nil
}

// embeddingFor picks the interaction's own embedding, then the item's, then
// embeds the item text. It returns nil when none is usable.
func (l *Learner) embeddingFor(ctx context.Context, in media.Interaction, item *media.Item) []float32 {
	dim := l.store.Dimension()
	usable := func(v []float32, source string) []float32 {
		if len(v) == 0 {
			return nil
		}
		if len(v) != dim {
			l.logger.Warn("ignoring embedding with wrong dimension",
				zap.String("source", source),
				zap.Int("got", len(v)),
				zap.Int("want", dim))
			return nil
		}
		return v
	}

	if v := usable(in.Embedding, "interaction"); v != nil {
		return v
	}
	if item == nil {
		return nil
	}
	if v := usable(item.Embedding, "item"); v != nil {
		return v
	}
	if l.embedder == nil {
		return nil
	}
	v, err := l.embedder.EmbedItem(ctx, *item)
	if err != nil {
		l.logger.Warn("embedding unavailable, skipping vector update",
			append(logging.ContextFields(ctx), zap.String("media.id", item.ID), zap.Error(err))...)
		return nil
	}
	return usable(v, "embedder")
}

// apply mutates p in place.
func apply(p *Profile, w float64, emb []float32, item *media.Item, now time.Time) {
	if emb != nil {
		p.Vector = blend(p.Vector, emb, VectorRate*w)
	}
	if item != nil {
		for _, g := range item.Genres {
			decayInto(p.GenreWeights, g, w)
		}
		for _, pl := range item.Platforms {
			decayInto(p.PlatformWeights, pl, w)
		}
		if item.Type != "" {
			decayInto(p.ContentTypeWeights, string(item.Type), w)
		}
		if w > 0 && item.Rating > 0 {
			p.RatingThreshold = p.RatingThreshold*ThresholdDecay + item.Rating*(1-ThresholdDecay)
		}
	}
	p.InteractionCount++
	p.LastUpdated = now
}

// blend returns old*(1-alpha) + emb*alpha. A nil old counts as zero.
func blend(old, emb []float32, alpha float64) []float32 {
	out := make([]float32, len(emb))
	for i, e := range emb {
		var o float64
		if i < len(old) {
			o = float64(old[i])
		}
		out[i] = float32(o*(1-alpha) + float64(e)*alpha)
	}
	return out
}

func decayInto(m map[string]float64, key string, w float64) {
	v := m[key]*MapDecay + w*(1-MapDecay)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	m[key] = v
}

// Rebuild recomputes the user's vector by replaying the retained history
// from a zero vector. Weight maps and counters are unchanged.
func (l *Learner) Rebuild(ctx context.Context, userID string) (*Profile, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	current, err := l.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	var vec []float32
	for _, e := range l.history.Recent(userID) {
		if e.Embedding != nil {
			vec = blend(vec, e.Embedding, VectorRate*e.Weight)
		}
	}
	if vec == nil {
		// Nothing retained to replay; keep the stored vector.
		return current, nil
	}
	next := current.Clone()
	next.Vector = vec
	if err := l.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("rebuilding profile %s: %w", userID, err)
	}
	l.invalidator.InvalidateUser(userID)
	return next, nil
}

// Forget removes the user's profile, history and cached reads together.
func (l *Learner) Forget(ctx context.Context, userID string) (bool, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	ok, err := l.store.Delete(context.WithoutCancel(ctx), userID)
	if err != nil {
		return false, err
	}
	l.history.Forget(userID)
	l.invalidator.InvalidateUser(userID)
	return ok, nil
}
