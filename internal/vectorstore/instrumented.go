package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("discoverd.vectorstore")

var (
	opDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "discoverd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "op"},
	)

	opErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "discoverd",
			Subsystem: "vectorstore",
			Name:      "operation_errors_total",
			Help:      "Vector store operations that returned an error, by kind",
		},
		[]string{"backend", "op", "kind"},
	)

	searchResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "discoverd",
			Subsystem: "vectorstore",
			Name:      "search_results",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 500},
		},
		[]string{"backend"},
	)
)

// Instrumented wraps a Store with tracing spans and Prometheus metrics.
type Instrumented struct {
	Store
	backend string
}

// Instrument wraps s. backend labels the metrics (memory, chromem, qdrant).
func Instrument(s Store, backend string) *Instrumented {
	return &Instrumented{Store: s, backend: backend}
}

func (i *Instrumented) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	attrs = append(attrs, attribute.String("vectorstore.backend", i.backend))
	ctx, span := tracer.Start(ctx, "vectorstore."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (i *Instrumented) finish(span trace.Span, op string, began time.Time, err error) {
	opDuration.WithLabelValues(i.backend, op).Observe(time.Since(began).Seconds())
	if err != nil {
		opErrors.WithLabelValues(i.backend, op, errorKind(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "backend"
	}
}

func (i *Instrumented) Insert(ctx context.Context, id string, vector []float32, metadata Metadata) error {
	ctx, span, began := i.start(ctx, "insert", attribute.String("record.id", id), attribute.String("record.kind", string(metadata.Kind)))
	err := i.Store.Insert(ctx, id, vector, metadata)
	i.finish(span, "insert", began, err)
	return err
}

func (i *Instrumented) Get(ctx context.Context, id string) (Record, error) {
	ctx, span, began := i.start(ctx, "get", attribute.String("record.id", id))
	rec, err := i.Store.Get(ctx, id)
	i.finish(span, "get", began, err)
	return rec, err
}

func (i *Instrumented) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span, began := i.start(ctx, "delete", attribute.String("record.id", id))
	ok, err := i.Store.Delete(ctx, id)
	span.SetAttributes(attribute.Bool("record.deleted", ok))
	i.finish(span, "delete", began, err)
	return ok, err
}

func (i *Instrumented) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	ctx, span, began := i.start(ctx, "search", attribute.Int("search.k", req.K))
	results, err := i.Store.Search(ctx, req)
	if err == nil {
		span.SetAttributes(attribute.Int("search.results", len(results)))
		searchResults.WithLabelValues(i.backend).Observe(float64(len(results)))
	}
	i.finish(span, "search", began, err)
	return results, err
}

var _ Store = (*Instrumented)(nil)
