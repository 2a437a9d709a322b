package vectorstore

import (
	"fmt"
	"math"
	"strings"
)

// Metric selects how two vectors are compared. Every metric maps to a score
// where larger means more similar.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric maps a config string to a Metric. Empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricDot:
		return MetricDot, nil
	case MetricEuclidean, "euclid", "l2":
		return MetricEuclidean, nil
	case MetricManhattan, "l1":
		return MetricManhattan, nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, s)
}

// Score compares a and b, which must have equal length.
// Distance metrics are mapped to 1/(1+d).
func (m Metric) Score(a, b []float32) float64 {
	switch m {
	case MetricDot:
		return Dot(a, b)
	case MetricEuclidean:
		return 1 / (1 + EuclideanDistance(a, b))
	case MetricManhattan:
		return 1 / (1 + ManhattanDistance(a, b))
	default:
		return Cosine(a, b)
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either has
// zero magnitude.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func ManhattanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

// Magnitude returns the L2 norm of v.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Normalize returns v scaled to unit length. A zero vector is returned as a
// zero-valued copy.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	mag := Magnitude(v)
	if mag == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}

// Centroid returns the component-wise mean of vs. All vectors must share a
// length; nil is returned for an empty input.
func Centroid(vs [][]float32) []float32 {
	if len(vs) == 0 {
		return nil
	}
	sum := make([]float64, len(vs[0]))
	for _, v := range vs {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, len(sum))
	n := float64(len(vs))
	for i, s := range sum {
		out[i] = float32(s / n)
	}
	return out
}
