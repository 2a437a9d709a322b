package vectorstore

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Kind distinguishes catalog items from user profiles sharing a store.
type Kind string

const (
	KindItem    Kind = "item"
	KindProfile Kind = "profile"
)

// Metadata is the typed payload stored with each vector. Extra holds
// open-ended catalog attributes that have no dedicated field.
type Metadata struct {
	Kind      Kind              `json:"kind,omitempty"`
	Title     string            `json:"title,omitempty"`
	MediaType string            `json:"media_type,omitempty"`
	Genres    []string          `json:"genres,omitempty"`
	Platforms []string          `json:"platforms,omitempty"`
	Rating    *float64          `json:"rating,omitempty"`
	Blob      json.RawMessage   `json:"blob,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	out.Genres = append([]string(nil), m.Genres...)
	out.Platforms = append([]string(nil), m.Platforms...)
	if m.Rating != nil {
		r := *m.Rating
		out.Rating = &r
	}
	if m.Blob != nil {
		out.Blob = append(json.RawMessage(nil), m.Blob...)
	}
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func encodeMetadata(m Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (Metadata, error) {
	var m Metadata
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return m, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// encodeVector packs v as little-endian float32 in base64. Backends that
// normalize on ingest keep this copy so Get returns the vector as written.
func encodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding vector: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("decoding vector: %d bytes is not a float32 multiple", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

func copyVector(v []float32) []float32 {
	return append([]float32(nil), v...)
}
