// Package config provides configuration loading for discoverd.
package config

import (
	"fmt"
	"time"
)

// Config is the full service configuration. Each top-level section maps to
// one env prefix: DISCOVERD_<SECTION>_<FIELD>.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Chromem     ChromemConfig     `koanf:"chromem"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	OpenAI      OpenAIConfig      `koanf:"openai"`
	TEI         TEIConfig         `koanf:"tei"`
	FastEmbed   FastEmbedConfig   `koanf:"fastembed"`
	Recommend   RecommendConfig   `koanf:"recommend"`
	Search      SearchConfig      `koanf:"search"`
	Profile     ProfileConfig     `koanf:"profile"`
	NATS        NATSConfig        `koanf:"nats"`
	Catalog     CatalogConfig     `koanf:"catalog"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	HTTPPort        int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	EnableMetrics   bool     `koanf:"enable_metrics"`
}

// LogConfig shapes the process logger. Redact adds field names to the
// built-in list whose values are masked.
type LogConfig struct {
	Level  string   `koanf:"level"`
	Format string   `koanf:"format"`
	Sample bool     `koanf:"sample"`
	Redact []string `koanf:"redact"`
}

// VectorStoreConfig selects and shapes the vector backend.
type VectorStoreConfig struct {
	Provider   string `koanf:"provider"` // memory, chromem, qdrant
	Dimension  int    `koanf:"dimension"`
	Metric     string `koanf:"metric"`
	Shards     int    `koanf:"shards"`
	Collection string `koanf:"collection"`
}

type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	APIKey         Secret `koanf:"api_key"`
	UseTLS         bool   `koanf:"use_tls"`
	MaxMessageSize int    `koanf:"max_message_size"`
}

// EmbeddingsConfig controls the provider chain and its resilience wrapper.
// Providers lists backends in fallback order.
type EmbeddingsConfig struct {
	Providers       []string `koanf:"providers"`
	MaxChars        int      `koanf:"max_chars"`
	BatchSize       int      `koanf:"batch_size"`
	Concurrency     int      `koanf:"concurrency"`
	Timeout         Duration `koanf:"timeout"`
	MaxAttempts     int      `koanf:"max_attempts"`
	RateLimit       float64  `koanf:"rate_limit"`
	Burst           int      `koanf:"burst"`
	CacheSize       int      `koanf:"cache_size"`
	CacheTTL        Duration `koanf:"cache_ttl"`
	BreakerFailures int      `koanf:"breaker_failures"`
	BreakerTimeout  Duration `koanf:"breaker_timeout"`
}

type OpenAIConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

type TEIConfig struct {
	URL string `koanf:"url"`
}

type FastEmbedConfig struct {
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
}

// RecommendConfig holds scoring weights and diversification constants.
type RecommendConfig struct {
	PersonalWeight     float64  `koanf:"personal_weight"`
	DiversityWeight    float64  `koanf:"diversity_weight"`
	RecencyWeight      float64  `koanf:"recency_weight"`
	PopularityWeight   float64  `koanf:"popularity_weight"`
	Limit              int      `koanf:"limit"`
	ColdStartThreshold int      `koanf:"cold_start_threshold"`
	DiversityBonus     float64  `koanf:"diversity_bonus"`
	ScoreOverride      float64  `koanf:"score_override"`
	MinFillFraction    float64  `koanf:"min_fill_fraction"`
	CacheTTL           Duration `koanf:"cache_ttl"`
}

type SearchConfig struct {
	HybridWeight float64  `koanf:"hybrid_weight"`
	Limit        int      `koanf:"limit"`
	CacheTTL     Duration `koanf:"cache_ttl"`
	CacheSize    int      `koanf:"cache_size"`
}

type ProfileConfig struct {
	HistorySize int      `koanf:"history_size"`
	CacheTTL    Duration `koanf:"cache_ttl"`
	CacheSize   int      `koanf:"cache_size"`
}

// NATSConfig configures the interaction event stream. An empty URL
// disables publishing.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// CatalogConfig points at a JSON catalog file loaded at startup. With
// IndexOnStart the items are embedded and written to the vector store.
type CatalogConfig struct {
	Path         string `koanf:"path"`
	IndexOnStart bool   `koanf:"index_on_start"`
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ShutdownTimeout: Duration(10 * time.Second),
			EnableMetrics:   true,
		},
		Log: LogConfig{Level: "info", Format: "json", Sample: true},
		VectorStore: VectorStoreConfig{
			Provider:   "memory",
			Dimension:  1536,
			Metric:     "cosine",
			Shards:     16,
			Collection: "media",
		},
		Chromem: ChromemConfig{Path: "data/chromem", Compress: true},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			MaxMessageSize: 50 * 1024 * 1024,
		},
		Embeddings: EmbeddingsConfig{
			Providers:       []string{"openai", "hash"},
			MaxChars:        8000,
			BatchSize:       64,
			Concurrency:     4,
			Timeout:         Duration(10 * time.Second),
			MaxAttempts:     3,
			RateLimit:       50,
			Burst:           10,
			CacheSize:       10000,
			CacheTTL:        Duration(24 * time.Hour),
			BreakerFailures: 5,
			BreakerTimeout:  Duration(30 * time.Second),
		},
		OpenAI:    OpenAIConfig{Model: "text-embedding-3-small"},
		TEI:       TEIConfig{URL: "http://localhost:8081"},
		FastEmbed: FastEmbedConfig{Model: "BAAI/bge-small-en-v1.5", CacheDir: "data/models"},
		Recommend: RecommendConfig{
			PersonalWeight:     0.6,
			DiversityWeight:    0.2,
			RecencyWeight:      0.1,
			PopularityWeight:   0.1,
			Limit:              20,
			ColdStartThreshold: 3,
			DiversityBonus:     0.2,
			ScoreOverride:      0.7,
			MinFillFraction:    0.5,
			CacheTTL:           Duration(15 * time.Minute),
		},
		Search: SearchConfig{
			HybridWeight: 0.5,
			Limit:        20,
			CacheTTL:     Duration(time.Hour),
			CacheSize:    1000,
		},
		Profile: ProfileConfig{
			HistorySize: 50,
			CacheTTL:    Duration(time.Hour),
			CacheSize:   10000,
		},
		NATS: NATSConfig{Subject: "discoverd.interactions"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "discoverd",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	switch c.VectorStore.Provider {
	case "memory", "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be memory, chromem or qdrant, got %q", c.VectorStore.Provider)
	}
	if c.VectorStore.Dimension <= 0 {
		return fmt.Errorf("vectorstore.dimension must be positive, got %d", c.VectorStore.Dimension)
	}
	if len(c.Embeddings.Providers) == 0 {
		return fmt.Errorf("embeddings.providers must list at least one provider")
	}
	if c.Embeddings.MaxChars <= 0 {
		return fmt.Errorf("embeddings.max_chars must be positive")
	}
	if c.Embeddings.MaxAttempts < 1 {
		return fmt.Errorf("embeddings.max_attempts must be at least 1")
	}
	if c.Search.HybridWeight < 0 || c.Search.HybridWeight > 1 {
		return fmt.Errorf("search.hybrid_weight must be in [0,1], got %f", c.Search.HybridWeight)
	}
	r := c.Recommend
	for name, w := range map[string]float64{
		"personal_weight":   r.PersonalWeight,
		"diversity_weight":  r.DiversityWeight,
		"recency_weight":    r.RecencyWeight,
		"popularity_weight": r.PopularityWeight,
	} {
		if w < 0 {
			return fmt.Errorf("recommend.%s must be non-negative, got %f", name, w)
		}
	}
	if r.MinFillFraction < 0 || r.MinFillFraction > 1 {
		return fmt.Errorf("recommend.min_fill_fraction must be in [0,1], got %f", r.MinFillFraction)
	}
	if c.Profile.HistorySize <= 0 {
		return fmt.Errorf("profile.history_size must be positive")
	}
	return nil
}
