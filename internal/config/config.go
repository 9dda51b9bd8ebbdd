// Package config provides configuration loading for parley.
//
// Values come from built-in defaults, an optional YAML file and environment
// variables, in increasing order of precedence. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Config holds the complete parley configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Messages    MessagesConfig    `koanf:"messages"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Store       StoreConfig       `koanf:"store"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Badger      BadgerConfig      `koanf:"badger"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Chromem     ChromemConfig     `koanf:"chromem"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Indexing    IndexingConfig    `koanf:"indexing"`
	Search      SearchConfig      `koanf:"search"`
	Events      EventsConfig      `koanf:"events"`
}

// ServerConfig holds HTTP and websocket listener settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	AllowedOrigins  []string `koanf:"allowed_origins"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// MessagesConfig bounds message bodies and history queries.
type MessagesConfig struct {
	MaxLength    int `koanf:"max_length"`
	HistoryLimit int `koanf:"history_limit"`
	HistoryMax   int `koanf:"history_max"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// StoreConfig selects the primary message store.
type StoreConfig struct {
	Driver string `koanf:"driver"` // badger or postgres
}

// PostgresConfig holds the pgx pool settings.
type PostgresConfig struct {
	DSN         Secret `koanf:"dsn"`
	MaxConns    int32  `koanf:"max_conns"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// BadgerConfig holds embedded store settings.
type BadgerConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	Provider   string `koanf:"provider"` // qdrant or chromem
	Collection string `koanf:"collection"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	URL             string   `koanf:"url"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	APIKey          Secret   `koanf:"api_key"`
	UseTLS          bool     `koanf:"use_tls"`
	Timeout         Duration `koanf:"timeout"`
	MaxRetries      int      `koanf:"max_retries"`
	BreakerFailures uint32   `koanf:"breaker_failures"`
	BreakerTimeout  Duration `koanf:"breaker_timeout"`
}

// ChromemConfig holds embedded vector store settings.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string   `koanf:"provider"` // openai, googleai, tei or fastembed
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Dimension int      `koanf:"dimension"`
	CacheDir  string   `koanf:"cache_dir"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst     int      `koanf:"burst"`
}

// IndexingConfig sizes the background indexing pipeline.
type IndexingConfig struct {
	Workers     int      `koanf:"workers"`
	QueueSize   int      `koanf:"queue_size"`
	TaskTimeout Duration `koanf:"task_timeout"`
	PointIDs    string   `koanf:"point_ids"` // random or message
}

// SearchConfig bounds semantic search.
type SearchConfig struct {
	DefaultTop int `koanf:"default_top"`
	MaxTop     int `koanf:"max_top"`
}

// EventsConfig configures the optional NATS event feed.
type EventsConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Endpoint returns host, port and TLS flag for the Qdrant gRPC client.
// When URL is set, its host and scheme win over Host and UseTLS. The gRPC
// port is always Port since the REST port in a URL is not usable here.
func (q QdrantConfig) Endpoint() (host string, port int, useTLS bool, err error) {
	if q.URL == "" {
		return q.Host, q.Port, q.UseTLS, nil
	}
	u, err := url.Parse(q.URL)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid qdrant url %q: %w", q.URL, err)
	}
	if u.Hostname() == "" {
		return "", 0, false, fmt.Errorf("qdrant url %q has no host", q.URL)
	}
	return u.Hostname(), q.Port, u.Scheme == "https", nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Messages.MaxLength <= 0 {
		errs = append(errs, errors.New("messages.max_length must be positive"))
	}
	if c.Messages.HistoryLimit <= 0 || c.Messages.HistoryLimit > c.Messages.HistoryMax {
		errs = append(errs, fmt.Errorf("messages.history_limit must be in 1..%d", c.Messages.HistoryMax))
	}

	if !oneOf(c.Logging.Format, "json", "console") {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if !oneOf(c.Telemetry.Protocol, "grpc", "http/protobuf") {
			errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
		}
	}

	switch c.Store.Driver {
	case "badger":
		if !c.Badger.InMemory && c.Badger.Path == "" {
			errs = append(errs, errors.New("badger.path is required unless badger.in_memory is set"))
		}
	case "postgres":
		if !c.Postgres.DSN.IsSet() {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be badger or postgres, got %q", c.Store.Driver))
	}

	if !oneOf(c.VectorStore.Provider, "qdrant", "chromem") {
		errs = append(errs, fmt.Errorf("vectorstore.provider must be qdrant or chromem, got %q", c.VectorStore.Provider))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vectorstore.collection is required"))
	}
	if c.VectorStore.Provider == "qdrant" {
		if _, _, _, err := c.Qdrant.Endpoint(); err != nil {
			errs = append(errs, err)
		}
		if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port))
		}
	}

	if !oneOf(c.Embeddings.Provider, "openai", "googleai", "tei", "fastembed") {
		errs = append(errs, fmt.Errorf("embeddings.provider must be openai, googleai, tei or fastembed, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Provider == "googleai" && !c.Embeddings.APIKey.IsSet() {
		errs = append(errs, errors.New("embeddings.api_key is required for googleai"))
	}
	if c.Embeddings.Dimension < 0 {
		errs = append(errs, errors.New("embeddings.dimension cannot be negative"))
	}
	if c.Embeddings.RateLimit < 0 {
		errs = append(errs, errors.New("embeddings.rate_limit cannot be negative"))
	}

	if c.Indexing.Workers < 1 {
		errs = append(errs, errors.New("indexing.workers must be at least 1"))
	}
	if c.Indexing.QueueSize < 1 {
		errs = append(errs, errors.New("indexing.queue_size must be at least 1"))
	}
	if !oneOf(c.Indexing.PointIDs, "random", "message") {
		errs = append(errs, fmt.Errorf("indexing.point_ids must be random or message, got %q", c.Indexing.PointIDs))
	}

	if c.Search.DefaultTop < 1 || c.Search.DefaultTop > c.Search.MaxTop {
		errs = append(errs, fmt.Errorf("search.default_top must be in 1..%d", c.Search.MaxTop))
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
