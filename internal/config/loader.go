package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every parley environment variable.
	EnvPrefix = "PARLEY_"
)

const defaultsYAML = `
server:
  host: 0.0.0.0
  port: 4000
  allowed_origins: []
  shutdown_timeout: 10s
messages:
  max_length: 4000
  history_limit: 100
  history_max: 1000
logging:
  level: info
  format: json
  sampling: true
  otel: false
telemetry:
  enabled: false
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  service_name: parley
  sample_rate: 1.0
  metrics_interval: 15s
store:
  driver: badger
postgres:
  max_conns: 10
  auto_migrate: true
badger:
  path: ~/.local/share/parley/messages
  in_memory: false
vectorstore:
  provider: chromem
  collection: messages
qdrant:
  host: localhost
  port: 6334
  use_tls: false
  timeout: 10s
  max_retries: 2
  breaker_failures: 5
  breaker_timeout: 30s
chromem:
  path: ~/.local/share/parley/vectors
  compress: false
embeddings:
  provider: tei
  base_url: http://localhost:8080
  model: BAAI/bge-small-en-v1.5
  dimension: 0
  timeout: 30s
  rate_limit: 0
  burst: 1
indexing:
  workers: 4
  queue_size: 1024
  task_timeout: 30s
  point_ids: random
search:
  default_top: 10
  max_top: 100
events:
  subject_prefix: parley
`

// legacyEnv maps the environment names used by earlier deployments onto
// config keys. PARLEY_ variables override these.
var legacyEnv = map[string]string{
	"PORT":              "server.port",
	"FRONTEND_ORIGIN":   "server.allowed_origins",
	"DATABASE_URL":      "postgres.dsn",
	"QDRANT_URL":        "qdrant.url",
	"QDRANT_API_KEY":    "qdrant.api_key",
	"QDRANT_COLLECTION": "vectorstore.collection",
	"GOOGLE_API_KEY":    "embeddings.api_key",
	"NATS_URL":          "events.url",
}

// DefaultConfigPath returns ~/.config/parley/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "parley", "config.yaml"), nil
}

// LoadWithFile loads configuration from defaults, the YAML file at
// configPath (if it exists) and the environment.
//
// Precedence (highest first):
//  1. PARLEY_* variables, split on the first underscore after the prefix:
//     PARLEY_SERVER_PORT -> server.port, PARLEY_QDRANT_API_KEY -> qdrant.api_key
//  2. legacy variables such as PORT, QDRANT_URL and GOOGLE_API_KEY
//  3. the YAML file
//  4. built-in defaults
//
// An empty configPath uses PARLEY_CONFIG, then DefaultConfigPath. The file
// must live under ~/.config/parley or /etc/parley, must not be readable by
// group or others and must not exceed 1MB.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "CONFIG")
	}
	if configPath == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyEnv[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load legacy environment: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Badger.Path = expandHome(cfg.Badger.Path)
	cfg.Chromem.Path = expandHome(cfg.Chromem.Path)
	cfg.Embeddings.CacheDir = expandHome(cfg.Embeddings.CacheDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps PARLEY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if lower == "config" {
		return ""
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Stat the open descriptor, not the path, so the checked file is the read file.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path may not exist yet.
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	allowed := []string{
		filepath.Join(home, ".config", "parley") + string(filepath.Separator),
		"/etc/parley/",
	}
	for _, dir := range allowed {
		if strings.HasPrefix(resolved, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/parley/ or /etc/parley/, got %s", resolved)
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm&0o077 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
