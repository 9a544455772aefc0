package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Ingest  IngestConfig
	Watch   WatchConfig
	Sweep   SweepConfig
	Tagging TaggingConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
	APIToken       string
}

type StorageConfig struct {
	DataDir string
	// DSN selects PostgreSQL when it is a postgres:// URL; empty means
	// SQLite under DataDir.
	DSN string
}

type IngestConfig struct {
	Timeout      time.Duration
	Workers      int
	MaxBodyBytes int
}

type WatchConfig struct {
	Enabled  bool
	Paths    []string
	Include  string
	Debounce time.Duration
}

type SweepConfig struct {
	Schedule     string
	OrphanTTL    time.Duration
	AbandonAfter time.Duration
}

type TaggingConfig struct {
	WebhookURL string
}

type LogConfig struct {
	Level string
}

// UploadDir is where files posted to the API are stored.
func (c Config) UploadDir() string {
	return filepath.Join(c.Storage.DataDir, "uploads")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			Timeout:      2 * time.Minute,
			Workers:      4,
			MaxBodyBytes: 10 << 20,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Paths:    []string{expandHome("~/.claude/projects")},
			Include:  "**/*.jsonl",
			Debounce: 500 * time.Millisecond,
		},
		Sweep: SweepConfig{
			Schedule:     "@every 1m",
			OrphanTTL:    168 * time.Hour,
			AbandonAfter: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/sessiond/config.json, then applies SESSIOND_* environment
// overrides. The API token comes from SESSIOND_API_TOKEN or is generated
// once and kept in $XDG_DATA_HOME/sessiond/secrets.json.
func Load() (Config, error) {
	b, err := openFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, secretsFile{path: secretsFilePath()})
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		token, err := ensureAPIToken(secrets)
		if err != nil {
			return Config{}, fmt.Errorf("missing required config: API token (set SESSIOND_API_TOKEN): %w", err)
		}
		cfg.Server.APIToken = token
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, expandHome(p))
		}
	}
	return out
}
