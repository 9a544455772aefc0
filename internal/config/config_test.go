package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memSecrets is an in-memory secretStore.
type memSecrets struct {
	values map[string]string
	err    error
}

func (m *memSecrets) Get(account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.values[account], nil
}

func (m *memSecrets) Set(account, value string) error {
	if m.err != nil {
		return m.err
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[account] = value
	return nil
}

func fileBackendAt(t *testing.T, path string) *fileBackend {
	t.Helper()
	b, err := openFileBackend(path)
	if err != nil {
		t.Fatalf("opening config backend: %v", err)
	}
	return b
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	secrets := &memSecrets{}
	cfg, err := loadWith(fileBackendAt(t, filepath.Join(t.TempDir(), "missing.json")), secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections != 256 {
		t.Errorf("Server.MaxConnections = %d, want 256", cfg.Server.MaxConnections)
	}
	if cfg.Ingest.Timeout != 2*time.Minute {
		t.Errorf("Ingest.Timeout = %v, want 2m", cfg.Ingest.Timeout)
	}
	if cfg.Ingest.Workers != 4 {
		t.Errorf("Ingest.Workers = %d, want 4", cfg.Ingest.Workers)
	}
	if cfg.Ingest.MaxBodyBytes != 10<<20 {
		t.Errorf("Ingest.MaxBodyBytes = %d, want %d", cfg.Ingest.MaxBodyBytes, 10<<20)
	}
	if !cfg.Watch.Enabled || cfg.Watch.Include != "**/*.jsonl" || cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("Watch = %+v", cfg.Watch)
	}
	if len(cfg.Watch.Paths) != 1 || !strings.HasSuffix(cfg.Watch.Paths[0], filepath.Join(".claude", "projects")) {
		t.Errorf("Watch.Paths = %v", cfg.Watch.Paths)
	}
	if cfg.Sweep.Schedule != "@every 1m" || cfg.Sweep.OrphanTTL != 168*time.Hour || cfg.Sweep.AbandonAfter != 24*time.Hour {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if len(cfg.Server.APIToken) != 64 {
		t.Errorf("APIToken = %q, want a generated 64-char token", cfg.Server.APIToken)
	}
	if secrets.values[apiTokenAccount] != cfg.Server.APIToken {
		t.Error("generated token was not persisted")
	}
}

// TestFileValues verifies values are read from the JSON config file.
func TestFileValues(t *testing.T) {
	path := writeTempConfig(t, `{
  "server.port": 5000,
  "storage.dsn": "postgres://localhost/sessiond",
  "ingest.timeout": "30s",
  "watch.enabled": false,
  "watch.paths": "/logs/a, /logs/b",
  "sweep.schedule": "*/5 * * * *",
  "tagging.webhook_url": "http://tagger.local/hook"
}`)

	cfg, err := loadWith(fileBackendAt(t, path), &memSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DSN != "postgres://localhost/sessiond" {
		t.Errorf("Storage.DSN = %q", cfg.Storage.DSN)
	}
	if cfg.Ingest.Timeout != 30*time.Second {
		t.Errorf("Ingest.Timeout = %v", cfg.Ingest.Timeout)
	}
	if cfg.Watch.Enabled {
		t.Error("Watch.Enabled = true, want false")
	}
	if len(cfg.Watch.Paths) != 2 || cfg.Watch.Paths[0] != "/logs/a" || cfg.Watch.Paths[1] != "/logs/b" {
		t.Errorf("Watch.Paths = %v", cfg.Watch.Paths)
	}
	if cfg.Sweep.Schedule != "*/5 * * * *" {
		t.Errorf("Sweep.Schedule = %q", cfg.Sweep.Schedule)
	}
	if cfg.Tagging.WebhookURL != "http://tagger.local/hook" {
		t.Errorf("Tagging.WebhookURL = %q", cfg.Tagging.WebhookURL)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 5000, "log.level": "warn"}`)

	t.Setenv("SESSIOND_SERVER_PORT", "6000")
	t.Setenv("SESSIOND_SWEEP_ABANDON_AFTER", "1h")
	t.Setenv("SESSIOND_API_TOKEN", "env-token")

	cfg, err := loadWith(fileBackendAt(t, path), &memSecrets{err: errors.New("must not be used")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Sweep.AbandonAfter != time.Hour {
		t.Errorf("Sweep.AbandonAfter = %v, want 1h", cfg.Sweep.AbandonAfter)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env-token", cfg.Server.APIToken)
	}
}

func TestInvalidValuesKeepDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"watch.debounce": "soon"}`)
	t.Setenv("SESSIOND_INGEST_TIMEOUT", "forever")

	cfg, err := loadWith(fileBackendAt(t, path), &memSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("Watch.Debounce = %v, want default", cfg.Watch.Debounce)
	}
	if cfg.Ingest.Timeout != 2*time.Minute {
		t.Errorf("Ingest.Timeout = %v, want default", cfg.Ingest.Timeout)
	}
}

func TestInvalidWorkers(t *testing.T) {
	path := writeTempConfig(t, `{"ingest.workers": 0}`)
	if _, err := loadWith(fileBackendAt(t, path), &memSecrets{}); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestMissingTokenError(t *testing.T) {
	_, err := loadWith(fileBackendAt(t, filepath.Join(t.TempDir(), "none.json")), &memSecrets{err: errors.New("disk full")})
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("err = %v, want missing required config", err)
	}
}

func TestAPITokenPersistedAcrossLoads(t *testing.T) {
	secrets := secretsFile{path: filepath.Join(t.TempDir(), "sessiond", "secrets.json")}
	backend := fileBackendAt(t, filepath.Join(t.TempDir(), "none.json"))

	first, err := loadWith(backend, secrets)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := loadWith(backend, secrets)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.Server.APIToken != second.Server.APIToken {
		t.Errorf("token changed between loads: %q vs %q", first.Server.APIToken, second.Server.APIToken)
	}

	info, err := os.Stat(secrets.path)
	if err != nil {
		t.Fatalf("secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond", "config.json")

	if err := setKeyWith(fileBackendAt(t, path), "server.port", "4200"); err != nil {
		t.Fatalf("setting port: %v", err)
	}
	if err := setKeyWith(fileBackendAt(t, path), "watch.debounce", "2s"); err != nil {
		t.Fatalf("setting debounce: %v", err)
	}

	cfg, err := loadWith(fileBackendAt(t, path), &memSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Watch.Debounce != 2*time.Second {
		t.Errorf("Watch.Debounce = %v, want 2s", cfg.Watch.Debounce)
	}
}

func TestSetKey_Rejections(t *testing.T) {
	b := fileBackendAt(t, filepath.Join(t.TempDir(), "config.json"))

	if err := setKeyWith(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "sweep.orphan_ttl", "a week"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKeyWith(b, "server.api_token", "x"); err == nil || !strings.Contains(err.Error(), "SESSIOND_API_TOKEN") {
		t.Errorf("secret key err = %v", err)
	}
	if err := setKeyWith(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestUnsetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := setKeyWith(fileBackendAt(t, path), "log.level", "debug"); err != nil {
		t.Fatal(err)
	}
	if err := unsetKeyWith(fileBackendAt(t, path), "log.level"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	cfg, err := loadWith(fileBackendAt(t, path), &memSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default info", cfg.Log.Level)
	}
	if err := unsetKeyWith(fileBackendAt(t, path), "nope"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestCorruptConfigFile(t *testing.T) {
	path := writeTempConfig(t, `{"server.port":`)
	if _, err := openFileBackend(path); err == nil {
		t.Fatal("expected error for unparsable config file")
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hidden"

	infos := ShowAll(cfg)
	if len(infos) != len(specs) {
		t.Fatalf("ShowAll returned %d keys, want %d", len(infos), len(specs))
	}
	for _, info := range infos {
		if info.Value == "hidden" {
			t.Fatalf("secret leaked: %+v", info)
		}
		if info.Key == "server.api_token" && (!info.Secret || info.Value != secretMask) {
			t.Errorf("api token info = %+v, want masked", info)
		}
		if !strings.HasPrefix(info.EnvVar, "SESSIOND_") {
			t.Errorf("EnvVar = %q", info.EnvVar)
		}
	}
	for _, k := range ValidKeys() {
		if k == "server.api_token" {
			t.Error("ValidKeys must not include secrets")
		}
	}
}
