package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SESSIOND_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "SESSIOND_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.api_token", typ: kString, env: "SESSIOND_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SESSIOND_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = expandHome(v.(string)) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.dsn", typ: kString, env: "SESSIOND_STORAGE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "ingest.timeout", typ: kDuration, env: "SESSIOND_INGEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.Timeout },
	},
	{
		key: "ingest.workers", typ: kInt, env: "SESSIOND_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.max_body_bytes", typ: kInt, env: "SESSIOND_INGEST_MAX_BODY_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxBodyBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxBodyBytes },
	},
	{
		key: "watch.enabled", typ: kBool, env: "SESSIOND_WATCH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Watch.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Watch.Enabled },
	},
	{
		key: "watch.paths", typ: kList, env: "SESSIOND_WATCH_PATHS",
		apply:   func(cfg *Config, v any) { cfg.Watch.Paths = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Watch.Paths, ",") },
	},
	{
		key: "watch.include", typ: kString, env: "SESSIOND_WATCH_INCLUDE",
		apply:   func(cfg *Config, v any) { cfg.Watch.Include = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.Include },
	},
	{
		key: "watch.debounce", typ: kDuration, env: "SESSIOND_WATCH_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Watch.Debounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Debounce },
	},
	{
		key: "sweep.schedule", typ: kString, env: "SESSIOND_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Sweep.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Sweep.Schedule },
	},
	{
		key: "sweep.orphan_ttl", typ: kDuration, env: "SESSIOND_SWEEP_ORPHAN_TTL",
		apply:   func(cfg *Config, v any) { cfg.Sweep.OrphanTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sweep.OrphanTTL },
	},
	{
		key: "sweep.abandon_after", typ: kDuration, env: "SESSIOND_SWEEP_ABANDON_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Sweep.AbandonAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sweep.AbandonAfter },
	},
	{
		key: "tagging.webhook_url", typ: kString, env: "SESSIOND_TAGGING_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Tagging.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Tagging.WebhookURL },
	},
	{
		key: "log.level", typ: kString, env: "SESSIOND_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts a raw string into the Go type a key expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
