// Package config loads the file configuration of an es.Env and of the
// storage backends behind it.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codewandler/aggregates-go/core/cache"
	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/internal/codec"
)

const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	// Consumer is the identity used for checkpoints and the consumer header.
	Consumer       string            `yaml:"consumer" json:"consumer"`
	Headers        map[string]string `yaml:"headers" json:"headers"`
	ConflictPolicy string            `yaml:"conflict_policy" json:"conflict_policy"`
	Retries        *int              `yaml:"retries" json:"retries"`
	// StateCacheSize enables a shared LRU of entity states holding that many
	// streams.
	StateCacheSize int `yaml:"state_cache_size" json:"state_cache_size"`

	Log         LogConfig     `yaml:"log" json:"log"`
	Store       BackendConfig `yaml:"store" json:"store"`
	Checkpoints BackendConfig `yaml:"checkpoints" json:"checkpoints"`
	KV          BackendConfig `yaml:"kv" json:"kv"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text | json
}

// BackendConfig selects a storage backend. Only the fields of the chosen
// backend are read.
type BackendConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	// URL is the NATS server or Postgres DSN.
	URL string `yaml:"url" json:"url"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path"`
	// Name is the JetStream stream, KV bucket or SQL table.
	Name string `yaml:"name" json:"name"`
	// Driver picks the Postgres client: pgx (default) or sqlx.
	Driver string `yaml:"driver" json:"driver"`
}

func Default() Config {
	return Config{
		Log:         LogConfig{Level: "info", Format: "text"},
		Store:       BackendConfig{Backend: BackendMemory},
		Checkpoints: BackendConfig{Backend: BackendMemory},
		KV:          BackendConfig{Backend: BackendMemory},
	}
}

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json. ${VAR} references are expanded
// from the environment.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data over Default.
func FromYAML(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return c, c.Validate()
}

// FromJSON parses JSON data over Default.
func FromJSON(data []byte) (Config, error) {
	c := Default()
	if err := codec.JSON.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if _, err := es.ParseConflictPolicy(c.ConflictPolicy); err != nil {
		return err
	}
	if c.Retries != nil && *c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.StateCacheSize < 0 {
		return fmt.Errorf("state_cache_size must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("unknown log format %q", f)
	}
	for name, b := range map[string]BackendConfig{"store": c.Store, "checkpoints": c.Checkpoints, "kv": c.KV} {
		if err := b.validate(name); err != nil {
			return err
		}
	}
	switch c.Store.Backend {
	case BackendSQLite:
		return fmt.Errorf("store: backend %q only supports checkpoints", c.Store.Backend)
	}
	switch c.KV.Backend {
	case BackendSQLite, BackendPostgres:
		return fmt.Errorf("kv: backend %q is not supported", c.KV.Backend)
	}
	return nil
}

func (b BackendConfig) validate(name string) error {
	switch b.Backend {
	case "", BackendMemory:
	case BackendNATS:
	case BackendPostgres:
		if b.URL == "" {
			return fmt.Errorf("%s: postgres requires url", name)
		}
		if b.Driver != "" && b.Driver != "pgx" && b.Driver != "sqlx" {
			return fmt.Errorf("%s: unknown postgres driver %q", name, b.Driver)
		}
	case BackendSQLite:
		if b.Path == "" {
			return fmt.Errorf("%s: sqlite requires path", name)
		}
	default:
		return fmt.Errorf("%s: unknown backend %q", name, b.Backend)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Logger builds the configured slog handler writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// EnvOptions maps the non-storage settings onto es options. Storage backends
// are opened by the caller.
func (c Config) EnvOptions(log *slog.Logger) ([]es.EnvOption, error) {
	policy, err := es.ParseConflictPolicy(c.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	opts := []es.EnvOption{
		es.WithLog(log),
		es.WithConflictPolicy(policy),
	}
	if c.Consumer != "" {
		opts = append(opts, es.WithConsumerIdentity(c.Consumer))
	}
	if len(c.Headers) > 0 {
		opts = append(opts, es.WithHeaders(c.Headers))
	}
	if c.Retries != nil {
		opts = append(opts, es.WithRetries(*c.Retries))
	}
	if c.StateCacheSize > 0 {
		opts = append(opts, es.WithStateCache(es.NewStateCache(cache.NewLRU(cache.LRUOpts{Size: c.StateCacheSize}))))
	}
	return opts, nil
}
