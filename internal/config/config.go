// Package config loads and validates the client configuration. Files may be
// JSON5 (default) or YAML, selected by extension. A missing file yields the
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/clawstream/internal/store"
)

// EndpointsConfig names the three backend endpoints.
type EndpointsConfig struct {
	Chat   string `json:"chat" yaml:"chat"`
	Resume string `json:"resume" yaml:"resume"`
	Cancel string `json:"cancel" yaml:"cancel"`
}

// AuthConfig holds the static bearer token. Empty means anonymous.
type AuthConfig struct {
	Token string `json:"token" yaml:"token"`
}

// TurnConfig carries the per-turn state block sent with every request.
type TurnConfig struct {
	ModelID     string  `json:"modelId" yaml:"modelId"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	RequestKind string  `json:"requestKind" yaml:"requestKind"`
}

// TransportConfig tunes the first retry tier: whole-request retries before
// any event has been delivered.
type TransportConfig struct {
	MaxRetries  int `json:"maxRetries" yaml:"maxRetries"`
	BaseDelayMS int `json:"baseDelayMs" yaml:"baseDelayMs"`
	MaxDelayMS  int `json:"maxDelayMs" yaml:"maxDelayMs"`
}

// ReconnectConfig tunes the second retry tier: resume rounds after a stream
// dropped mid-flight.
type ReconnectConfig struct {
	MaxAttempts  int    `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelayMS  int    `json:"baseDelayMs" yaml:"baseDelayMs"`
	MaxDelayMS   int    `json:"maxDelayMs" yaml:"maxDelayMs"`
	StalenessMin int    `json:"stalenessMinutes" yaml:"stalenessMinutes"`
	GCSchedule   string `json:"gcSchedule" yaml:"gcSchedule"`
}

// ReducerConfig tunes text assembly and artifact detection.
type ReducerConfig struct {
	FlushIntervalMS int    `json:"flushIntervalMs" yaml:"flushIntervalMs"`
	LabelsFile      string `json:"labelsFile" yaml:"labelsFile"`
	DiagramTool     string `json:"diagramTool" yaml:"diagramTool"`
	ExtractionTool  string `json:"extractionTool" yaml:"extractionTool"`
}

// RateLimitConfig bounds outbound sends per session.
type RateLimitConfig struct {
	PerMinute int `json:"perMinute" yaml:"perMinute"`
	Burst     int `json:"burst" yaml:"burst"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Protocol string `json:"protocol" yaml:"protocol"` // "grpc" or "http"
	Insecure bool   `json:"insecure" yaml:"insecure"`
	Service  string `json:"service" yaml:"service"`
}

// StoreConfig selects the execution record backend.
type StoreConfig struct {
	Mode        string `json:"mode" yaml:"mode"`
	FilePath    string `json:"filePath" yaml:"filePath"`
	SQLitePath  string `json:"sqlitePath" yaml:"sqlitePath"`
	PostgresDSN string `json:"postgresDsn" yaml:"postgresDsn"`
}

// Config is the root configuration.
type Config struct {
	Agent     string          `json:"agent" yaml:"agent"`
	Endpoints EndpointsConfig `json:"endpoints" yaml:"endpoints"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Turn      TurnConfig      `json:"turn" yaml:"turn"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Reducer   ReducerConfig   `json:"reducer" yaml:"reducer"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
}

// DefaultDir returns ~/.clawstream, the home for config and local state.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawstream"
	}
	return filepath.Join(home, ".clawstream")
}

// DefaultPath is the config file consulted when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.json5")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, parses, and defaults a config file. A missing file is not an
// error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json5.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Agent = NormalizeAgentID(c.Agent)
	if c.Endpoints.Chat == "" {
		c.Endpoints.Chat = "http://localhost:8787/v1/chat"
	}
	if c.Endpoints.Resume == "" {
		c.Endpoints.Resume = "http://localhost:8787/v1/resume"
	}
	if c.Endpoints.Cancel == "" {
		c.Endpoints.Cancel = "http://localhost:8787/v1/cancel"
	}
	if c.Transport.MaxRetries <= 0 {
		c.Transport.MaxRetries = 3
	}
	if c.Transport.BaseDelayMS <= 0 {
		c.Transport.BaseDelayMS = 1000
	}
	if c.Transport.MaxDelayMS <= 0 {
		c.Transport.MaxDelayMS = 30000
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.BaseDelayMS <= 0 {
		c.Reconnect.BaseDelayMS = 1000
	}
	if c.Reconnect.MaxDelayMS <= 0 {
		c.Reconnect.MaxDelayMS = 16000
	}
	if c.Reconnect.StalenessMin <= 0 {
		c.Reconnect.StalenessMin = 10
	}
	if c.Reconnect.GCSchedule == "" {
		c.Reconnect.GCSchedule = "*/5 * * * *"
	}
	if c.Reducer.FlushIntervalMS <= 0 {
		c.Reducer.FlushIntervalMS = 50
	}
	if c.Reducer.DiagramTool == "" {
		c.Reducer.DiagramTool = "render_diagram"
	}
	if c.Reducer.ExtractionTool == "" {
		c.Reducer.ExtractionTool = "extract_document"
	}
	if c.Store.Mode == "" {
		c.Store.Mode = "file"
	}
	if c.Store.FilePath == "" {
		c.Store.FilePath = filepath.Join(DefaultDir(), "executions.json")
	}
	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = 30
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.Tracing.Protocol == "" {
		c.Tracing.Protocol = "grpc"
	}
	if c.Tracing.Service == "" {
		c.Tracing.Service = "clawstream"
	}
}

func (c *Config) validate() error {
	switch c.Store.Mode {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store mode: %s", c.Store.Mode)
	}
	if c.Store.Mode == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("sqlite store requires sqlitePath")
	}
	if c.Store.Mode == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("postgres store requires postgresDsn")
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("unknown tracing protocol: %s", c.Tracing.Protocol)
	}
	if c.Turn.Temperature < 0 || c.Turn.Temperature > 2 {
		return fmt.Errorf("temperature out of range: %v", c.Turn.Temperature)
	}
	return nil
}

// TransportBase returns the transport tier's base delay.
func (c *Config) TransportBase() time.Duration {
	return time.Duration(c.Transport.BaseDelayMS) * time.Millisecond
}

// TransportMax returns the transport tier's delay cap.
func (c *Config) TransportMax() time.Duration {
	return time.Duration(c.Transport.MaxDelayMS) * time.Millisecond
}

// ReconnectBase returns the resume tier's base delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.Reconnect.BaseDelayMS) * time.Millisecond
}

// ReconnectMax returns the resume tier's delay cap.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond
}

// Staleness returns how long execution records stay resumable.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Reconnect.StalenessMin) * time.Minute
}

// FlushInterval returns the reducer's text flush interval.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Reducer.FlushIntervalMS) * time.Millisecond
}

// StoreConfig converts the store section into the store package's form.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Mode:        c.Store.Mode,
		FilePath:    c.Store.FilePath,
		SQLitePath:  c.Store.SQLitePath,
		PostgresDSN: c.Store.PostgresDSN,
	}
}
