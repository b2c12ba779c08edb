// Package config handles configuration loading for the flood-map server.
package config

import (
	"errors"
	"fmt"
	"image/png"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Media  MediaConfig  `yaml:"media"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Kafka  KafkaConfig  `yaml:"kafka"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins"`
	MaxUploadMB     int      `yaml:"max_upload_mb"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_seconds"`
}

// MediaConfig locates uploaded rasters and rendered overlays.
type MediaConfig struct {
	Root string `yaml:"root"`
}

// StoreConfig contains record store settings.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	LegendSizeMB     int `yaml:"legend_size_mb"`
	LegendTTLMinutes int `yaml:"legend_ttl_minutes"`
	RampEntries      int `yaml:"ramp_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DefaultRamp    string `yaml:"default_ramp"`
	Compression    string `yaml:"compression"` // default, speed, best, none
	LegendWidth    int    `yaml:"legend_width"`
	LegendHeight   int    `yaml:"legend_height"`
	MaxPixels      int    `yaml:"max_pixels"`
}

// Timeout returns the per-operation deadline. A negative timeout_seconds
// disables it.
func (r RenderConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// WriteTimeout is the HTTP write deadline that leaves a synchronous render
// room to finish. It is zero (no deadline) when renders are unbounded.
func (r RenderConfig) WriteTimeout() time.Duration {
	if r.Timeout() <= 0 {
		return 0
	}
	return r.Timeout() + 30*time.Second
}

// PNGCompression maps the compression setting to the encoder level.
func (r RenderConfig) PNGCompression() png.CompressionLevel {
	switch strings.ToLower(r.Compression) {
	case "speed":
		return png.BestSpeed
	case "best":
		return png.BestCompression
	case "none":
		return png.NoCompression
	}
	return png.DefaultCompression
}

// JobsConfig contains asynchronous render job settings.
type JobsConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	QueueSize      int `yaml:"queue_size"`
	RetentionHours int `yaml:"retention_hours"`
}

// KafkaConfig enables lifecycle event publication when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// Load reads configuration from a YAML file, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9002,
			CORSOrigins:     []string{"*"},
			MaxUploadMB:     512,
			ShutdownTimeout: 10,
		},
		Media: MediaConfig{
			Root: "./media",
		},
		Store: StoreConfig{
			SQLitePath: "./data/damwatch.db",
		},
		Cache: CacheConfig{
			LegendSizeMB:     16,
			LegendTTLMinutes: 10,
			RampEntries:      256,
		},
		Render: RenderConfig{
			TimeoutSeconds: 120,
			DefaultRamp:    "flood",
			Compression:    "default",
			LegendWidth:    256,
			LegendHeight:   48,
			MaxPixels:      1 << 28,
		},
		Jobs: JobsConfig{
			MaxConcurrent:  2,
			QueueSize:      64,
			RetentionHours: 24,
		},
		Kafka: KafkaConfig{
			Topic: "flood-map-events",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = defaults.Server.MaxUploadMB
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if cfg.Media.Root == "" {
		cfg.Media.Root = defaults.Media.Root
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Cache.LegendSizeMB == 0 {
		cfg.Cache.LegendSizeMB = defaults.Cache.LegendSizeMB
	}
	if cfg.Cache.LegendTTLMinutes == 0 {
		cfg.Cache.LegendTTLMinutes = defaults.Cache.LegendTTLMinutes
	}
	if cfg.Cache.RampEntries == 0 {
		cfg.Cache.RampEntries = defaults.Cache.RampEntries
	}
	if cfg.Render.TimeoutSeconds == 0 {
		cfg.Render.TimeoutSeconds = defaults.Render.TimeoutSeconds
	}
	if cfg.Render.DefaultRamp == "" {
		cfg.Render.DefaultRamp = defaults.Render.DefaultRamp
	}
	if cfg.Render.Compression == "" {
		cfg.Render.Compression = defaults.Render.Compression
	}
	if cfg.Render.LegendWidth == 0 {
		cfg.Render.LegendWidth = defaults.Render.LegendWidth
	}
	if cfg.Render.LegendHeight == 0 {
		cfg.Render.LegendHeight = defaults.Render.LegendHeight
	}
	if cfg.Render.MaxPixels <= 0 {
		cfg.Render.MaxPixels = defaults.Render.MaxPixels
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.RetentionHours == 0 {
		cfg.Jobs.RetentionHours = defaults.Jobs.RetentionHours
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaults.Kafka.Topic
	}
}

// applyEnv overrides file settings with PORT, MEDIA_ROOT, SQLITE_PATH,
// KAFKA_BROKERS (comma separated) and KAFKA_TOPIC.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("MEDIA_ROOT"); ok && v != "" {
		cfg.Media.Root = v
	}
	if v, ok := lookup("SQLITE_PATH"); ok && v != "" {
		cfg.Store.SQLitePath = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
	if v, ok := lookup("KAFKA_TOPIC"); ok && v != "" {
		cfg.Kafka.Topic = v
	}
	return nil
}
