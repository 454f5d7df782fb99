// Package config loads and validates the process-level configuration for
// the netimgfs daemon and its parent supervisor: logging, the metrics
// server, and the two image.Params blocks (disk, memory) that spec.md §6
// calls "parsed by an external wrapper" — the chunk I/O engine itself
// never parses strings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/netimgfs/netimgfs/internal/bytesize"
	"github.com/netimgfs/netimgfs/internal/image"
	"github.com/netimgfs/netimgfs/internal/transport"
)

// Config is the top-level configuration for a netimgfsd instance: where
// its two images come from, how it logs, and whether it serves metrics.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NETIMGFS_*, e.g. NETIMGFS_DISK_URL); they
//     override only keys that the configuration file sets
//  2. Configuration file (YAML)
//  3. Default values from ApplyDefaults (lowest priority)
//
// No CLI flags are bound to configuration keys.
type Config struct {
	// Mountpoint is the directory the FUSE filesystem is mounted at.
	Mountpoint string `mapstructure:"mountpoint" validate:"required" yaml:"mountpoint"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Transport controls the shared HTTP byte-range fetch pool used by
	// both images.
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Disk is the primary VM disk image.
	Disk ImageConfig `mapstructure:"disk" validate:"required" yaml:"disk"`

	// Memory is the VM memory/snapshot image. Unlike Disk it is often
	// backed by a throwaway origin; it is still mandatory since vmnetfs
	// always mounts exactly two images.
	Memory ImageConfig `mapstructure:"memory" validate:"required" yaml:"memory"`
}

// LoggingConfig controls logging behavior, mirroring internal/logger.Config.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server. When
// Enabled is false, no metrics are collected and every image runs with
// zero counter overhead (internal/metrics.NewEngineMetrics returns nil).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address for the metrics HTTP server, e.g. ":9090".
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr,omitempty"`
}

// TransportConfig tunes the shared HTTP byte-range fetch pool.
type TransportConfig struct {
	// MaxIdleConnsPerHost bounds idle keep-alive connections per origin host.
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host,omitempty"`

	// MaxConnsPerHost caps total connections per origin host.
	MaxConnsPerHost int `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host,omitempty"`

	// Timeout bounds a single fetch's end-to-end duration. Zero means no
	// timeout beyond the caller's context.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// ImageConfig is the typed, validated form of spec.md §6's "image
// construction parameters": url, cache_path, initial_size, segment_size,
// chunk_size, plus the MaxSize bitmap sizing hint.
type ImageConfig struct {
	// URL is the origin's unsegmented URL, or the segment base when
	// SegmentSize > 0.
	URL string `mapstructure:"url" validate:"required" yaml:"url"`

	// CachePath is the on-disk directory backing the pristine store and
	// the modified overlay.
	CachePath string `mapstructure:"cache_path" validate:"required" yaml:"cache_path"`

	// InitialSize is the image's logical size when opened.
	InitialSize bytesize.ByteSize `mapstructure:"initial_size" validate:"required" yaml:"initial_size"`

	// SegmentSize is the origin segmentation unit; zero means the origin
	// is a single unsegmented URL.
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size,omitempty"`

	// ChunkSize is the fixed chunk granularity for this image.
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" validate:"required" yaml:"chunk_size"`

	// MaxSize bounds the largest size this image's resize operations may
	// ever grow to; it sizes the three bitmaps at construction (spec.md
	// §4.1, "image_size_max is supplied by the caller"). Zero means
	// "default to 4x InitialSize" (see Open Questions in DESIGN.md).
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size,omitempty"`
}

// maxChunksDefaultMultiple is the default growth headroom applied when
// MaxSize is left unset: the bitmaps are sized to cover 4x the image's
// initial size, a generous allowance for a guest that grows its disk or
// memory snapshot without the operator pre-declaring a cap.
const maxChunksDefaultMultiple = 4

// ToParams converts a validated ImageConfig into the image.Params the
// engine actually consumes, sharing pool across every image built from
// the same Config (spec.md §4.4: "a pool of reusable HTTP connections",
// normally one per process).
func (c ImageConfig) ToParams(pool *transport.Pool) image.Params {
	chunkSize := uint32(c.ChunkSize.Uint64())

	maxSize := c.MaxSize.Uint64()
	if maxSize == 0 {
		maxSize = c.InitialSize.Uint64() * maxChunksDefaultMultiple
		if maxSize == 0 {
			maxSize = uint64(chunkSize)
		}
	}
	maxChunks := uint32((maxSize + uint64(chunkSize) - 1) / uint64(chunkSize))
	if maxChunks == 0 {
		maxChunks = 1
	}

	return image.Params{
		URL:         c.URL,
		CachePath:   c.CachePath,
		InitialSize: c.InitialSize.Uint64(),
		ChunkSize:   chunkSize,
		SegmentSize: c.SegmentSize.Uint64(),
		MaxChunks:   maxChunks,
		Transport:   pool,
	}
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration from configPath, failing with a
// user-facing error if the path is explicitly set but missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config: file not found: %s", configPath)
		}
	}
	return Load(configPath)
}

// SaveConfig writes cfg to path in YAML form, creating the parent
// directory if needed; Load reads the result back.
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NETIMGFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("netimgfs")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

// configDecodeHooks composes the mapstructure decode hooks needed to
// turn human-readable strings ("64Mi", "30s") into ByteSize/Duration.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
