package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds gRPC server configuration
type ServerConfig struct {
	StoreID         string        `yaml:"store_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// Reflection registers the gRPC server reflection service
	Reflection bool `yaml:"reflection"`
}

// RegionConfig describes the flash region backing the store
type RegionConfig struct {
	Path      string `yaml:"path"`
	PageSize  int    `yaml:"page_size"`
	PageCount int    `yaml:"page_count"`
}

// CompressionConfig controls compression of chunked values
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	MinSize int  `yaml:"min_size"`
}

// StoreConfig holds engine tunables
type StoreConfig struct {
	ReservePages        int               `yaml:"reserve_pages"`
	MaxValueSize        int               `yaml:"max_value_size"`
	FreePagesWarning    int               `yaml:"free_pages_warning"`
	FreePagesCritical   int               `yaml:"free_pages_critical"`
	Compression         CompressionConfig `yaml:"compression"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of an nvstore daemon
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Region  RegionConfig  `yaml:"region"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
		Store: StoreConfig{
			Compression: CompressionConfig{Enabled: true},
		},
	}
	setDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadConfigOrDefault loads filePath, falling back to DefaultConfig when the
// file does not exist.
func LoadConfigOrDefault(filePath string) (*Config, error) {
	cfg, err := LoadConfig(filePath)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.StoreID == "" {
		cfg.Server.StoreID = "nvstore-0"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 100
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 5 * time.Second
	}

	if cfg.Region.Path == "" {
		cfg.Region.Path = "/var/lib/nvstore/nvs.bin"
	}
	if cfg.Region.PageSize == 0 {
		cfg.Region.PageSize = 4096
	}
	if cfg.Region.PageCount == 0 {
		cfg.Region.PageCount = 16
	}

	if cfg.Store.ReservePages == 0 {
		cfg.Store.ReservePages = 1
	}
	if cfg.Store.MaxValueSize == 0 {
		cfg.Store.MaxValueSize = 64 * 1024 // 64KB
	}
	if cfg.Store.FreePagesWarning == 0 {
		cfg.Store.FreePagesWarning = 2
	}
	if cfg.Store.FreePagesCritical == 0 {
		cfg.Store.FreePagesCritical = 1
	}
	if cfg.Store.Compression.MinSize == 0 {
		cfg.Store.Compression.MinSize = 512
	}
	if cfg.Store.HealthCheckInterval == 0 {
		cfg.Store.HealthCheckInterval = 10 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Region.PageSize < 512 || c.Region.PageSize%32 != 0 {
		return fmt.Errorf("region.page_size must be a multiple of 32 and at least 512")
	}
	if c.Region.PageCount < c.Store.ReservePages+1 {
		return fmt.Errorf("region.page_count must exceed store.reserve_pages")
	}
	if c.Store.ReservePages < 1 {
		return fmt.Errorf("store.reserve_pages must be at least 1")
	}
	if c.Store.MaxValueSize < 1 {
		return fmt.Errorf("store.max_value_size must be positive")
	}
	if c.Store.FreePagesCritical > c.Store.FreePagesWarning {
		return fmt.Errorf("store.free_pages_critical must not exceed store.free_pages_warning")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
