package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Output formats understood by the CLI.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	OutputFormat   string        `yaml:"output_format" default:"text"`
	Transfer       Transfer      `yaml:"transfer"`
}

// Transfer tunes chunked writes and the go-ble backend queues.
type Transfer struct {
	// FeedCapacity bounds the packets waiting between a producer and the
	// transfer engine. The oldest packet is dropped when it is full.
	FeedCapacity uint32 `yaml:"feed_capacity" default:"64"`
	WriteWindow  int    `yaml:"write_window" default:"8"`
	// ChunkSize re-frames streamed input; 0 uses the negotiated write length.
	ChunkSize      int           `yaml:"chunk_size" default:"0"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"5s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the YAML decoder cannot.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.OutputFormat {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown output format %q (want %s or %s)", c.OutputFormat, FormatText, FormatJSON)
	}
	if c.Transfer.FeedCapacity == 0 {
		return fmt.Errorf("transfer.feed_capacity must be > 0")
	}
	if c.Transfer.WriteWindow < 1 {
		return fmt.Errorf("transfer.write_window must be >= 1")
	}
	if c.Transfer.ChunkSize < 0 {
		return fmt.Errorf("transfer.chunk_size must be >= 0")
	}
	return nil
}

// Level returns the parsed log level, Info when LogLevel is invalid.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
