package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vburojevic/traced/internal/domain"
)

// Config holds daemon and CLI configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Verbose bool   `mapstructure:"verbose"`

	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Log     LogConfig     `mapstructure:"log"`
	Flush   FlushConfig   `mapstructure:"flush"`
	Clone   CloneConfig   `mapstructure:"clone"`
	Read    ReadConfig    `mapstructure:"read"`
	Buffers BuffersConfig `mapstructure:"buffers"`
}

// DaemonConfig locates the daemon's sockets and metrics endpoint
type DaemonConfig struct {
	SocketDir   string `mapstructure:"socket_dir"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ConsumerSocket is the path of the consumer socket.
func (d DaemonConfig) ConsumerSocket() string {
	return filepath.Join(d.SocketDir, "consumer.sock")
}

// ProducerSocket is the path of the producer socket.
func (d DaemonConfig) ProducerSocket() string {
	return filepath.Join(d.SocketDir, "producer.sock")
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type FlushConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type CloneConfig struct {
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

type ReadConfig struct {
	MaxChunkBytes int `mapstructure:"max_chunk_bytes"`
}

// BuffersConfig caps the memory all sessions may allocate. Zero is
// unlimited.
type BuffersConfig struct {
	MaxTotalKB uint32 `mapstructure:"max_total_kb"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:  "text",
		Verbose: false,
		Daemon: DaemonConfig{
			SocketDir: filepath.Join(os.TempDir(), "traced"),
		},
		Log:   LogConfig{Level: "info"},
		Flush: FlushConfig{DefaultTimeout: 5 * time.Second},
		Clone: CloneConfig{FlushTimeout: 5 * time.Second},
		Read:  ReadConfig{MaxChunkBytes: 128 * 1024},
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("TRACED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Short forms for the settings people override most
	v.BindEnv("daemon.socket_dir", "TRACED_SOCKET_DIR", "TRACED_DAEMON_SOCKET_DIR")
	v.BindEnv("daemon.metrics_addr", "TRACED_METRICS_ADDR", "TRACED_DAEMON_METRICS_ADDR")
	v.BindEnv("log.level", "TRACED_LOG_LEVEL")

	cfg := Default()
	v.SetDefault("format", cfg.Format)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("daemon.socket_dir", cfg.Daemon.SocketDir)
	v.SetDefault("daemon.metrics_addr", cfg.Daemon.MetricsAddr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("flush.default_timeout", cfg.Flush.DefaultTimeout)
	v.SetDefault("clone.flush_timeout", cfg.Clone.FlushTimeout)
	v.SetDefault("read.max_chunk_bytes", cfg.Read.MaxChunkBytes)
	v.SetDefault("buffers.max_total_kb", cfg.Buffers.MaxTotalKB)
	return v
}

// Load loads configuration from the first traced.yaml found and the
// environment
func Load() (*Config, error) {
	v := newViper()
	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Format {
	case "text", "ndjson":
	default:
		errs = append(errs, fmt.Errorf("format must be text or ndjson, got %q", c.Format))
	}
	if c.Daemon.SocketDir == "" {
		errs = append(errs, errors.New("daemon.socket_dir must not be empty"))
	}
	if c.Flush.DefaultTimeout < 0 || c.Clone.FlushTimeout < 0 {
		errs = append(errs, errors.New("flush timeouts must not be negative"))
	}
	if c.Read.MaxChunkBytes < 0 {
		errs = append(errs, errors.New("read.max_chunk_bytes must not be negative"))
	}
	return errors.Join(errs...)
}

// configSearchPaths lists the directories searched for traced.yaml, most
// specific first
func configSearchPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "traced"))
	}
	return append(paths, "/etc/traced")
}

// findConfigFile returns the first config file found, or "". In each
// directory traced.yaml is preferred over traced.yml.
func findConfigFile() string {
	for _, dir := range configSearchPaths() {
		for _, name := range []string{"traced.yaml", "traced.yml"} {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				if abs, err := filepath.Abs(path); err == nil {
					return abs
				}
				return path
			}
		}
	}
	return ""
}

// ConfigFile returns the path to the config file Load would read
func ConfigFile() string {
	return findConfigFile()
}

// LoadTraceConfig reads a trace config from a YAML, JSON or TOML file.
func LoadTraceConfig(path string) (domain.TraceConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return domain.TraceConfig{}, fmt.Errorf("reading trace config: %w", err)
	}
	var cfg domain.TraceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.TraceConfig{}, fmt.Errorf("decoding trace config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return domain.TraceConfig{}, err
	}
	return cfg, nil
}
