package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// MaxBatchSize is the upper bound on records written in one atomic batch.
const MaxBatchSize = 10

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Endpoints EndpointsConfig `toml:"endpoints"`
	Register  Settings        `toml:"register"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP control server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EndpointsConfig holds the base URLs of the upstream services.
type EndpointsConfig struct {
	IdentityURL  string `toml:"identity_url"`
	InboxURL     string `toml:"inbox_url"`
	SecondaryURL string `toml:"secondary_url"`
	SenderMarker string `toml:"sender_marker"`
	// Domains used for generated mailbox addresses
	EmailDomains []string `toml:"email_domains"`
}

// NotifyConfig configures the PushPlus completion notification endpoint.
type NotifyConfig struct {
	PushPlusURL string `toml:"pushplus_url"`
}

// LogConfig controls the default logger.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Settings are the runtime knobs of the registration pipeline.
//
// The [register] table of the config file seeds them; afterwards they live in the settings table
// and are read and written through the control surface.
type Settings struct {
	EmailTimeout       int    `toml:"email_timeout" json:"email_timeout"`               // seconds
	EmailCheckInterval int    `toml:"email_check_interval" json:"email_check_interval"` // seconds
	RegisterDelayMS    int    `toml:"register_delay_ms" json:"register_delay_ms"`
	RetryTimes         int    `toml:"retry_times" json:"retry_times"`
	Concurrency        int    `toml:"concurrency" json:"concurrency"`
	HTTPTimeout        int    `toml:"http_timeout" json:"http_timeout"` // seconds
	BatchSaveSize      int    `toml:"batch_save_size" json:"batch_save_size"`
	SkipAPIKey         bool   `toml:"skip_api_key" json:"skip_api_key"`
	EnableNotification bool   `toml:"enable_notification" json:"enable_notification"`
	PushPlusToken      string `toml:"pushplus_token" json:"pushplus_token"`
}

// Validate reports the first out-of-range field.
func (s Settings) Validate() error {
	switch {
	case s.EmailTimeout < 1:
		return fmt.Errorf("%w: email_timeout must be at least 1 second", ErrInvalidConfig)
	case s.EmailCheckInterval < 1:
		return fmt.Errorf("%w: email_check_interval must be at least 1 second", ErrInvalidConfig)
	case s.EmailCheckInterval > s.EmailTimeout:
		return fmt.Errorf("%w: email_check_interval exceeds email_timeout", ErrInvalidConfig)
	case s.RegisterDelayMS < 0:
		return fmt.Errorf("%w: register_delay_ms cannot be negative", ErrInvalidConfig)
	case s.RetryTimes < 0:
		return fmt.Errorf("%w: retry_times cannot be negative", ErrInvalidConfig)
	case s.Concurrency < 1 || s.Concurrency > 100:
		return fmt.Errorf("%w: concurrency must be between 1 and 100", ErrInvalidConfig)
	case s.HTTPTimeout < 1:
		return fmt.Errorf("%w: http_timeout must be at least 1 second", ErrInvalidConfig)
	case s.BatchSaveSize < 1 || s.BatchSaveSize > MaxBatchSize:
		return fmt.Errorf("%w: batch_save_size must be between 1 and %d", ErrInvalidConfig, MaxBatchSize)
	case s.EnableNotification && s.PushPlusToken == "":
		return fmt.Errorf("%w: pushplus_token is required when notifications are enabled", ErrInvalidConfig)
	}
	return nil
}

func (s Settings) PollTimeout() time.Duration  { return time.Duration(s.EmailTimeout) * time.Second }
func (s Settings) PollInterval() time.Duration { return time.Duration(s.EmailCheckInterval) * time.Second }
func (s Settings) WaveDelay() time.Duration    { return time.Duration(s.RegisterDelayMS) * time.Millisecond }
func (s Settings) RequestTimeout() time.Duration {
	return time.Duration(s.HTTPTimeout) * time.Second
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the values of the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
