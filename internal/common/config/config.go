// Package config provides layered configuration loading for Tallr: built-in
// defaults, an optional ~/.tallr/config.yaml, and TALLR_* environment
// variables. There is no command-line flag layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for both the tallrd Broker and the tallr
// wrapper.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracker TrackerConfig `mapstructure:"tracker"`
}

// BrokerConfig holds the Broker's bind address and app-data paths.
type BrokerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AppDataDir  string `mapstructure:"appDataDir"`
	PatternFile string `mapstructure:"patternFile"` // optional YAML override, ~/.tallr/patterns.yaml
}

// Addr returns "host:port" for the Broker's HTTP listener.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// TokenPath returns the path to the bearer-token file (spec §4.5, §6).
func (b BrokerConfig) TokenPath() string {
	return filepath.Join(b.AppDataDir, "auth.token")
}

// ClientConfig holds the wrapper-side HTTP client's timeouts (spec §5: HTTP
// calls to the Broker are fire-and-forget with short timeouts).
type ClientConfig struct {
	Gateway        string        `mapstructure:"gateway"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	RetryAttempts  int           `mapstructure:"retryAttempts"`
	RetryDelay     time.Duration `mapstructure:"retryDelay"`
}

// LoggingConfig holds logger format/level selection.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TrackerConfig exposes the State Tracker's debounce/cooldown/persistence
// constants (spec §4.4, §5) as overridable knobs, defaulted exactly as the
// spec states.
type TrackerConfig struct {
	EntryCooldown       time.Duration `mapstructure:"entryCooldown"`       // 500ms
	ExitCooldown        time.Duration `mapstructure:"exitCooldown"`        // 3000ms
	OtherCooldown       time.Duration `mapstructure:"otherCooldown"`       // 1000ms
	WorkingIdlePersist  time.Duration `mapstructure:"workingIdlePersist"`  // 10s
	PendingIdlePersist  time.Duration `mapstructure:"pendingIdlePersist"`  // 15s
	NetworkIdleSettle   time.Duration `mapstructure:"networkIdleSettle"`   // 500ms
	DetailsPushDebounce time.Duration `mapstructure:"detailsPushDebounce"` // 500ms
	ResizeDebounce      time.Duration `mapstructure:"resizeDebounce"`      // 100ms
	CliPingThreshold    time.Duration `mapstructure:"cliPingThreshold"`    // 30s
	BufferCap           int           `mapstructure:"bufferCap"`           // 50 * 1024
}

func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tallr"
	}
	return filepath.Join(home, ".tallr")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 4317)
	v.SetDefault("broker.appDataDir", defaultAppDataDir())
	v.SetDefault("broker.patternFile", "")

	v.SetDefault("client.gateway", "http://127.0.0.1:4317")
	v.SetDefault("client.connectTimeout", 5*time.Second)
	v.SetDefault("client.readTimeout", 5*time.Second)
	v.SetDefault("client.retryAttempts", 2)
	v.SetDefault("client.retryDelay", 500*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracker.entryCooldown", 500*time.Millisecond)
	v.SetDefault("tracker.exitCooldown", 3000*time.Millisecond)
	v.SetDefault("tracker.otherCooldown", 1000*time.Millisecond)
	v.SetDefault("tracker.workingIdlePersist", 10*time.Second)
	v.SetDefault("tracker.pendingIdlePersist", 15*time.Second)
	v.SetDefault("tracker.networkIdleSettle", 500*time.Millisecond)
	v.SetDefault("tracker.detailsPushDebounce", 500*time.Millisecond)
	v.SetDefault("tracker.resizeDebounce", 100*time.Millisecond)
	v.SetDefault("tracker.cliPingThreshold", 30*time.Second)
	v.SetDefault("tracker.bufferCap", 50*1024)
}

// Load reads configuration from default locations (~/.tallr/config.yaml,
// ./config.yaml), TALLR_* environment variables, and built-in defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but also searches configPath for the
// config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TALLR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("broker.port", "TALLR_PORT")
	_ = v.BindEnv("broker.host", "TALLR_HOST")
	_ = v.BindEnv("broker.appDataDir", "TALLR_APP_DATA_DIR")
	_ = v.BindEnv("broker.patternFile", "TALLR_PATTERN_FILE")
	_ = v.BindEnv("client.gateway", "TALLR_GATEWAY")
	_ = v.BindEnv("logging.level", "TALLR_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "TALLR_LOG_FORMAT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(defaultAppDataDir())
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = detectDefaultLogFormat()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TALLR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if cfg.Broker.AppDataDir == "" {
		errs = append(errs, "broker.appDataDir must not be empty")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Client.RetryAttempts < 0 {
		errs = append(errs, "client.retryAttempts must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
