package jsbridge

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ConfigPrefix is the environment variable prefix read by LoadConfig.
const ConfigPrefix = "JSBRIDGE"

// Config holds runtime-wide defaults. Every field can be overridden per Context with
// ContextOption values.
type Config struct {
	// Timeout bounds every Evaluate/Run call; zero disables the watchdog.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"0s"`

	// MaxCallStackSize limits script recursion depth; zero keeps the engine default.
	MaxCallStackSize int `envconfig:"MAX_CALL_STACK" default:"0"`

	// Hooks enables hook dispatch for new contexts.
	Hooks bool `envconfig:"HOOKS" default:"false"`

	// Toolkit is the global name of the script toolkit object; empty disables it.
	Toolkit string `envconfig:"TOOLKIT"`

	// Origin is the default origin of root contexts; empty assigns a random one per context.
	Origin string `envconfig:"ORIGIN"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEV" default:"false"`
}

// LoadConfig loads configuration from JSBRIDGE_* environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ConfigPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigOrDefault loads configuration from the environment or returns the default.
func LoadConfigOrDefault() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
	}
}
