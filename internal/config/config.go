// Package config provides configuration management for the adbg server.
//
// Configuration controls:
//   - Capability mode (readonly vs full): determines which tools are available
//   - Permission flags: control attach, modify and invoke operations
//   - ADB server address and local forwarding port range
//   - Safety limits: maximum sessions and session timeout
//   - Logging level and format
//
// Values are read from a YAML file (adbg.yaml, .adbg.yaml), then from
// ADBG_* environment variables. Flags given on the command line win over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Only inspection tools
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Config holds the server configuration
type Config struct {
	// Capability levels
	Mode        CapabilityMode `mapstructure:"mode"`
	AllowAttach bool           `mapstructure:"allowAttach"`
	AllowModify bool           `mapstructure:"allowModify"`
	AllowInvoke bool           `mapstructure:"allowInvoke"`

	ADB     ADBConfig     `mapstructure:"adb"`
	Forward ForwardConfig `mapstructure:"forward"`
	Log     LogConfig     `mapstructure:"log"`

	// Limits for safety
	MaxSessions    int           `mapstructure:"maxSessions"`
	SessionTimeout time.Duration `mapstructure:"sessionTimeout"`
}

// ADBConfig locates the ADB server
type ADBConfig struct {
	Address     string        `mapstructure:"address"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

// ForwardConfig bounds the local ports used for jdwp forwarding.
// FixedPort, when non-zero, bypasses random allocation.
type ForwardConfig struct {
	PortMin   int `mapstructure:"portMin"`
	PortMax   int `mapstructure:"portMax"`
	FixedPort int `mapstructure:"fixedPort"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console, json or auto
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Mode:        ModeFull,
		AllowAttach: true,
		AllowModify: true,
		AllowInvoke: true,
		ADB: ADBConfig{
			Address:     "127.0.0.1:5037",
			DialTimeout: 5 * time.Second,
		},
		Forward: ForwardConfig{
			PortMin: 40000,
			PortMax: 40999,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		MaxSessions:    10,
		SessionTimeout: 30 * time.Minute,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ADBG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("mode", "ADBG_MODE")
	_ = v.BindEnv("adb.address", "ADBG_ADB_ADDRESS")
	_ = v.BindEnv("forward.fixedPort", "ADBG_FORWARD_PORT")
	_ = v.BindEnv("log.level", "ADBG_LOG_LEVEL")
	_ = v.BindEnv("log.format", "ADBG_LOG_FORMAT")

	cfg := Default()
	v.SetDefault("mode", string(cfg.Mode))
	v.SetDefault("allowAttach", cfg.AllowAttach)
	v.SetDefault("allowModify", cfg.AllowModify)
	v.SetDefault("allowInvoke", cfg.AllowInvoke)
	v.SetDefault("adb.address", cfg.ADB.Address)
	v.SetDefault("adb.dialTimeout", cfg.ADB.DialTimeout)
	v.SetDefault("forward.portMin", cfg.Forward.PortMin)
	v.SetDefault("forward.portMax", cfg.Forward.PortMax)
	v.SetDefault("forward.fixedPort", cfg.Forward.FixedPort)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("maxSessions", cfg.MaxSessions)
	v.SetDefault("sessionTimeout", cfg.SessionTimeout)
	return v
}

// Load reads the first adbg config file found on the search path and
// overlays the environment. A missing file is not an error.
func Load() (*Config, error) {
	v := newViper()

	v.AddConfigPath("/etc/adbg/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "adbg"))
	}
	v.SetConfigName("adbg")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// Fall back to ~/.adbg.yaml
		if home, herr := os.UserHomeDir(); herr == nil {
			dotfile := filepath.Join(home, ".adbg.yaml")
			if _, serr := os.Stat(dotfile); serr == nil {
				v.SetConfigFile(dotfile)
				if err := v.ReadInConfig(); err != nil {
					return nil, err
				}
			}
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that viper cannot express
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return fmt.Errorf("invalid mode %q: expected readonly or full", c.Mode)
	}
	if c.Forward.PortMin <= 0 || c.Forward.PortMax > 65535 || c.Forward.PortMin > c.Forward.PortMax {
		return fmt.Errorf("invalid forward port range %d-%d", c.Forward.PortMin, c.Forward.PortMax)
	}
	if c.Forward.FixedPort < 0 || c.Forward.FixedPort > 65535 {
		return fmt.Errorf("invalid forward.fixedPort %d", c.Forward.FixedPort)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}

// CanUseControlTools returns true if control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanAttach returns true if attaching to processes is allowed
func (c *Config) CanAttach() bool {
	return c.AllowAttach
}

// CanModifyVariables returns true if variable modification is allowed
func (c *Config) CanModifyVariables() bool {
	return c.Mode == ModeFull && c.AllowModify
}

// CanInvoke returns true if running methods in the debuggee is allowed
func (c *Config) CanInvoke() bool {
	return c.Mode == ModeFull && c.AllowInvoke
}
