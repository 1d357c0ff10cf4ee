// Package config manages application configuration from environment variables and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const envPrefix = "D2VAULT_"

// DefaultPluginID names the plugin directory under <vault>/<config dir>/plugins.
const DefaultPluginID = "d2"

var pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Config holds runtime configuration for the vault viewer and exporter.
type Config struct {
	VaultDir      string
	ConfigDirName string
	PluginID      string
	ExportOutput  string
	Port          int
	RenderTimeout time.Duration
	AutoOpen      bool
	Verbose       bool
}

// Default returns ready-to-use defaults prior to env/flag overrides.
func Default() Config {
	return Config{
		VaultDir:      ".",
		ConfigDirName: ".d2vault",
		PluginID:      DefaultPluginID,
		Port:          0, // 0 = auto-select random available port
		AutoOpen:      true,
		RenderTimeout: 12 * time.Second,
		ExportOutput:  "-",
	}
}

// PluginDir returns the vault-relative directory holding the plugin's runtime files.
func (c Config) PluginDir() string {
	return filepath.ToSlash(filepath.Join(c.ConfigDirName, "plugins", c.PluginID))
}

// RegisterFlags attaches configuration flags to the provided FlagSet.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.VaultDir, "vault", "r", cfg.VaultDir, "vault directory containing markdown notes")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to bind the HTTP server (0 = auto-assign, default: auto)")
	fs.BoolVar(&cfg.AutoOpen, "auto-open", cfg.AutoOpen, "open the browser automatically after start")
	fs.StringVar(&cfg.PluginID, "plugin-id", cfg.PluginID, "plugin id; runtime files live under <vault>/<config-dir>/plugins/<id>")
	fs.StringVar(&cfg.ConfigDirName, "config-dir", cfg.ConfigDirName, "vault-relative configuration directory")
	fs.DurationVar(&cfg.RenderTimeout, "render-timeout", cfg.RenderTimeout, "maximum time spent compiling and rendering one diagram")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable verbose logging (HTTP requests)")
}

// ApplyEnvOverrides reads supported environment variables and overrides cfg in place.
func ApplyEnvOverrides(cfg *Config) {
	applyStringEnv("VAULT", func(v string) { cfg.VaultDir = v })
	applyStringEnv("CONFIG_DIR", func(v string) { cfg.ConfigDirName = v })
	applyStringEnv("PLUGIN_ID", func(v string) { cfg.PluginID = v })
	applyIntEnv("PORT", func(v int) { cfg.Port = v })
	applyBoolEnv("AUTO_OPEN", func(v bool) { cfg.AutoOpen = v })
	applyDurationEnv("RENDER_TIMEOUT", func(v time.Duration) { cfg.RenderTimeout = v })
	applyBoolEnv("VERBOSE", func(v bool) { cfg.Verbose = v })
}

func applyStringEnv(key string, apply func(string)) {
	if raw, ok := lookupNonEmpty(key); ok {
		apply(raw)
	}
}

func applyIntEnv(key string, apply func(int)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.Atoi(raw); err == nil {
			apply(value)
		}
	}
}

func applyBoolEnv(key string, apply func(bool)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.ParseBool(raw); err == nil {
			apply(value)
		}
	}
}

func applyDurationEnv(key string, apply func(time.Duration)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := time.ParseDuration(raw); err == nil {
			apply(value)
		}
	}
}

func lookupNonEmpty(key string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	return value, true
}

// Finalize validates and normalizes paths.
func Finalize(cfg *Config) error {
	root, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("resolve vault directory: %w", err)
	}
	cfg.VaultDir = root

	// Allow port 0 for dynamic allocation, otherwise validate range
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	cfg.PluginID = strings.TrimSpace(cfg.PluginID)
	if cfg.PluginID == "" {
		cfg.PluginID = DefaultPluginID
	}
	if !pluginIDPattern.MatchString(cfg.PluginID) {
		return fmt.Errorf("invalid plugin id: %q", cfg.PluginID)
	}

	cfg.ConfigDirName = filepath.ToSlash(filepath.Clean(strings.TrimSpace(cfg.ConfigDirName)))
	if cfg.ConfigDirName == "." || cfg.ConfigDirName == "" {
		cfg.ConfigDirName = ".d2vault"
	}
	if filepath.IsAbs(cfg.ConfigDirName) || strings.HasPrefix(cfg.ConfigDirName, "../") || cfg.ConfigDirName == ".." {
		return fmt.Errorf("config dir must stay inside the vault: %q", cfg.ConfigDirName)
	}

	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 12 * time.Second
	}

	if cfg.ExportOutput == "" {
		cfg.ExportOutput = "-"
	}

	return nil
}
