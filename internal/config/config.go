// Package config is the bootstrap-time configuration singleton: a viper
// instance reading aavion.yaml plus AAVION_* environment overrides. It
// only feeds values needed before the system brain is readable (data
// root, log sink, listen address); runtime configuration lives in the
// system brain's config section.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var (
	v    *viper.Viper
	once sync.Once
)

// Initialize sets up the viper singleton. Called once at startup;
// subsequent calls are no-ops.
//
// File precedence: ./aavion.yaml, then <data root>/aavion.yaml, then
// ~/.config/aavion/aavion.yaml. A missing file is fine; defaults and
// environment variables still apply.
func Initialize() error {
	var err error
	once.Do(func() {
		v = viper.New()
		v.SetConfigType("yaml")

		v.SetDefault("root", defaultRoot())
		v.SetDefault("log_level", "info")
		v.SetDefault("log_format", "logfmt")
		v.SetDefault("listen", "127.0.0.1:7331")

		v.SetEnvPrefix("AAVION")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		for _, path := range candidatePaths() {
			if _, statErr := os.Stat(path); statErr == nil {
				v.SetConfigFile(path)
				err = v.ReadInConfig()
				return
			}
		}
	})
	return err
}

func candidatePaths() []string {
	var out []string
	if cwd, err := os.Getwd(); err == nil {
		out = append(out, filepath.Join(cwd, "aavion.yaml"))
	}
	out = append(out, filepath.Join(defaultRoot(), "aavion.yaml"))
	if configDir, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(configDir, "aavion", "aavion.yaml"))
	}
	return out
}

func defaultRoot() string {
	if env := os.Getenv("AAVION_ROOT"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aavion"
	}
	return filepath.Join(home, ".aavion")
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// Root returns the data root directory.
func Root() string { return ensure().GetString("root") }

// LogLevel returns the startup log level (the system brain's log_level
// key takes over once readable).
func LogLevel() string { return ensure().GetString("log_level") }

// LogFormat returns "logfmt" or "json".
func LogFormat() string { return ensure().GetString("log_format") }

// LogPath returns an explicit log file path, empty for the locator
// default.
func LogPath() string { return ensure().GetString("log_path") }

// Listen returns the gateway bind address.
func Listen() string { return ensure().GetString("listen") }

// Set overrides a key for the current process (tests, CLI flags).
func Set(key string, value any) { ensure().Set(key, value) }
