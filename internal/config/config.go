// Package config holds the application settings of the smit CLI, backed
// by viper: defaults, an optional YAML file and SMIT_* environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goeb/smit/internal/debug"
)

// Setting keys.
const (
	KeyActor           = "actor"
	KeyEditDelay       = "edit-delay"
	KeyLockTimeout     = "lock-timeout"
	KeyMaxUploadSize   = "max-upload-size"
	KeyHTTPTimeout     = "http-timeout"
	KeyLoadConcurrency = "load-concurrency"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configPath := locateConfigFile()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// E.g. SMIT_ACTOR, SMIT_EDIT_DELAY
	v.SetEnvPrefix("SMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyActor, "")
	v.SetDefault(KeyEditDelay, "10m")
	v.SetDefault(KeyLockTimeout, "30s")
	v.SetDefault(KeyMaxUploadSize, "10mb")
	v.SetDefault(KeyHTTPTimeout, "30s")
	v.SetDefault(KeyLoadConcurrency, 4)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("Debug: loaded config from %s\n", v.ConfigFileUsed())
	} else {
		debug.Logf("Debug: no config.yaml found; using defaults and environment variables\n")
	}
	return nil
}

// locateConfigFile returns the first existing of $SMIT_CONFIG,
// ~/.config/smit/config.yaml and ~/.smit/config.yaml.
func locateConfigFile() string {
	if p := os.Getenv("SMIT_CONFIG"); p != "" {
		return p
	}
	var candidates []string
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "smit", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".smit", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// ResetForTesting clears the config state, allowing Initialize() to be called again.
func ResetForTesting() {
	v = nil
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetSize retrieves a byte size such as "10mb".
func GetSize(key string) int64 {
	if v == nil {
		return 0
	}
	return int64(v.GetSizeInBytes(key))
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Settings is a resolved snapshot of the configuration, passed explicitly
// to the engine packages.
type Settings struct {
	Actor           string
	EditDelay       time.Duration
	LockTimeout     time.Duration
	MaxUploadSize   int64
	HTTPTimeout     time.Duration
	LoadConcurrency int
}

// Current returns the resolved settings. The actor falls back to $USER.
func Current() Settings {
	s := Settings{
		Actor:           GetString(KeyActor),
		EditDelay:       GetDuration(KeyEditDelay),
		LockTimeout:     GetDuration(KeyLockTimeout),
		MaxUploadSize:   GetSize(KeyMaxUploadSize),
		HTTPTimeout:     GetDuration(KeyHTTPTimeout),
		LoadConcurrency: GetInt(KeyLoadConcurrency),
	}
	if s.Actor == "" {
		s.Actor = os.Getenv("USER")
	}
	if s.LoadConcurrency <= 0 {
		s.LoadConcurrency = 1
	}
	return s
}
