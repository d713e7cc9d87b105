// Package config resolves rfcflow settings from defaults, an optional
// .rfcflow/config.yaml, and RFCFLOW_* environment variables.
//
// Resolution happens once at the CLI boundary: Initialize sets up the viper
// instance, Load turns it into a typed Config that is passed to constructors.
// Core packages never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DirName is the per-project configuration directory.
const DirName = ".rfcflow"

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	if path, ok := findConfigFile(); ok {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RFCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Conventional variables shared with other tooling.
	_ = v.BindEnv("github.token", "RFCFLOW_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN")
	_ = v.BindEnv("github.repo", "RFCFLOW_GITHUB_REPO", "GITHUB_REPOSITORY")
	_ = v.BindEnv("notion.token", "RFCFLOW_NOTION_TOKEN", "NOTION_TOKEN")

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)

	v.SetDefault("github.repo", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.api-url", "https://api.github.com")
	v.SetDefault("github.timeout", 30*time.Second)

	v.SetDefault("notion.token", "")
	v.SetDefault("notion.api-url", "https://api.notion.com/v1")
	v.SetDefault("notion.rate", 3.0)
	v.SetDefault("notion.burst", 5)
	v.SetDefault("notion.retries", 5)
	v.SetDefault("notion.timeout", 30*time.Second)

	v.SetDefault("store.path", "rfc_tracking.db")
	v.SetDefault("store.lock-stale", 300*time.Second)
	v.SetDefault("store.lock-poll", 2*time.Second)

	v.SetDefault("ingest.journal", "notion_ingestion_journal.log")
	v.SetDefault("ingest.summary", "notion_ingestion_metrics.json")

	v.SetDefault("reconcile.max-runs", 200)
	v.SetDefault("reconcile.stuck-after", 30*time.Minute)
	v.SetDefault("reconcile.output", "chain_reset_plan.json")
	v.SetDefault("reconcile.format", string(FormatJSON))
	v.SetDefault("reconcile.event-source", "chain-consistency-manager")

	v.SetDefault("mutex.dependencies", filepath.Join("docs", "status", "rfc-dependencies.json"))

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.endpoint", "")
}

// findConfigFile walks up from the working directory looking for
// .rfcflow/config.yaml.
func findConfigFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, DirName, "config.yaml")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Set overrides a key, typically from a command-line flag.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
