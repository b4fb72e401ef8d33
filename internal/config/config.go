/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
// Minimal schema to start; can evolve with config_version migrations.
//
// config_version: bump when the structure changes in a backward-incompatible way.
// Unknown fields should be preserved when possible (yaml handles this by ignoring extras on unmarshal).

type GeneralConfig struct {
	DataDir   string `yaml:"data_dir"`   // holds notes.sqlite, images.sqlite, handles/, backups/, crashes/
	ExportDir string `yaml:"export_dir"` // where backup snapshots and bundles are written
}

type TelemetryConfig struct {
	OptIn     bool   `yaml:"opt_in"`
	EventsURL string `yaml:"events_url"`
	CrashURL  string `yaml:"crash_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int             `yaml:"config_version"`
	General       GeneralConfig   `yaml:"general"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// Defaults returns the application defaults. DataDir and ExportDir are
// resolved lazily (DataPath) so the zero values stay portable.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		General:       GeneralConfig{DataDir: "", ExportDir: ""},
		Telemetry:     TelemetryConfig{OptIn: false},
		Logging:       LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvDataDir        = "NDN_DATA_DIR"
	EnvExportDir      = "NDN_EXPORT_DIR"
	EnvTelemetryOptIn = "NDN_TELEMETRY_OPT_IN"
	EnvTelemetryURL   = "NDN_TELEMETRY_URL"
	EnvCrashUploadURL = "NDN_CRASH_UPLOAD_URL"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "NDN_LOG_LEVEL"
	EnvLogFormat = "NDN_LOG_FORMAT"
	EnvLogSource = "NDN_LOG_SOURCE"
	EnvLogFile   = "NDN_LOG_FILE"
)

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	base, err := userScopeDir("config")
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

// DataPath returns the per-user data directory holding the databases.
func DataPath() (string, error) {
	return userScopeDir("data")
}

func userScopeDir(kind string) (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "Notedown")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "Notedown")
	default: // linux and others
		if kind == "data" {
			if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
				base = filepath.Join(xdg, "notedown")
			} else {
				base = filepath.Join(os.Getenv("HOME"), ".local", "share", "notedown")
			}
		} else {
			if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
				base = filepath.Join(xdg, "notedown")
			} else {
				base = filepath.Join(os.Getenv("HOME"), ".config", "notedown")
			}
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve user directory")
	}
	return base, nil
}

// Well-known locations inside the data directory.
func NotesDBPath(dataDir string) string { return filepath.Join(dataDir, "notes.sqlite") }
func ImagesDBPath(dataDir string) string { return filepath.Join(dataDir, "images.sqlite") }
func HandlesDir(dataDir string) string { return filepath.Join(dataDir, "handles") }
func BackupsDir(dataDir string) string { return filepath.Join(dataDir, "backups") }
func CrashesDir(dataDir string) string { return filepath.Join(dataDir, "crashes") }
func DefaultExports(dataDir string) string { return filepath.Join(dataDir, "exports") }

// EffectiveDataDir resolves the configured data directory, falling back
// to the per-user default when unset.
func (g GeneralConfig) EffectiveDataDir() (string, error) {
	if strings.TrimSpace(g.DataDir) != "" {
		return g.DataDir, nil
	}
	return DataPath()
}

// EffectiveExportDir resolves the export directory, defaulting to
// exports/ under the data directory.
func (g GeneralConfig) EffectiveExportDir() (string, error) {
	if strings.TrimSpace(g.ExportDir) != "" {
		return g.ExportDir, nil
	}
	dataDir, err := g.EffectiveDataDir()
	if err != nil {
		return "", err
	}
	return DefaultExports(dataDir), nil
}

// Load reads user config file (if present), applies defaults, and merges environment overrides.
func Load() (AppConfig, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err == nil {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes the user config YAML.
func Save(cfg AppConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if strings.TrimSpace(src.General.DataDir) != "" {
		dst.General.DataDir = strings.TrimSpace(src.General.DataDir)
	}
	if strings.TrimSpace(src.General.ExportDir) != "" {
		dst.General.ExportDir = strings.TrimSpace(src.General.ExportDir)
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.Telemetry.OptIn = src.Telemetry.OptIn
	if strings.TrimSpace(src.Telemetry.EventsURL) != "" {
		dst.Telemetry.EventsURL = strings.TrimSpace(src.Telemetry.EventsURL)
	}
	if strings.TrimSpace(src.Telemetry.CrashURL) != "" {
		dst.Telemetry.CrashURL = strings.TrimSpace(src.Telemetry.CrashURL)
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.General.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvExportDir)); v != "" {
		cfg.General.ExportDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryOptIn)); v != "" {
		lv := strings.ToLower(v)
		cfg.Telemetry.OptIn = lv == "1" || lv == "true" || lv == "on" || lv == "yes"
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryURL)); v != "" {
		cfg.Telemetry.EventsURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCrashUploadURL)); v != "" {
		cfg.Telemetry.CrashURL = v
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		lv := strings.ToLower(v)
		cfg.Logging.Source = lv == "1" || lv == "true" || lv == "on" || lv == "yes"
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	switch key {
	case "general.data_dir":
		if os.Getenv(EnvDataDir) != "" {
			return EnvDataDir, true
		}
	case "general.export_dir":
		if os.Getenv(EnvExportDir) != "" {
			return EnvExportDir, true
		}
	case "telemetry.opt_in":
		if os.Getenv(EnvTelemetryOptIn) != "" {
			return EnvTelemetryOptIn, true
		}
	case "telemetry.events_url":
		if os.Getenv(EnvTelemetryURL) != "" {
			return EnvTelemetryURL, true
		}
	case "telemetry.crash_url":
		if os.Getenv(EnvCrashUploadURL) != "" {
			return EnvCrashUploadURL, true
		}
	case "logging.level":
		if os.Getenv(EnvLogLevel) != "" {
			return EnvLogLevel, true
		}
	case "logging.format":
		if os.Getenv(EnvLogFormat) != "" {
			return EnvLogFormat, true
		}
	case "logging.source":
		if os.Getenv(EnvLogSource) != "" {
			return EnvLogSource, true
		}
	case "logging.file":
		if os.Getenv(EnvLogFile) != "" {
			return EnvLogFile, true
		}
	}
	return "", false
}
