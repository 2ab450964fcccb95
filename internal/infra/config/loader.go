// Package config provides configuration loading functionality.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/runoshun/crewd/internal/domain"
)

// Loader loads configuration from TOML files.
type Loader struct {
	localPath     string // Explicit --config path, or ./crewd.toml when empty
	globalConfDir string // Path to global config directory (e.g., ~/.config/crewd)
}

// NewLoader creates a new Loader.
// localPath may be empty to use crewd.toml in the working directory.
func NewLoader(localPath string) *Loader {
	return &Loader{
		localPath:     localPath,
		globalConfDir: defaultGlobalConfigDir(),
	}
}

// NewLoaderWithGlobalDir creates a new Loader with a custom global config directory.
// This is useful for testing.
func NewLoaderWithGlobalDir(localPath, globalConfDir string) *Loader {
	return &Loader{
		localPath:     localPath,
		globalConfDir: globalConfDir,
	}
}

// defaultGlobalConfigDir returns the default global config directory.
func defaultGlobalConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return domain.GlobalConfigDir(configHome)
}

// GlobalPath returns the global config file path, or "" if unavailable.
func (l *Loader) GlobalPath() string {
	if l.globalConfDir == "" {
		return ""
	}
	return filepath.Join(l.globalConfDir, domain.ConfigFileName)
}

// LocalPath returns the local config file path.
func (l *Loader) LocalPath() string {
	if l.localPath != "" {
		return l.localPath
	}
	return domain.LocalConfigFileName
}

// Load returns the merged configuration.
// Merge order: default <- global <- local (later takes precedence).
// An explicit local path must exist; the other sources are optional.
func (l *Loader) Load() (*domain.Config, error) {
	cfg := domain.NewDefaultConfig()

	if path := l.GlobalPath(); path != "" {
		if err := applyFile(cfg, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := applyFile(cfg, l.LocalPath()); err != nil {
		if !errors.Is(err, os.ErrNotExist) || l.localPath != "" {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFile decodes the file at path on top of cfg. Keys the file sets
// replace the current values; keys it omits are left alone. Unknown keys
// are recorded as warnings instead of failing the load.
func applyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	// Array tables append on decode; a file listing checks replaces them.
	if definesChecks(raw) {
		cfg.Validation.Checks = nil
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if !errors.As(err, &strict) {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		for _, e := range strict.Errors {
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("%s: unknown key %s", filepath.Base(path), strings.Join(e.Key(), ".")))
		}
	}
	return nil
}

func definesChecks(raw map[string]any) bool {
	validation, ok := raw["validation"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = validation["checks"]
	return ok
}

// Render returns cfg as TOML.
func Render(cfg *domain.Config) (string, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(data), nil
}
