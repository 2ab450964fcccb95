package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/runoshun/crewd/internal/domain"
)

// ErrConfigExists is returned when initializing over an existing file.
var ErrConfigExists = errors.New("config file already exists")

// Info describes one configuration source.
type Info struct {
	Path    string
	Content string
	Exists  bool
}

// Manager inspects and initializes configuration files.
type Manager struct {
	loader *Loader
}

// NewManager creates a new Manager for the loader's sources.
func NewManager(loader *Loader) *Manager {
	return &Manager{loader: loader}
}

// GlobalInfo returns information about the global config file.
func (m *Manager) GlobalInfo() Info {
	path := m.loader.GlobalPath()
	if path == "" {
		return Info{}
	}
	return readInfo(path)
}

// LocalInfo returns information about the local config file.
func (m *Manager) LocalInfo() Info {
	return readInfo(m.loader.LocalPath())
}

func readInfo(path string) Info {
	content, err := os.ReadFile(path)
	if err != nil {
		return Info{Path: path}
	}
	return Info{
		Path:    path,
		Content: string(content),
		Exists:  true,
	}
}

// InitLocal writes the default configuration to the local config path.
func (m *Manager) InitLocal() (string, error) {
	path := m.loader.LocalPath()
	return path, initConfig(path)
}

// InitGlobal writes the default configuration to the global config path.
func (m *Manager) InitGlobal() (string, error) {
	path := m.loader.GlobalPath()
	if path == "" {
		return "", errors.New("global config directory not available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return path, initConfig(path)
}

func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrConfigExists)
	}
	content, err := Render(domain.NewDefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
