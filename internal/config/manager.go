package config

import (
	"fmt"
	"sync"
)

// Manager provides thread-safe access to the live configuration.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewManager(initial *Config) *Manager {
	return &Manager{cfg: initial}
}

func (m *Manager) Get() *Config {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Set(cfg *Config) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Reload loads config from path and swaps it in. On error the current
// config is kept.
func (m *Manager) Reload(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config reload path is required")
	}
	loaded, err := Load(path)
	if err != nil {
		return nil, err
	}
	m.Set(loaded)
	return loaded, nil
}
