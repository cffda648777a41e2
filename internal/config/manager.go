package config

import (
	"errors"
	"sync"
)

// RouterPatch carries runtime router changes. Nil fields are left alone.
type RouterPatch struct {
	EnableAudit      *bool `json:"enable_audit,omitempty"`
	EnableAutoSwitch *bool `json:"enable_auto_switch,omitempty"`
	MaxRetries       *int  `json:"max_retries,omitempty"`
	TimeoutMs        *int  `json:"timeout_ms,omitempty"`
}

// Manager owns the live configuration and notifies listeners when the
// router section changes at runtime.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []func(RouterConfig)
}

// NewManager wraps a loaded configuration.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: *cfg}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Router returns the current router section.
func (m *Manager) Router() RouterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Router
}

// OnRouterChange registers fn to run after every successful UpdateRouter.
func (m *Manager) OnRouterChange(fn func(RouterConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// UpdateRouter applies patch, validates the result and notifies listeners.
// An invalid patch leaves the configuration unchanged.
func (m *Manager) UpdateRouter(patch RouterPatch) (RouterConfig, error) {
	m.mu.Lock()
	next := m.cfg.Router
	if patch.EnableAudit != nil {
		next.EnableAudit = *patch.EnableAudit
	}
	if patch.EnableAutoSwitch != nil {
		next.EnableAutoSwitch = *patch.EnableAutoSwitch
	}
	if patch.MaxRetries != nil {
		next.MaxRetries = *patch.MaxRetries
	}
	if patch.TimeoutMs != nil {
		next.TimeoutMs = *patch.TimeoutMs
	}
	if next.MaxRetries < 0 {
		m.mu.Unlock()
		return m.Router(), errors.New("max_retries must not be negative")
	}
	if next.TimeoutMs <= 0 {
		m.mu.Unlock()
		return m.Router(), errors.New("timeout_ms must be positive")
	}
	m.cfg.Router = next
	listeners := append([]func(RouterConfig){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}
