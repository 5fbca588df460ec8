package config

import "sync"

// Limits resolves the per-owner concurrency cap: a global default with
// optional per-owner overrides from the config file, adjustable at runtime.
type Limits struct {
	mu        sync.RWMutex
	def       int
	overrides map[string]int
}

// NewLimits builds a resolver from the loaded limits section.
func NewLimits(cfg LimitsConfig) *Limits {
	def := cfg.DefaultConcurrency
	if def <= 0 {
		def = 1
	}
	overrides := make(map[string]int, len(cfg.Owners))
	for owner, n := range cfg.Owners {
		if n > 0 {
			overrides[owner] = n
		}
	}
	return &Limits{def: def, overrides: overrides}
}

// Concurrency returns the effective cap for an owner.
func (l *Limits) Concurrency(ownerID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n, ok := l.overrides[ownerID]; ok {
		return n
	}
	return l.def
}

// SetOverride installs or replaces an owner override. A non-positive limit
// removes the override.
func (l *Limits) SetOverride(ownerID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.overrides, ownerID)
		return
	}
	l.overrides[ownerID] = limit
}
