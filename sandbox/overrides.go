package sandbox

import (
	"maps"
	"sync"
)

// overrideStore holds pending env overrides per tool. Launches read it; only
// ClearEnvOverrides removes entries.
type overrideStore struct {
	mu   sync.RWMutex
	vars map[string]map[string]string
}

func newOverrideStore() *overrideStore {
	return &overrideStore{vars: make(map[string]map[string]string)}
}

func (s *overrideStore) set(toolName, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.vars[toolName]
	if !ok {
		env = make(map[string]string)
		s.vars[toolName] = env
	}
	env[key] = value
}

func (s *overrideStore) setAll(toolName string, env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst, ok := s.vars[toolName]
	if !ok {
		dst = make(map[string]string, len(env))
		s.vars[toolName] = dst
	}
	maps.Copy(dst, env)
}

func (s *overrideStore) get(toolName string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars[toolName])
}

func (s *overrideStore) clear(toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, toolName)
}

// SetEnvOverride sets one variable for the next launch of toolName. A
// sandbox that is already running is not affected.
func (m *Manager) SetEnvOverride(toolName, key, value string) {
	m.overrides.set(toolName, key, value)
}

// SetEnvOverrides merges env into the pending overrides for toolName.
func (m *Manager) SetEnvOverrides(toolName string, env map[string]string) {
	m.overrides.setAll(toolName, env)
}

// EnvOverrides returns a copy of the pending overrides for toolName.
func (m *Manager) EnvOverrides(toolName string) map[string]string {
	return m.overrides.get(toolName)
}

// ClearEnvOverrides drops all pending overrides for toolName.
func (m *Manager) ClearEnvOverrides(toolName string) {
	m.overrides.clear(toolName)
}
