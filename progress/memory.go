package progress

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Memory is an in-process HashStore for tests and single-node development.
type Memory struct {
	mu     sync.Mutex
	hashes map[string]memoryHash
	now    func() time.Time
}

type memoryHash struct {
	fields  map[string]string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{hashes: make(map[string]memoryHash), now: time.Now}
}

// lookup returns the live hash for key, dropping it if expired. Callers hold mu.
func (m *Memory) lookup(key string) (memoryHash, bool) {
	h, ok := m.hashes[key]
	if !ok {
		return memoryHash{}, false
	}
	if !h.expires.IsZero() && !m.now().Before(h.expires) {
		delete(m.hashes, key)
		return memoryHash{}, false
	}
	return h, true
}

func (m *Memory) SetFields(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup(key)
	if !ok {
		h = memoryHash{fields: map[string]string{}}
	}
	maps.Copy(h.fields, fields)
	m.hashes[key] = h
	return nil
}

func (m *Memory) DeleteFields(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup(key)
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h.fields, f)
	}
	if len(h.fields) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) GetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup(key)
	if !ok {
		return map[string]string{}, nil
	}
	return maps.Clone(h.fields), nil
}

func (m *Memory) SetNX(_ context.Context, key, field, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup(key)
	if !ok {
		h = memoryHash{fields: map[string]string{}}
	}
	if _, exists := h.fields[field]; exists {
		return false, nil
	}
	h.fields[field] = value
	if ttl > 0 {
		h.expires = m.now().Add(ttl)
	}
	m.hashes[key] = h
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup(key)
	if !ok || h.fields[field] != value {
		return false, nil
	}
	delete(m.hashes, key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.hashes, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
