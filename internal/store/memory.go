package store

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"
)

type memoryKey struct {
	fields    map[string]string
	expiresAt time.Time // zero means no expiry
}

func (k *memoryKey) expired(now time.Time) bool {
	return !k.expiresAt.IsZero() && now.After(k.expiresAt)
}

// Memory implements Store on a process-local map with Redis-matching
// semantics: lazy key expiry, field writes that do not refresh TTL, and
// glob-pattern scans. It backs tests and single-node deployments where a
// Redis server is overkill.
type Memory struct {
	mu   sync.Mutex
	keys map[string]*memoryKey
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*memoryKey)}
}

// get returns the live record for key, reaping it first if expired.
// Callers must hold mu.
func (m *Memory) get(key string) *memoryKey {
	record, ok := m.keys[key]
	if !ok {
		return nil
	}
	if record.expired(time.Now()) {
		delete(m.keys, key)
		return nil
	}
	return record
}

func (m *Memory) SetFields(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.get(key)
	if record == nil {
		record = &memoryKey{fields: make(map[string]string)}
		m.keys[key] = record
	}
	for field, value := range fields {
		record.fields[field] = value
	}
	return nil
}

func (m *Memory) GetField(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.get(key)
	if record == nil {
		return "", false, nil
	}
	value, ok := record.fields[field]
	return value, ok, nil
}

func (m *Memory) GetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]string)
	record := m.get(key)
	if record == nil {
		return fields, nil
	}
	for field, value := range record.fields {
		fields[field] = value
	}
	return fields, nil
}

func (m *Memory) DeleteField(_ context.Context, key, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.get(key)
	if record == nil {
		return false, nil
	}
	if _, ok := record.fields[field]; !ok {
		return false, nil
	}
	delete(record.fields, field)
	if len(record.fields) == 0 {
		delete(m.keys, key)
	}
	return true, nil
}

func (m *Memory) DeleteKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.get(key)
	if record == nil {
		return fmt.Errorf("expire %s: key does not exist", key)
	}
	record.expiresAt = time.Now().Add(time.Duration(seconds) * time.Second)
	return nil
}

func (m *Memory) IncrementField(_ context.Context, key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.get(key)
	if record == nil {
		record = &memoryKey{fields: make(map[string]string)}
		m.keys[key] = record
	}
	current := int64(0)
	if raw, ok := record.fields[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("hincrby %s %s: value is not an integer", key, field)
		}
		current = parsed
	}
	record.fields[field] = strconv.FormatInt(current+delta, 10)
	return nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var keys []string
	for key, record := range m.keys {
		if record.expired(now) {
			delete(m.keys, key)
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// TTL reports the remaining time-to-live for key. ok is false when the key
// is absent or carries no expiry.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.get(key)
	if record == nil || record.expiresAt.IsZero() {
		return 0, false
	}
	return time.Until(record.expiresAt), true
}
