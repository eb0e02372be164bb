package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"ledgerstore/internal/models"
)

// Memory is an in-process Backend used by tests and DSN-less runs.
// A single mutex makes every operation, including the lock
// check inside Persist, one critical section.
type Memory struct {
	mu      sync.Mutex
	records map[string]map[string][]byte
	locks   map[string]string
	users   map[string]*models.UserProfile
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string][]byte),
		locks:   make(map[string]string),
		users:   make(map[string]*models.UserProfile),
	}
}

func lockKey(typeName, id string) string { return typeName + "/" + id }

// Get implements Backend.
func (m *Memory) Get(_ context.Context, typeName, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[typeName][id]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// GetAll implements Backend. Results are ordered by id for determinism.
func (m *Memory) GetAll(_ context.Context, typeName string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.records[typeName]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

// GetWhere implements Backend by decoding each document and evaluating
// the conditions left to right.
func (m *Memory) GetWhere(ctx context.Context, typeName string, keys, ops, values, conjunctions []string) ([][]byte, error) {
	if len(keys) != len(ops) || len(keys) != len(values) {
		return nil, fmt.Errorf("mismatched filter lengths: %d keys, %d ops, %d values", len(keys), len(ops), len(values))
	}
	if len(keys) == 0 {
		return m.GetAll(ctx, typeName)
	}
	if len(keys) > 1 && len(conjunctions) < len(keys)-1 {
		return nil, fmt.Errorf("missing conjunctions: %d conditions, %d conjunctions", len(keys), len(conjunctions))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.records[typeName]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out [][]byte
	for _, id := range ids {
		data := byID[id]
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", typeName, id, err)
		}
		match := matchCondition(doc, keys[0], ops[0], values[0])
		for i := 1; i < len(keys); i++ {
			next := matchCondition(doc, keys[i], ops[i], values[i])
			if conjunctions[i-1] == "OR" {
				match = match || next
			} else {
				match = match && next
			}
		}
		if match {
			out = append(out, data)
		}
	}
	return out, nil
}

func matchCondition(doc map[string]any, key, op, value string) bool {
	v, ok := doc[key]
	if !ok {
		return false
	}
	switch op {
	case "=":
		return fmt.Sprint(v) == value
	case ">=":
		f, ok := toFloat(v)
		if !ok {
			return false
		}
		want, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		return f >= want
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Count implements Backend.
func (m *Memory) Count(_ context.Context, typeName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records[typeName])), nil
}

// Persist implements Backend. The lock re-check and the write happen
// under the backend mutex.
func (m *Memory) Persist(_ context.Context, holder, typeName, id string, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.locks[lockKey(typeName, id)]; ok && h != holder {
		return false, nil
	}
	byID, ok := m.records[typeName]
	if !ok {
		byID = make(map[string][]byte)
		m.records[typeName] = byID
	}
	byID[id] = data
	return true, nil
}

// Remove implements Backend.
func (m *Memory) Remove(_ context.Context, typeName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[typeName], id)
	return nil
}

// CreateLock implements Backend.
func (m *Memory) CreateLock(_ context.Context, typeName, id, holder string) (LockStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(typeName, id)
	if h, ok := m.locks[key]; ok {
		if h == holder {
			return LockAlreadyHeld, nil
		}
		return LockDenied, nil
	}
	m.locks[key] = holder
	return LockAcquired, nil
}

// RemoveLock implements Backend.
func (m *Memory) RemoveLock(_ context.Context, typeName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, lockKey(typeName, id))
	return nil
}

// HasLock implements Backend.
func (m *Memory) HasLock(_ context.Context, typeName, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[lockKey(typeName, id)]
	return ok, nil
}

// IsLockedForUser implements Backend.
func (m *Memory) IsLockedForUser(_ context.Context, user, typeName, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.locks[lockKey(typeName, id)]
	return ok && h != user, nil
}

// LockHolder implements Backend.
func (m *Memory) LockHolder(_ context.Context, typeName, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.locks[lockKey(typeName, id)]
	if !ok {
		return "", ErrNotFound
	}
	return h, nil
}

// User implements Backend.
func (m *Memory) User(_ context.Context, username string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// SaveUser implements Backend.
func (m *Memory) SaveUser(_ context.Context, profile *models.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *profile
	m.users[profile.Username] = &cp
	return nil
}
