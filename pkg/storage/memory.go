package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore used by tests. PresignGet embeds
// a random nonce so successive calls for the same key return distinct URLs,
// matching real presigners.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

// NewMemoryStore initializes an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put stores object bytes under key.
func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.types[key] = contentType
	m.mu.Unlock()
	return nil
}

// PresignGet returns a synthetic signed URL for a stored key.
func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("presign get: no such key %q", key)
	}
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	expires := time.Now().UTC().Add(expiry).Unix()
	return fmt.Sprintf("memory://bucket/%s?expires=%d&sig=%s", key, expires, hex.EncodeToString(nonce)), nil
}

// Object returns the stored bytes for a key.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}
