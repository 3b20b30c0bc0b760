package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/signing"
)

// MemoryStore is an in-memory Store used by tests and local development. A
// PutHook lets tests inject failures for specific keys; signed URLs are
// produced with the same HMAC scheme the local object handler verifies.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	putHook func(key string) error

	signer    *signing.Signer
	signedTTL time.Duration
}

// NewMemoryStore constructs an empty MemoryStore. signer may be nil, in which
// case PublicURL returns bare object paths.
func NewMemoryStore(signer *signing.Signer, signedTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string][]byte),
		types:     make(map[string]string),
		signer:    signer,
		signedTTL: signedTTL,
	}
}

// SetPutHook installs a hook invoked before each Put. Returning an error from
// the hook fails the Put with that error. Intended for tests.
func (m *MemoryStore) SetPutHook(hook func(key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putHook = hook
}

// Put stores the object bytes under key.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	hook := m.putHook
	m.mu.RUnlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Transient(fmt.Errorf("read object %s: %w", key, err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

// Compose concatenates the parts in order into destKey.
func (m *MemoryStore) Compose(ctx context.Context, destKey string, partKeys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	for _, part := range partKeys {
		data, ok := m.objects[part]
		if !ok {
			return fmt.Errorf("compose %s: missing part %s", destKey, part)
		}
		buf.Write(data)
	}
	m.objects[destKey] = buf.Bytes()
	if len(partKeys) > 0 {
		m.types[destKey] = m.types[partKeys[0]]
	}
	return nil
}

// Remove deletes objects; missing keys are ignored.
func (m *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, key)
		delete(m.types, key)
	}
	return nil
}

// PublicURL returns a locally served, HMAC-signed object path.
func (m *MemoryStore) PublicURL(ctx context.Context, key string) (string, error) {
	if m.signer == nil {
		return "/objects/" + key, nil
	}
	expires := time.Now().Add(m.signedTTL).Unix()
	sig := m.signer.Sign(key, expires)
	return fmt.Sprintf("/objects/%s?expires=%d&signature=%s", key, expires, sig), nil
}

// Get returns a copy of the stored object, for tests and the local object
// handler.
func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, m.types[key], true
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
