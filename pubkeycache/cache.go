// Package pubkeycache provides kmssigner.PublicKeyCache implementations.
package pubkeycache

import (
	"context"
	"sync"
	"time"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
)

// DefaultTTL bounds how long an entry is kept. Key versions are immutable;
// the TTL only reclaims entries for destroyed keys.
const DefaultTTL = 24 * time.Hour

// Verify interface compliance
var (
	_ kmssigner.PublicKeyCache = (*MemoryStore)(nil)
	_ kmssigner.PublicKeyCache = (*RedisStore)(nil)
)

type entry struct {
	der     []byte
	expires time.Time
}

// MemoryStore is an in-process cache.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore. A zero ttl selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]entry), now: time.Now}
}

// Get returns a copy of the cached key for name.
func (m *MemoryStore) Get(_ context.Context, name string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()

	if !ok || !m.now().Before(e.expires) {
		return nil, false, nil
	}
	return append([]byte(nil), e.der...), true, nil
}

// Set stores a copy of der under name.
func (m *MemoryStore) Set(_ context.Context, name string, der []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = entry{der: append([]byte(nil), der...), expires: m.now().Add(m.ttl)}
	return nil
}

// Len returns the number of entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
