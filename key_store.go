package kmssigner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// KeyStore records keys created through KeyLifecycleManager in a JSON file
// with atomic persistence. It holds no key material.
type KeyStore struct {
	mu    sync.RWMutex
	path  string
	data  *StoreData
	dirty bool
}

// NewKeyStore creates or opens a store at the given path.
// If the directory doesn't exist, it is created with 0700 permissions.
func NewKeyStore(path string) (*KeyStore, error) {
	if path == "" {
		return nil, ErrMissingStore
	}

	store := &KeyStore{
		path: path,
		data: &StoreData{
			Version: DefaultStoreVersion,
			Keys:    make(map[string]*KeyMetadata),
		},
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// load reads store data from disk.
func (s *KeyStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	// Empty file is valid - treat as empty store
	if len(data) == 0 {
		return nil
	}

	var storeData StoreData
	if err := json.Unmarshal(data, &storeData); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	if storeData.Version > DefaultStoreVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrStoreCorrupted, storeData.Version)
	}
	if storeData.Keys == nil {
		storeData.Keys = make(map[string]*KeyMetadata)
	}

	s.data = &storeData
	s.dirty = false
	return nil
}

// syncLocked writes store data using temp file + rename.
// Must be called with write lock held.
func (s *KeyStore) syncLocked() error {
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorePersist, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write: %v", ErrStorePersist, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync: %v", ErrStorePersist, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close: %v", ErrStorePersist, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrStorePersist, err)
	}

	s.dirty = false
	return nil
}

// Close flushes pending changes to disk.
func (s *KeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

// Path returns the store file path.
func (s *KeyStore) Path() string {
	return s.path
}

// Save records key metadata under its resource name.
func (s *KeyStore) Save(meta *KeyMetadata) error {
	if meta == nil {
		return fmt.Errorf("metadata cannot be nil")
	}
	if meta.Name == "" {
		return fmt.Errorf("metadata Name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Keys[meta.Name]; exists {
		return fmt.Errorf("%w: %s", ErrKeyExists, meta.Name)
	}

	cp := *meta
	s.data.Keys[meta.Name] = &cp
	s.dirty = true
	return s.syncLocked()
}

// Get retrieves metadata by resource name.
func (s *KeyStore) Get(name string) (*KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.data.Keys[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	cp := *meta
	return &cp, nil
}

// Has checks existence.
func (s *KeyStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Keys[name] != nil
}

// List returns all metadata ordered by resource name.
func (s *KeyStore) List() []*KeyMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*KeyMetadata, 0, len(s.data.Keys))
	for _, meta := range s.data.Keys {
		cp := *meta
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
