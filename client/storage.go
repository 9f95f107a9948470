// Package client is the customer-side session agent: it persists the
// session identifier and last snapshot, recovers after reloads, and
// mirrors server events across sibling tabs.
package client

import (
	"encoding/json"
	"os"
	"sync"
)

const storageNamespace = "storehub.queue."

// Storage is durable per-origin key-value storage. Implementations must
// degrade to "absent" when the backing store is disabled or cleared,
// never fail the agent.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string)
}

// MemoryStorage backs tests and storage-disabled environments.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// FileStorage persists the namespace to a single JSON file, the durable
// stand-in for browser local storage. Read errors surface as absent
// keys; a corrupt or missing file means a fresh start, not a crash.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (s *FileStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.load()
	v, ok := items[key]
	return v, ok
}

func (s *FileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.load()
	items[key] = value
	return s.save(items)
}

func (s *FileStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.load()
	delete(items, key)
	_ = s.save(items)
}

func (s *FileStorage) load() map[string]string {
	items := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return items
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return make(map[string]string)
	}
	return items
}

func (s *FileStorage) save(items map[string]string) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
