package persist

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ VersionedStore = (*MemoryStore)(nil)

type memoryEntry struct {
	data      []byte
	version   string
	timestamp time.Time
}

// MemoryStore keeps blobs in process memory. Contents are lost on Close.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	vd, err := m.GetVersioned(key)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (m *MemoryStore) GetVersioned(key string) (*VersionedData, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	data := make([]byte, len(entry.data))
	copy(data, entry.data)
	return &VersionedData{Data: data, Version: entry.version, Timestamp: entry.timestamp}, nil
}

func (m *MemoryStore) Set(key string, data []byte) error {
	_, err := m.set(key, data, "", false)
	return err
}

func (m *MemoryStore) SetVersioned(key string, data []byte, expectedVersion string) (string, error) {
	return m.set(key, data, expectedVersion, true)
}

func (m *MemoryStore) set(key string, data []byte, expectedVersion string, checkVersion bool) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", fmt.Errorf("memory store is closed")
	}

	if checkVersion {
		current := m.entries[key].version
		if current != expectedVersion {
			return "", ConcurrencyError{
				Key:             key,
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SetVersioned",
			}
		}
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	version := calculateVersion(stored)
	m.entries[key] = memoryEntry{data: stored, version: version, timestamp: time.Now().UTC()}
	return version, nil
}

func (m *MemoryStore) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Ping() error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]memoryEntry)
	m.closed = true
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}
