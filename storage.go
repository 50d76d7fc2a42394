package wayplan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ============================================================================
// Local Persistent Store
// ============================================================================

// ErrNotFound is returned when a storage key has no record.
var ErrNotFound = errors.New("not found")

// Well-known storage keys. Each key maps to one whole serialized record;
// the store offers no partial update, so writers read-modify-write the
// entire record.
const (
	KeySession = "session"
	KeyTrips   = "trips"
	KeyQueue   = "queue"
)

// Storage is a durable key→serialized-value container. Implementations
// provide no transactions across keys.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// ── MemoryStorage ────────────────────────────────────────

// MemoryStorage is a goroutine-safe in-memory storage backend, mainly for
// tests and ephemeral sessions.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// ── FileStorage ──────────────────────────────────────────

// FileStorage persists each record as a JSON file under dir, surviving
// process restarts. The directory is created lazily on first write.
// Writes go through a temp file plus rename so a crash mid-write leaves
// the previous record intact.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage creates a file-backed storage rooted at dir. If dir is
// empty, ~/.wayplan/data is used.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".wayplan", "data")
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStorage) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record %q: %w", key, err)
	}
	return data, nil
}

func (s *FileStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write record %q: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("commit record %q: %w", key, err)
	}
	return nil
}

func (s *FileStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record %q: %w", key, err)
	}
	return nil
}
