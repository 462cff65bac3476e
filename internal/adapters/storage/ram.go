package storage

import (
	"context"
	"sync"

	"github.com/extensionbay/registry/internal/core/models"
)

// RAMStorage keeps the registry and an artifact index in memory. Used for
// tests and ephemeral deployments. Documents are deep-cloned on both read
// and write so callers can never mutate the stored copy by reference.
type RAMStorage struct {
	mu       sync.Mutex
	registry models.Registry
	files    map[string]string
}

// NewRAMStorage creates an empty in-memory backend.
func NewRAMStorage() *RAMStorage {
	return &RAMStorage{
		registry: models.Registry{},
		files:    make(map[string]string),
	}
}

// GetRegistry returns a deep copy of the stored document.
func (s *RAMStorage) GetRegistry(_ context.Context) (models.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Clone(), nil
}

// SaveRegistry stores a deep copy of doc. In-memory writes are immediate,
// so there is nothing to coalesce.
func (s *RAMStorage) SaveRegistry(doc models.Registry) {
	clone := doc.Clone()
	s.mu.Lock()
	s.registry = clone
	s.mu.Unlock()
}

// SavePackage records the artifact key and its source path.
func (s *RAMStorage) SavePackage(_ context.Context, entry *models.Entry, sourcePath string) error {
	s.mu.Lock()
	s.files[artifactKey(entry)] = sourcePath
	s.mu.Unlock()
	return nil
}

// PackageFiles returns a copy of the artifact index.
func (s *RAMStorage) PackageFiles() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}
