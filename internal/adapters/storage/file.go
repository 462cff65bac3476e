package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/core/services"
)

const registryFilename = "registry.json"

// FileStorage stores the registry as a JSON file and artifacts as files
// under a directory tree. Used for running on localhost.
type FileStorage struct {
	directory    string
	registryFile string
	saver        *coalescingSaver
	logger       zerolog.Logger
}

// NewFileStorage creates the directory if needed and returns the backend.
func NewFileStorage(directory string, logger zerolog.Logger) (*FileStorage, error) {
	if directory == "" {
		return nil, errors.New("directory must be specified for file storage")
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	s := &FileStorage{
		directory:    directory,
		registryFile: filepath.Join(directory, registryFilename),
		logger:       logger,
	}
	s.saver = newCoalescingSaver(s.writeRegistry)
	return s, nil
}

// GetRegistry reads the registry file, returning an empty document if the
// file does not exist yet.
func (s *FileStorage) GetRegistry(_ context.Context) (models.Registry, error) {
	data, err := os.ReadFile(s.registryFile)
	if errors.Is(err, os.ErrNotExist) {
		return models.Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	var doc models.Registry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrUnreadableRegistry, err)
	}
	return doc, nil
}

// SaveRegistry persists doc asynchronously with last-write-wins coalescing.
func (s *FileStorage) SaveRegistry(doc models.Registry) {
	s.saver.Save(doc)
}

func (s *FileStorage) writeRegistry(doc models.Registry) {
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding registry")
		return
	}
	if err := os.WriteFile(s.registryFile, data, 0o644); err != nil {
		s.logger.Error().Err(err).Msg("writing registry file")
	}
}

// SavePackage copies the uploaded file to "<name>/<name>-<version>.zip"
// under the storage directory, overwriting any previous copy.
func (s *FileStorage) SavePackage(_ context.Context, entry *models.Entry, sourcePath string) error {
	key := artifactKey(entry)
	dest := filepath.Join(s.directory, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating package directory: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening uploaded package: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating package file: %w", err)
	}

	dw := newDigestWriter(dst)
	size, err := io.Copy(dw, src)
	if err != nil {
		dst.Close()
		os.Remove(dest)
		return fmt.Errorf("copying package: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing package file: %w", err)
	}

	s.logger.Debug().
		Str("key", key).
		Str("sha256", dw.Sum()).
		Int64("size", size).
		Msg("package stored")
	return nil
}
