package services

import (
	"context"

	"github.com/extensionbay/registry/internal/core/models"
)

// RegistryStorage persists the registry document and package artifacts.
// Implementations decide where the bytes live (memory, disk, object store);
// the document shape and artifact key convention are fixed.
type RegistryStorage interface {
	// GetRegistry loads the persisted registry document. It returns an
	// empty document if nothing has been persisted yet, and wraps
	// ErrUnreadableRegistry when persisted bytes cannot be decoded.
	GetRegistry(ctx context.Context) (models.Registry, error)

	// SaveRegistry persists the document asynchronously. Overlapping calls
	// coalesce: at most one write is in flight, and the newest document
	// replaces any pending one. The caller must hand over a document it
	// will not mutate afterwards.
	SaveRegistry(doc models.Registry)

	// SavePackage stores the artifact for the entry's newest version under
	// the key "<name>/<name>-<version>.zip", reading from sourcePath.
	// Retries overwrite.
	SavePackage(ctx context.Context, entry *models.Entry, sourcePath string) error
}

// PackageValidator inspects an uploaded package file and extracts its
// metadata. Structural problems are reported in the result's error list,
// not as a Go error; the error return is for I/O failures only.
type PackageValidator interface {
	Validate(ctx context.Context, packagePath string) (*ValidationResult, error)
}

// ValidationResult is the validator's verdict on one package file.
// Each element of Errors is a code followed by its substitution arguments.
type ValidationResult struct {
	Metadata *models.Metadata
	Errors   [][]string
}

// Authenticator resolves request tokens to user identities.
type Authenticator interface {
	// UserForToken returns the "<service>:<username>" identity for a
	// token, or "" if the token is not recognized.
	UserForToken(token string) string
}
