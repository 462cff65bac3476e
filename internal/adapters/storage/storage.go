package storage

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/core/services"
)

// Backend kinds selectable from configuration.
const (
	KindRAM  = "ram"
	KindFile = "file"
	KindS3   = "s3"
)

// Config selects and parameterizes a storage backend.
type Config struct {
	Backend   string
	Directory string
	Bucket    string
	Region    string
}

type constructor func(ctx context.Context, cfg Config, logger zerolog.Logger) (services.RegistryStorage, error)

var constructors = map[string]constructor{
	KindRAM: func(_ context.Context, _ Config, _ zerolog.Logger) (services.RegistryStorage, error) {
		return NewRAMStorage(), nil
	},
	KindFile: func(_ context.Context, cfg Config, logger zerolog.Logger) (services.RegistryStorage, error) {
		return NewFileStorage(cfg.Directory, logger)
	},
	KindS3: func(ctx context.Context, cfg Config, logger zerolog.Logger) (services.RegistryStorage, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		return NewS3Storage(s3.NewFromConfig(awsCfg), cfg.Bucket, logger)
	},
}

// New constructs the storage backend named by cfg.Backend.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (services.RegistryStorage, error) {
	ctor, ok := constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return ctor(ctx, cfg, logger)
}

// artifactKey returns the stable storage key for an entry's newest
// version: "<name>/<name>-<version>.zip". All backends share it.
func artifactKey(entry *models.Entry) string {
	name := entry.Metadata.Name
	version := entry.Versions[len(entry.Versions)-1].Version
	return name + "/" + name + "-" + version + ".zip"
}
