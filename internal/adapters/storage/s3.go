package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/core/services"
	"github.com/extensionbay/registry/internal/util/hashing"
)

// registryObjectKey is the well-known key of the registry document in the
// bucket. The object is gzipped JSON with a public-read ACL so clients can
// fetch listings without going through the service.
const registryObjectKey = "registry.json"

// s3API is the slice of the S3 client this backend uses. Tests substitute
// a fake.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage stores the registry and artifacts in an S3 bucket.
type S3Storage struct {
	client s3API
	bucket string
	saver  *coalescingSaver
	logger zerolog.Logger
}

// NewS3Storage returns a backend writing to the given bucket.
func NewS3Storage(client s3API, bucket string, logger zerolog.Logger) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("bucket must be specified for s3 storage")
	}
	s := &S3Storage{
		client: client,
		bucket: bucket,
		logger: logger,
	}
	s.saver = newCoalescingSaver(s.writeRegistry)
	return s, nil
}

// GetRegistry fetches and decompresses the registry object. A missing
// object means nothing has been persisted yet; decompression and parse
// failures surface as ErrUnreadableRegistry rather than raw transport
// errors.
func (s *S3Storage) GetRegistry(ctx context.Context) (models.Registry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(registryObjectKey),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return models.Registry{}, nil
		}
		return nil, fmt.Errorf("fetching registry object: %w", err)
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrUnreadableRegistry, err)
	}
	defer gz.Close()

	var doc models.Registry
	if err := json.NewDecoder(gz).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrUnreadableRegistry, err)
	}
	return doc, nil
}

// SaveRegistry persists doc asynchronously with last-write-wins coalescing.
func (s *S3Storage) SaveRegistry(doc models.Registry) {
	s.saver.Save(doc)
}

func (s *S3Storage) writeRegistry(doc models.Registry) {
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding registry")
		return
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err == nil {
		err = gz.Close()
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("compressing registry")
		return
	}

	_, err = s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(registryObjectKey),
		ACL:             s3types.ObjectCannedACLPublicRead,
		ContentEncoding: aws.String("gzip"),
		ContentType:     aws.String("application/json"),
		Body:            bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("saving registry to s3")
	}
}

// SavePackage streams the uploaded file to "<name>/<name>-<version>.zip"
// in the bucket. Retries overwrite the object.
func (s *S3Storage) SavePackage(ctx context.Context, entry *models.Entry, sourcePath string) error {
	key := artifactKey(entry)

	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening uploaded package: %w", err)
	}
	defer f.Close()

	digest, size, err := hashing.ComputeSHA256(f)
	if err != nil {
		return fmt.Errorf("digesting package: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding package file: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ACL:           s3types.ObjectCannedACLPublicRead,
		ContentType:   aws.String("application/zip"),
		ContentLength: aws.Int64(size),
		Body:          f,
	})
	if err != nil {
		return fmt.Errorf("saving package %s: %w", key, err)
	}

	s.logger.Debug().
		Str("key", key).
		Str("sha256", digest).
		Int64("size", size).
		Msg("package stored")
	return nil
}
