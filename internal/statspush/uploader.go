package statspush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/logproc"
)

// StatsFilename is the name of the aggregated stats file written into the
// working directory between the extract and upload steps.
const StatsFilename = "downloadStats.json"

// Uploader orchestrates the download-statistics batch job: pull logs from
// the bucket, extract counts, and push them to the registry service's
// loopback stats endpoint.
type Uploader struct {
	processor *logproc.Processor
	endpoint  string
	client    *http.Client
	logger    zerolog.Logger
}

// New returns an Uploader posting to endpoint, e.g.
// "http://localhost:4040/stats".
func New(processor *logproc.Processor, endpoint string, logger zerolog.Logger) *Uploader {
	return &Uploader{
		processor: processor,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
}

// Download pulls new log objects into tempDir and returns the advanced
// watermark.
func (u *Uploader) Download(ctx context.Context, tempDir string) (string, error) {
	return u.processor.DownloadLogfiles(ctx, tempDir)
}

// Extract aggregates the logs in tempDir and writes the stats document
// next to them, returning its path.
func (u *Uploader) Extract(tempDir string) (string, error) {
	stats, err := u.processor.ExtractDownloadStats(tempDir)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return "", fmt.Errorf("encoding download stats: %w", err)
	}
	path := filepath.Join(tempDir, StatsFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing download stats: %w", err)
	}
	u.logger.Info().Int("extensions", len(stats)).Str("path", path).Msg("download stats extracted")
	return path, nil
}

// Upload posts the stats file to the loopback endpoint, retrying transient
// failures with exponential backoff. A 4xx response is permanent: the
// endpoint only accepts loopback traffic, so retrying cannot help.
func (u *Uploader) Upload(ctx context.Context, statsPath string) error {
	data, err := os.ReadFile(statsPath)
	if err != nil {
		return fmt.Errorf("reading download stats: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("stats upload failed: status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("stats upload rejected: status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return err
	}
	u.logger.Info().Str("endpoint", u.endpoint).Msg("download stats uploaded")
	return nil
}

// Run executes the full pipeline and removes the stats file afterwards.
func (u *Uploader) Run(ctx context.Context, tempDir string) error {
	if _, err := u.Download(ctx, tempDir); err != nil {
		return err
	}
	statsPath, err := u.Extract(tempDir)
	if err != nil {
		return err
	}
	if err := u.Upload(ctx, statsPath); err != nil {
		return err
	}
	if err := os.Remove(statsPath); err != nil {
		u.logger.Warn().Err(err).Msg("removing stats file")
	}
	return nil
}
