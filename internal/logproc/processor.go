package logproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/extensionbay/registry/internal/core/models"
)

// watermarkKey is where the processor records the last log object it has
// ingested, so repeated runs are incremental.
const watermarkKey = "logfileProcessing/lastAccessedKey.json"

// recentDays is the width of the trailing window GetRecentDownloads scans.
const recentDays = 7

// maxConcurrentDownloads bounds the per-object download fan-out. Resource
// bounding only; correctness does not depend on it.
const maxConcurrentDownloads = 32

// s3API is the slice of the S3 client the processor uses. Tests
// substitute a fake.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Processor turns raw access-log objects in the log bucket into aggregated
// download statistics.
type Processor struct {
	client s3API
	bucket string
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Processor reading from the given log bucket.
func New(client s3API, bucket string, logger zerolog.Logger) (*Processor, error) {
	if bucket == "" {
		return nil, errors.New("log bucket must be specified")
	}
	return &Processor{
		client: client,
		bucket: bucket,
		logger: logger,
		now:    time.Now,
	}, nil
}

type watermark struct {
	Key string `json:"Key,omitempty"`
}

// lastProcessedKey reads the persisted watermark. A missing watermark
// object means no logs have been processed yet.
func (p *Processor) lastProcessedKey(ctx context.Context) (string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(watermarkKey),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", nil
		}
		return "", fmt.Errorf("reading last processed key: %w", err)
	}
	defer out.Body.Close()

	var wm watermark
	if err := json.NewDecoder(out.Body).Decode(&wm); err != nil {
		return "", fmt.Errorf("reading last processed key: %w", err)
	}
	return wm.Key, nil
}

func (p *Processor) setLastProcessedKey(ctx context.Context, key string) error {
	data, err := json.Marshal(watermark{Key: key})
	if err != nil {
		return fmt.Errorf("writing last processed key: %w", err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(watermarkKey),
		ContentType: aws.String("application/json"),
		Body:        strings.NewReader(string(data)),
	})
	if err != nil {
		return fmt.Errorf("writing last processed key: %w", err)
	}
	return nil
}

// DownloadLogfiles copies every log object newer than the persisted
// watermark into destDir, advances the watermark to the most recent key
// observed, and returns it. Object keys are flattened into file names by
// replacing path separators.
func (p *Processor) DownloadLogfiles(ctx context.Context, destDir string) (string, error) {
	last, err := p.lastProcessedKey(ctx)
	if err != nil {
		return "", err
	}

	newest, err := p.downloadObjects(ctx, destDir, last, time.Time{})
	if err != nil {
		return "", err
	}
	if newest == "" {
		// nothing new; watermark unchanged
		return last, nil
	}

	if err := p.setLastProcessedKey(ctx, newest); err != nil {
		return "", err
	}
	return newest, nil
}

// downloadObjects lists the bucket starting after startAfter, following
// continuation markers until exhaustion, and downloads every listed object
// (skipping those modified before since, when set) concurrently. It waits
// for all in-flight downloads before returning the last listed key.
func (p *Processor) downloadObjects(ctx context.Context, destDir, startAfter string, since time.Time) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)

	input := &s3.ListObjectsV2Input{Bucket: aws.String(p.bucket)}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}

	var lastKey string
	for {
		page, err := p.client.ListObjectsV2(ctx, input)
		if err != nil {
			// wait out in-flight downloads before reporting
			_ = g.Wait()
			return "", fmt.Errorf("listing log objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || key == watermarkKey {
				continue
			}
			lastKey = key
			if !since.IsZero() && obj.LastModified != nil && obj.LastModified.Before(since) {
				continue
			}
			g.Go(func() error {
				return p.downloadObject(gctx, destDir, key)
			})
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return lastKey, nil
}

func (p *Processor) downloadObject(ctx context.Context, destDir, key string) error {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("downloading log object %s: %w", key, err)
	}
	defer out.Body.Close()

	dest := filepath.Join(destDir, flattenKey(key))
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating logfile %s: %w", dest, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing logfile %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing logfile %s: %w", dest, err)
	}
	p.logger.Debug().Str("key", key).Msg("logfile downloaded")
	return nil
}

// flattenKey turns an object key into a flat local file name.
func flattenKey(key string) string {
	return strings.ReplaceAll(key, "/", "-") + ".log"
}

// ExtractDownloadStats reads every file in logDir line by line and
// aggregates successful artifact downloads per extension. Unreadable files
// and unparseable lines are skipped, never fatal.
func (p *Processor) ExtractDownloadStats(logDir string) (models.DownloadStats, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory: %w", err)
	}

	stats := models.DownloadStats{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := p.extractFile(filepath.Join(logDir, entry.Name()), stats); err != nil {
			p.logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping logfile")
		}
	}
	return stats, nil
}

func (p *Processor) extractFile(path string, stats models.DownloadStats) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		recordLine(sc.Text(), stats)
	}
	return sc.Err()
}

// GetRecentDownloads downloads only the logs from the trailing seven days
// into logDir, extracts stats, and reshapes the result for upload.
func (p *Processor) GetRecentDownloads(ctx context.Context, logDir string) (*models.RecentStats, error) {
	end := p.now().UTC()
	since := end.AddDate(0, 0, -recentDays)

	if _, err := p.downloadObjects(ctx, logDir, "", since); err != nil {
		return nil, err
	}
	stats, err := p.ExtractDownloadStats(logDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	recent := &models.RecentStats{
		StartDate: since.Format(dateKeyLayout),
		EndDate:   end.Format(dateKeyLayout),
	}
	for _, name := range names {
		recent.Extensions = append(recent.Extensions, map[string]*models.ExtensionStats{
			name: {Downloads: models.DownloadCounts{Recent: stats[name].Downloads.Recent}},
		})
	}
	return recent, nil
}
