// Package fetcher implements the change detector and the
// fetch-and-validate pipeline for a single remote item.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tanq16/aimlfetch/internal/gate"
	"github.com/tanq16/aimlfetch/internal/manifest"
	"github.com/tanq16/aimlfetch/internal/metadata"
	"github.com/tanq16/aimlfetch/internal/utils"
	"github.com/tanq16/aimlfetch/internal/validate"
)

var (
	ErrTooLarge   = errors.New("file too large")
	ErrValidation = errors.New("file failed validation")
)

type Config struct {
	FS           afero.Fs
	Client       utils.HTTPDoer
	Gate         *gate.Gate
	Policy       RetryPolicy
	DownloadsDir string
	MaxFileSize  int64
}

type Fetcher struct {
	fs           afero.Fs
	client       utils.HTTPDoer
	gate         *gate.Gate
	policy       RetryPolicy
	downloadsDir string
	maxFileSize  int64
}

func New(cfg Config) *Fetcher {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = utils.DefaultMaxFileSize
	}
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy.MaxAttempts = utils.DefaultRetryAttempts
	}
	if cfg.Policy.Sleep == nil {
		cfg.Policy.Sleep = sleepContext
	}
	return &Fetcher{
		fs:           cfg.FS,
		client:       cfg.Client,
		gate:         cfg.Gate,
		policy:       cfg.Policy,
		downloadsDir: cfg.DownloadsDir,
		maxFileSize:  cfg.MaxFileSize,
	}
}

func (f *Fetcher) LocalPath(collection, filename string) string {
	return filepath.Join(f.downloadsDir, collection, filename)
}

// Fetch runs one item through the pipeline: change detection, bounded
// retries around the transfer, validation, atomic publish, and the store
// update. It always returns a terminal outcome, never panics a worker.
func (f *Fetcher) Fetch(ctx context.Context, collection string, store *metadata.Store, item manifest.RemoteItem, force bool) utils.Outcome {
	log := utils.GetLogger("fetcher")
	start := time.Now()
	outcome := utils.Outcome{
		Collection: collection,
		Filename:   item.Filename,
		URL:        item.URL,
	}
	localPath := f.LocalPath(collection, item.Filename)
	if err := f.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		outcome.Kind = utils.OutcomeFailed
		outcome.Err = fmt.Errorf("error creating collection directory: %v", err)
		outcome.Elapsed = time.Since(start)
		return outcome
	}

	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		if attempt > 1 {
			delay := f.policy.Backoff(attempt - 1)
			log.Warn().Str("file", item.Filename).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying download")
			if err := f.policy.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		decision := f.NeedsFetch(ctx, collection, store, item, force)
		if !decision.NeedsFetch {
			log.Debug().Str("file", item.Filename).Str("collection", collection).Msg("Skipped (unchanged)")
			outcome.Kind = utils.OutcomeSkipped
			outcome.Elapsed = time.Since(start)
			return outcome
		}
		record, err := f.transfer(ctx, localPath, item.URL, decision)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		store.Put(item.Filename, record)
		log.Debug().Str("file", item.Filename).Str("collection", collection).Int64("bytes", record.Size).Msg("Downloaded")
		outcome.Kind = utils.OutcomeDownloaded
		outcome.Bytes = record.Size
		outcome.Hash = record.Hash
		outcome.Elapsed = time.Since(start)
		return outcome
	}
	log.Error().Err(lastErr).Str("collection", collection).Str("url", item.URL).Int("attempts", outcome.Attempts).Msg("Download failed")
	outcome.Kind = utils.OutcomeFailed
	outcome.Err = lastErr
	outcome.ValidationFailed = errors.Is(lastErr, ErrValidation)
	outcome.Elapsed = time.Since(start)
	return outcome
}

// transfer performs one GET attempt under the gate: size checks, streaming
// the body to a fresh staging file while hashing, validation, and the
// rename that publishes the file. The staging file is removed on every
// failure path so nothing partial survives.
func (f *Fetcher) transfer(ctx context.Context, localPath, url string, decision Decision) (metadata.Record, error) {
	log := utils.GetLogger("fetcher")
	if err := f.gate.Acquire(ctx); err != nil {
		return metadata.Record{}, err
	}
	defer f.gate.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return metadata.Record{}, fmt.Errorf("error creating GET request: %v", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return metadata.Record{}, fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metadata.Record{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxFileSize {
		return metadata.Record{}, fmt.Errorf("%w: %d bytes declared, max %d", ErrTooLarge, resp.ContentLength, f.maxFileSize)
	}

	stagingPath := fmt.Sprintf("%s.%s.tmp", localPath, uuid.NewString()[:8])
	size, hash, err := f.writeStaging(stagingPath, resp.Body)
	if err != nil {
		f.fs.Remove(stagingPath)
		return metadata.Record{}, err
	}
	if strings.HasSuffix(strings.ToLower(localPath), ".aiml") {
		content, err := afero.ReadFile(f.fs, stagingPath)
		if err != nil {
			f.fs.Remove(stagingPath)
			return metadata.Record{}, fmt.Errorf("error reading staged file: %v", err)
		}
		warnings, err := validate.File(content, filepath.Base(localPath))
		if err != nil {
			f.fs.Remove(stagingPath)
			return metadata.Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		for _, warning := range warnings {
			log.Warn().Str("file", filepath.Base(localPath)).Msg(warning)
		}
	}
	if err := f.fs.Rename(stagingPath, localPath); err != nil {
		f.fs.Remove(stagingPath)
		return metadata.Record{}, fmt.Errorf("error publishing file: %v", err)
	}
	return metadata.Record{
		ETag:         firstNonEmpty(resp.Header.Get("ETag"), decision.ETag),
		LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), decision.LastModified),
		Hash:         hash,
		Size:         size,
		DownloadedAt: time.Now().UTC(),
	}, nil
}

// writeStaging streams body into path while computing the SHA-256 digest.
// The reader is capped one byte past the size limit so an oversize body
// with no declared length fails instead of filling the disk.
func (f *Fetcher) writeStaging(path string, body io.Reader) (int64, string, error) {
	outFile, err := f.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("error creating staging file: %v", err)
	}
	hasher := sha256.New()
	limited := io.LimitReader(body, f.maxFileSize+1)
	written, err := io.CopyBuffer(io.MultiWriter(outFile, hasher), limited, make([]byte, utils.DefaultBufferSize))
	if err != nil {
		outFile.Close()
		return 0, "", fmt.Errorf("error writing staging file: %v", err)
	}
	if written > f.maxFileSize {
		outFile.Close()
		return 0, "", fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, f.maxFileSize)
	}
	if err := outFile.Sync(); err != nil {
		outFile.Close()
		return 0, "", fmt.Errorf("error syncing staging file: %v", err)
	}
	if err := outFile.Close(); err != nil {
		return 0, "", fmt.Errorf("error closing staging file: %v", err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
