// Package scheduler orchestrates a run: collections in sequence, items
// within a collection in parallel, metadata flushed per collection no
// matter how its items fared.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/tanq16/aimlfetch/internal/fetcher"
	"github.com/tanq16/aimlfetch/internal/gate"
	"github.com/tanq16/aimlfetch/internal/manifest"
	"github.com/tanq16/aimlfetch/internal/metadata"
	"github.com/tanq16/aimlfetch/internal/output"
	"github.com/tanq16/aimlfetch/internal/utils"
	"github.com/tanq16/aimlfetch/internal/validate"
)

// Config carries one run's settings.
type Config struct {
	FS            afero.Fs
	Client        utils.HTTPDoer
	SourcesDir    string
	WorkDir       string
	Collections   []string
	Force         bool
	MaxConcurrent int
	MaxFileSize   int64
	Policy        fetcher.RetryPolicy
	Gate          *gate.Gate      // optional; Run creates one when nil
	Display       *output.Manager // nil runs without the live display
}

func (c Config) downloadsDir() string {
	return filepath.Join(c.WorkDir, "downloads")
}

func (c Config) metadataDir() string {
	return filepath.Join(c.WorkDir, "metadata")
}

// Run downloads every resolved collection sequentially and reports the
// aggregated statistics. The returned error is nil unless the run itself
// could not proceed (configuration) or was cut short (deadline, signal);
// per-item failures only show up in the stats.
func Run(ctx context.Context, cfg Config) (utils.Stats, error) {
	log := utils.GetLogger("scheduler")
	var stats utils.Stats
	collections, err := manifest.Load(cfg.FS, cfg.SourcesDir, cfg.Collections)
	if err != nil {
		return stats, err
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = utils.DefaultMaxConcurrent
	}
	g := cfg.Gate
	if g == nil {
		g = gate.New(cfg.MaxConcurrent)
	}
	f := fetcher.New(fetcher.Config{
		FS:           cfg.FS,
		Client:       cfg.Client,
		Gate:         g,
		Policy:       cfg.Policy,
		DownloadsDir: cfg.downloadsDir(),
		MaxFileSize:  cfg.MaxFileSize,
	})
	log.Info().Int("collections", len(collections)).Int("maxConcurrent", cfg.MaxConcurrent).Bool("force", cfg.Force).Msg("Starting downloads")
	for _, collection := range collections {
		if ctx.Err() != nil {
			break
		}
		runCollection(ctx, cfg, f, collection, &stats)
	}
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("run aborted: %w", err)
	}
	return stats, nil
}

func runCollection(ctx context.Context, cfg Config, f *fetcher.Fetcher, collection manifest.Collection, stats *utils.Stats) {
	log := utils.GetLogger("scheduler")
	store := metadata.Load(cfg.FS, cfg.metadataDir(), collection.Name)
	defer func() {
		if err := store.Flush(); err != nil {
			log.Warn().Err(err).Str("collection", collection.Name).Msg("Failed to save metadata")
		}
	}()
	sweepStaging(cfg.FS, filepath.Join(cfg.downloadsDir(), collection.Name))
	if len(collection.Items) == 0 {
		log.Warn().Str("collection", collection.Name).Msg("No files in collection")
		return
	}
	log.Info().Str("collection", collection.Name).Int("files", len(collection.Items)).Msg("Processing collection")

	collectionRow := cfg.Display.Register(collection.Name)
	cfg.Display.SetProgress(collectionRow, 0, len(collection.Items))
	rowIDs := make(map[string]int, len(collection.Items))
	for _, item := range collection.Items {
		rowIDs[item.Filename] = cfg.Display.Register(collection.Name + "/" + item.Filename)
	}

	workers := min(cfg.MaxConcurrent, len(collection.Items))
	itemCh := make(chan manifest.RemoteItem, len(collection.Items))
	for _, item := range collection.Items {
		itemCh <- item
	}
	close(itemCh)
	outcomeCh := make(chan utils.Outcome, len(collection.Items))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemCh {
				if ctx.Err() != nil {
					continue
				}
				cfg.Display.SetMessage(rowIDs[item.Filename], fmt.Sprintf("Processing %s", item.Filename))
				outcomeCh <- f.Fetch(ctx, collection.Name, store, item, cfg.Force)
			}
		}()
	}

	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		settled := 0
		for outcome := range outcomeCh {
			stats.Add(outcome)
			settled++
			cfg.Display.SetProgress(collectionRow, settled, len(collection.Items))
			row := rowIDs[outcome.Filename]
			switch outcome.Kind {
			case utils.OutcomeDownloaded:
				cfg.Display.Complete(row, fmt.Sprintf("Downloaded %s (%s)", outcome.Filename, utils.FormatBytes(uint64(outcome.Bytes))))
			case utils.OutcomeSkipped:
				cfg.Display.Complete(row, fmt.Sprintf("Skipped %s (unchanged)", outcome.Filename))
			case utils.OutcomeFailed:
				cfg.Display.Fail(row, fmt.Errorf("%s: %v", outcome.Filename, outcome.Err))
			}
		}
		cfg.Display.Complete(collectionRow, fmt.Sprintf("%s: %d/%d files settled", collection.Name, settled, len(collection.Items)))
	}()

	wg.Wait()
	close(outcomeCh)
	<-collectDone
}

// sweepStaging removes leftover staging files from interrupted runs.
// Fresh staging names mean nothing else claims them.
func sweepStaging(fs afero.Fs, collectionDir string) {
	log := utils.GetLogger("scheduler")
	matches, err := afero.Glob(fs, filepath.Join(collectionDir, "*.tmp"))
	if err != nil {
		return
	}
	for _, stale := range matches {
		if err := fs.Remove(stale); err == nil {
			log.Debug().Str("file", stale).Msg("Removed stale staging file")
		}
	}
}

// DryRun resolves the manifest and reports planned work without touching
// the network or the work directory.
func DryRun(cfg Config) error {
	collections, err := manifest.Load(cfg.FS, cfg.SourcesDir, cfg.Collections)
	if err != nil {
		return err
	}
	output.PrintWarning("Dry run, nothing will be downloaded")
	output.PrintInfo(fmt.Sprintf("Would process %d collection(s):", len(collections)))
	for _, collection := range collections {
		output.PrintDetail(fmt.Sprintf("  %s: %d file(s)", collection.Name, len(collection.Items)))
	}
	return nil
}

// Validate re-checks previously downloaded files against the manifest
// without fetching anything.
func Validate(ctx context.Context, cfg Config) (utils.ValidationStats, error) {
	log := utils.GetLogger("scheduler")
	var vstats utils.ValidationStats
	collections, err := manifest.Load(cfg.FS, cfg.SourcesDir, cfg.Collections)
	if err != nil {
		return vstats, err
	}
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return vstats, fmt.Errorf("validation aborted: %w", err)
		}
		log.Info().Str("collection", collection.Name).Msg("Validating collection")
		for _, item := range collection.Items {
			localPath := filepath.Join(cfg.downloadsDir(), collection.Name, item.Filename)
			vstats.Total++
			exists, err := afero.Exists(cfg.FS, localPath)
			if err != nil || !exists {
				log.Warn().Str("collection", collection.Name).Str("file", item.Filename).Msg("Missing file")
				vstats.Missing++
				continue
			}
			content, err := afero.ReadFile(cfg.FS, localPath)
			if err != nil {
				log.Warn().Err(err).Str("file", item.Filename).Msg("Unreadable file")
				vstats.Invalid++
				continue
			}
			warnings, err := validate.File(content, item.Filename)
			if err != nil {
				log.Warn().Err(err).Str("collection", collection.Name).Str("file", item.Filename).Msg("Invalid file")
				vstats.Invalid++
				continue
			}
			for _, warning := range warnings {
				log.Warn().Str("file", item.Filename).Msg(warning)
			}
			vstats.Valid++
		}
	}
	return vstats, nil
}
