package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/aimlfetch/internal/fetcher"
	"github.com/tanq16/aimlfetch/internal/gate"
	"github.com/tanq16/aimlfetch/internal/metadata"
	"github.com/tanq16/aimlfetch/internal/utils"
)

const goodAIML = `<?xml version="1.0" encoding="UTF-8"?>
<aiml version="2.0">
  <category>
    <pattern>HELLO</pattern>
    <template>Hi there!</template>
  </category>
</aiml>`

func writeSource(t *testing.T, fs afero.Fs, name string, urls ...string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\nfiles:\n", name)
	if len(urls) == 0 {
		b.Reset()
		fmt.Fprintf(&b, "name: %s\nfiles: []\n", name)
	}
	for _, u := range urls {
		fmt.Fprintf(&b, "  - url: %s\n", u)
	}
	require.NoError(t, afero.WriteFile(fs, filepath.Join("sources", name+".yaml"), []byte(b.String()), 0644))
}

// conditionalServer serves the given files with per-file ETags and honors
// If-None-Match on HEAD, mimicking an origin that supports incremental sync.
func conditionalServer(contents map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		content, ok := contents[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		etag := fmt.Sprintf("%q", name+"-v1")
		if r.Method == http.MethodHead {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write([]byte(content))
	}))
}

func testConfig(fs afero.Fs) Config {
	return Config{
		FS:            fs,
		Client:        utils.NewFetchHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second}),
		SourcesDir:    "sources",
		WorkDir:       "work",
		MaxConcurrent: 4,
		Policy: fetcher.RetryPolicy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			Sleep:       func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		},
	}
}

func TestRunIncrementalFlow(t *testing.T) {
	server := conditionalServer(map[string]string{
		"greet.aiml":     goodAIML,
		"smalltalk.aiml": goodAIML,
	})
	defer server.Close()

	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", server.URL+"/f/greet.aiml", server.URL+"/f/smalltalk.aiml")
	cfg := testConfig(fs)

	stats, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Downloaded)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, int64(2*len(goodAIML)), stats.TotalBytes)

	stats, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Downloaded)
	assert.Equal(t, 2, stats.Skipped, "an unchanged origin should only produce skips")

	require.NoError(t, fs.Remove("work/downloads/alice/greet.aiml"))
	stats, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded, "a deleted local file is re-fetched")
	assert.Equal(t, 1, stats.Skipped)

	content, err := afero.ReadFile(fs, "work/downloads/alice/greet.aiml")
	require.NoError(t, err)
	assert.Equal(t, goodAIML, string(content))
}

func TestRunFlushesMetadataDespiteFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path.Base(r.URL.Path) == "bad.aiml" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(goodAIML))
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", server.URL+"/f/greet.aiml", server.URL+"/f/bad.aiml")
	cfg := testConfig(fs)

	stats, err := Run(context.Background(), cfg)
	require.NoError(t, err, "per-item failures do not fail the run")
	assert.Equal(t, 1, stats.Downloaded)
	assert.Equal(t, 1, stats.Failed)

	exists, err := afero.Exists(fs, "work/metadata/alice.json")
	require.NoError(t, err)
	assert.True(t, exists, "metadata is saved even when some items fail")
	store := metadata.Load(fs, "work/metadata", "alice")
	assert.Equal(t, 1, store.Len())
	_, ok := store.Get("greet.aiml")
	assert.True(t, ok)
}

func TestRunHonorsDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(goodAIML))
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", server.URL+"/f/greet.aiml")
	cfg := testConfig(fs)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "run aborted")
}

func TestRunFailsOnUnknownCollection(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice")
	cfg := testConfig(fs)
	cfg.Collections = []string{"nope"}

	_, err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestRunHandlesEmptyCollection(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice")
	cfg := testConfig(fs)

	stats, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total())
}

func TestRunSweepsStaleStaging(t *testing.T) {
	server := conditionalServer(map[string]string{"greet.aiml": goodAIML})
	defer server.Close()

	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", server.URL+"/f/greet.aiml")
	stale := "work/downloads/alice/greet.aiml.deadbeef.tmp"
	require.NoError(t, afero.WriteFile(fs, stale, []byte("partial"), 0644))
	cfg := testConfig(fs)

	stats, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)

	matches, err := afero.Glob(fs, "work/downloads/alice/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches, "stale staging files from interrupted runs are swept")
}

func TestRunBoundsConcurrency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(goodAIML))
	}))
	defer server.Close()

	urls := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("%s/f/part%d.aiml", server.URL, i))
	}
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", urls...)
	cfg := testConfig(fs)
	cfg.MaxConcurrent = 4
	g := gate.New(2)
	cfg.Gate = g

	stats, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Downloaded)
	assert.LessOrEqual(t, g.HighWater(), 2, "no more than two transfers may hold the gate at once")
}

func TestRunProcessesAllCollections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(goodAIML))
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	writeSource(t, fs, "zulu", server.URL+"/f/z.aiml")
	writeSource(t, fs, "alpha", server.URL+"/f/a.aiml")
	cfg := testConfig(fs)

	stats, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Downloaded)
	for _, p := range []string{"work/downloads/alpha/a.aiml", "work/downloads/zulu/z.aiml"} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestDryRunMakesNoChanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", "https://example.com/f/greet.aiml")
	cfg := testConfig(fs)

	require.NoError(t, DryRun(cfg))
	exists, err := afero.DirExists(fs, "work")
	require.NoError(t, err)
	assert.False(t, exists, "a dry run must not create the work directory")
}

func TestDryRunFailsOnUnknownCollection(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", "https://example.com/f/greet.aiml")
	cfg := testConfig(fs)
	cfg.Collections = []string{"bob"}

	err := DryRun(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestValidateWalksCollections(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice",
		"https://example.com/f/good.aiml",
		"https://example.com/f/broken.aiml",
		"https://example.com/f/missing.aiml",
	)
	require.NoError(t, afero.WriteFile(fs, "work/downloads/alice/good.aiml", []byte(goodAIML), 0644))
	require.NoError(t, afero.WriteFile(fs, "work/downloads/alice/broken.aiml", []byte("<aiml><category>"), 0644))
	cfg := testConfig(fs)

	vstats, err := Validate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, vstats.Total)
	assert.Equal(t, 1, vstats.Valid)
	assert.Equal(t, 1, vstats.Invalid)
	assert.Equal(t, 1, vstats.Missing)
	assert.False(t, vstats.Clean())
}

func TestValidateCleanTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSource(t, fs, "alice", "https://example.com/f/good.aiml")
	require.NoError(t, afero.WriteFile(fs, "work/downloads/alice/good.aiml", []byte(goodAIML), 0644))
	cfg := testConfig(fs)

	vstats, err := Validate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, vstats.Valid)
	assert.True(t, vstats.Clean())
}
