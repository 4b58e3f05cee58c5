package metadata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := Load(fs, "work/metadata", "alice")
	assert.Equal(t, 0, s.Len())
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "work/metadata/alice.json", []byte("{not json"), 0644))
	s := Load(fs, "work/metadata", "alice")
	assert.Equal(t, 0, s.Len())
}

func TestFlushAndReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := Load(fs, "work/metadata", "alice")
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	s.Put("greetings.aiml", Record{
		ETag:         `"abc123"`,
		LastModified: "Wed, 21 Oct 2015 07:28:00 GMT",
		Hash:         "deadbeef",
		Size:         1234,
		DownloadedAt: now,
	})
	s.Put("farewells.aiml", Record{Hash: "cafe", Size: 99, DownloadedAt: now})
	require.NoError(t, s.Flush())

	reloaded := Load(fs, "work/metadata", "alice")
	require.Equal(t, 2, reloaded.Len())
	rec, ok := reloaded.Get("greetings.aiml")
	require.True(t, ok)
	assert.Equal(t, `"abc123"`, rec.ETag)
	assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", rec.LastModified)
	assert.Equal(t, "deadbeef", rec.Hash)
	assert.Equal(t, int64(1234), rec.Size)
	assert.True(t, rec.DownloadedAt.Equal(now))
	assert.Equal(t, []string{"farewells.aiml", "greetings.aiml"}, reloaded.Filenames())
}

func TestFlushLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := Load(fs, "work/metadata", "alice")
	s.Put("a.aiml", Record{Hash: "aa", Size: 1, DownloadedAt: time.Now()})
	require.NoError(t, s.Flush())

	matches, err := afero.Glob(fs, "work/metadata/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFlushOmitsEmptyValidators(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := Load(fs, "work/metadata", "alice")
	s.Put("a.aiml", Record{Hash: "aa", Size: 1, DownloadedAt: time.Now()})
	require.NoError(t, s.Flush())

	data, err := afero.ReadFile(fs, "work/metadata/alice.json")
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasETag := raw["a.aiml"]["etag"]
	assert.False(t, hasETag)
	_, hasLM := raw["a.aiml"]["last_modified"]
	assert.False(t, hasLM)
}

func TestPutOverwritesRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := Load(fs, "work/metadata", "alice")
	s.Put("a.aiml", Record{Hash: "old", Size: 1, DownloadedAt: time.Now()})
	s.Put("a.aiml", Record{Hash: "new", Size: 2, DownloadedAt: time.Now()})
	rec, ok := s.Get("a.aiml")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Hash)
	assert.Equal(t, 1, s.Len())
}
