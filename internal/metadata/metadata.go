// Package metadata persists per-collection download records used for
// incremental change detection.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tanq16/aimlfetch/internal/utils"
)

// Record describes one successfully published file. Validator fields are
// optional; Hash and Size always reflect the file at the final path.
type Record struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Hash         string    `json:"hash"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Store holds the records of a single collection.
type Store struct {
	collection string
	path       string
	fs         afero.Fs
	mu         sync.RWMutex
	records    map[string]Record
}

// Load reads the collection's records from dir. It never fails: a missing,
// unreadable, or corrupt file yields an empty store with a warning so a
// damaged cache only costs re-downloads.
func Load(fs afero.Fs, dir, collection string) *Store {
	log := utils.GetLogger("metadata")
	s := &Store{
		collection: collection,
		path:       filepath.Join(dir, collection+".json"),
		fs:         fs,
		records:    make(map[string]Record),
	}
	data, err := afero.ReadFile(fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("collection", collection).Msg("Could not read metadata, starting fresh")
		}
		return s
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("Could not parse metadata, starting fresh")
		s.records = make(map[string]Record)
	}
	return s
}

func (s *Store) Get(filename string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[filename]
	return rec, ok
}

func (s *Store) Put(filename string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[filename] = rec
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Filenames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush writes all records to disk, creating the metadata directory as
// needed. The write goes through a temp file renamed over the final path
// so a crash never leaves a truncated metadata file.
func (s *Store) Flush() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("error encoding metadata: %v", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("error creating metadata directory: %v", err)
	}
	tempPath := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString()[:8])
	if err := afero.WriteFile(s.fs, tempPath, data, 0644); err != nil {
		return fmt.Errorf("error writing metadata: %v", err)
	}
	if err := s.fs.Rename(tempPath, s.path); err != nil {
		s.fs.Remove(tempPath)
		return fmt.Errorf("error publishing metadata: %v", err)
	}
	return nil
}
