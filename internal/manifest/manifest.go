// Package manifest loads collection definitions from YAML source files.
package manifest

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/tanq16/aimlfetch/internal/utils"
	"gopkg.in/yaml.v3"
)

// RemoteItem is a single downloadable file within a collection.
type RemoteItem struct {
	URL      string
	Filename string
}

// Collection is a named group of remote items. The name doubles as the
// storage namespace for downloads and metadata.
type Collection struct {
	Name  string
	Items []RemoteItem
}

type sourceFile struct {
	Files []sourceEntry `yaml:"files"`
}

type sourceEntry struct {
	URL string `yaml:"url"`
}

// Load reads every *.yaml definition under dir and returns the selected
// collections in name order. An empty names slice selects all. Malformed
// definitions are skipped with a warning; a requested name with no
// definition file, or zero loadable collections, is an error.
func Load(fs afero.Fs, dir string, names []string) ([]Collection, error) {
	log := utils.GetLogger("manifest")
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("error checking sources directory: %v", err)
	}
	if !exists {
		return nil, fmt.Errorf("sources directory not found: %s", dir)
	}
	matches, err := afero.Glob(fs, filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("error scanning sources directory: %v", err)
	}
	sort.Strings(matches)

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = false
	}
	var collections []Collection
	var available []string
	for _, match := range matches {
		name := strings.TrimSuffix(filepath.Base(match), ".yaml")
		available = append(available, name)
		if len(names) > 0 {
			if _, ok := seen[name]; !ok {
				continue
			}
			seen[name] = true
		}
		data, err := afero.ReadFile(fs, match)
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("Skipping unreadable definition")
			continue
		}
		var src sourceFile
		if err := yaml.Unmarshal(data, &src); err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("Skipping malformed definition")
			continue
		}
		collections = append(collections, Collection{Name: name, Items: buildItems(name, src.Files)})
	}
	if len(names) > 0 {
		var missing []string
		for name, found := range seen {
			if !found {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("unknown collection(s): %s (available: %s)",
				strings.Join(missing, ", "), strings.Join(available, ", "))
		}
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("no valid collections found (available: %s)", strings.Join(available, ", "))
	}
	log.Debug().Int("count", len(collections)).Msg("Collections loaded")
	return collections, nil
}

func buildItems(collection string, entries []sourceEntry) []RemoteItem {
	log := utils.GetLogger("manifest")
	var items []RemoteItem
	for _, entry := range entries {
		filename, err := deriveFilename(entry.URL)
		if err != nil {
			log.Warn().Err(err).Str("collection", collection).Str("url", entry.URL).Msg("Skipping entry")
			continue
		}
		items = append(items, RemoteItem{URL: entry.URL, Filename: filename})
	}
	return items
}

// deriveFilename takes the storage filename from the URL path tail.
func deriveFilename(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("missing url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	filename := path.Base(parsed.Path)
	if filename == "." || filename == "/" || filename == "" {
		return "", fmt.Errorf("no filename in url path")
	}
	return filename, nil
}
