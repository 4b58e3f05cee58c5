package fetcher

import (
	"context"
	"net/http"

	"github.com/spf13/afero"
	"github.com/tanq16/aimlfetch/internal/manifest"
	"github.com/tanq16/aimlfetch/internal/metadata"
	"github.com/tanq16/aimlfetch/internal/utils"
)

// Decision is the change detector's verdict for one item. Validator
// fields carry ETag/Last-Modified values observed on a 200 probe so the
// transfer can record them if its own response omits them.
type Decision struct {
	NeedsFetch   bool
	ETag         string
	LastModified string
}

// NeedsFetch decides whether an item must be transferred. Force skips the
// probe entirely; a missing local file or missing record always fetches;
// otherwise a conditional HEAD is sent under the gate. Probe trouble never
// blocks an item: any unexpected status or transport error degrades to
// "fetch anyway" with a warning.
func (f *Fetcher) NeedsFetch(ctx context.Context, collection string, store *metadata.Store, item manifest.RemoteItem, force bool) Decision {
	log := utils.GetLogger("probe")
	if force {
		return Decision{NeedsFetch: true}
	}
	exists, err := afero.Exists(f.fs, f.LocalPath(collection, item.Filename))
	if err != nil || !exists {
		return Decision{NeedsFetch: true}
	}
	rec, ok := store.Get(item.Filename)
	if !ok {
		return Decision{NeedsFetch: true}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, item.URL, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", item.URL).Msg("Could not build HEAD request, will download")
		return Decision{NeedsFetch: true}
	}
	if rec.ETag != "" {
		req.Header.Set("If-None-Match", rec.ETag)
	}
	if rec.LastModified != "" {
		req.Header.Set("If-Modified-Since", rec.LastModified)
	}
	if err := f.gate.Acquire(ctx); err != nil {
		return Decision{NeedsFetch: true}
	}
	defer f.gate.Release()
	resp, err := f.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", item.URL).Msg("HEAD request failed, will download")
		return Decision{NeedsFetch: true}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotModified:
		log.Debug().Str("file", item.Filename).Msg("Not modified")
		return Decision{}
	case http.StatusOK:
		return Decision{
			NeedsFetch:   true,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
	default:
		log.Warn().Int("status", resp.StatusCode).Str("url", item.URL).Msg("Unexpected HEAD response, will download")
		return Decision{NeedsFetch: true}
	}
}
