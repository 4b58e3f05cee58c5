package utils

import "time"

// OutcomeKind tags the terminal result of one item through the pipeline.
type OutcomeKind int

const (
	OutcomeDownloaded OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome reports what happened to a single remote item.
type Outcome struct {
	Collection       string
	Filename         string
	URL              string
	Kind             OutcomeKind
	Bytes            int64
	Hash             string
	Attempts         int
	ValidationFailed bool
	Err              error
	Elapsed          time.Duration
}

// Stats is the run-wide fold over item outcomes.
type Stats struct {
	Downloaded       int
	Skipped          int
	Failed           int
	ValidationFailed int
	TotalBytes       int64
}

func (s *Stats) Add(o Outcome) {
	switch o.Kind {
	case OutcomeDownloaded:
		s.Downloaded++
		s.TotalBytes += o.Bytes
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
		if o.ValidationFailed {
			s.ValidationFailed++
		}
	}
}

func (s Stats) Total() int {
	return s.Downloaded + s.Skipped + s.Failed
}

// ValidationStats is the fold over a validate-only walk.
type ValidationStats struct {
	Total   int
	Valid   int
	Invalid int
	Missing int
}

func (v ValidationStats) Clean() bool {
	return v.Invalid == 0 && v.Missing == 0
}
