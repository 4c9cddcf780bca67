// Package store keeps the history evicted from plugin logs so it can be served
// after the live series has moved on.
package store

import (
	"errors"
	"sort"
	"time"

	"github.com/i474232898/levity-data/internal/logging"
	"github.com/i474232898/levity-data/internal/observation"
)

var (
	// ErrNotFound is returned when no history is available for a source.
	ErrNotFound = errors.New("no history for source")
)

var log = logging.New("store")

// Record is one archived observation as stored: displayed values keyed by dotted path.
type Record struct {
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"` // always UTC
	Values    map[string]any `json:"values"`
}

// Store is a history backend. Every Store is an observation.Historian, so a
// plugin log can hand its evicted entries straight to it.
type Store interface {
	observation.Historian
	Latest(source string) (Record, error)
	Range(source string, from, to time.Time) ([]Record, error)
	Sources() []string
	Sweep() int
}

// recordsOf flattens an eviction batch into time-ordered records.
func recordsOf(source string, batch map[time.Time]*observation.ArchivedObservation) []Record {
	out := make([]Record, 0, len(batch))
	for ts, a := range batch {
		if a == nil {
			continue
		}
		out = append(out, Record{Source: source, Timestamp: ts.UTC(), Values: a.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
