package store

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/levity-data/internal/observation"
)

// History holds the time-ordered records of one source.
type History struct {
	Records []Record
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: source, value: history
	data map[string]*History

	// retention configuration
	maxHistory int           // max number of records per source
	maxAge     time.Duration // optional max age for records
	clock      clockwork.Clock
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock replaces the clock used for age-based retention.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration, opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		data:       make(map[string]*History),
		maxHistory: maxHistory,
		maxAge:     maxAge,
		clock:      o.clock,
	}
}

// IngestHistorical merges an eviction batch and enforces retention. Records with a
// timestamp already present replace the stored one.
func (s *MemoryStore) IngestHistorical(source string, batch map[time.Time]*observation.ArchivedObservation) {
	records := recordsOf(source, batch)
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[source]
	if !ok {
		history = &History{}
		s.data[source] = history
	}
	for _, r := range records {
		i := sort.Search(len(history.Records), func(i int) bool {
			return !history.Records[i].Timestamp.Before(r.Timestamp)
		})
		if i < len(history.Records) && history.Records[i].Timestamp.Equal(r.Timestamp) {
			history.Records[i] = r
			continue
		}
		history.Records = slices.Insert(history.Records, i, r)
	}
	s.enforceLocked(history)
	log.Debugf("%s: stored %d records, %d held", source, len(records), len(history.Records))
}

func (s *MemoryStore) enforceLocked(history *History) int {
	before := len(history.Records)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Records) > s.maxHistory {
		over := len(history.Records) - s.maxHistory
		history.Records = history.Records[over:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.clock.Now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Records); i++ {
			if !history.Records[i].Timestamp.Before(cutoff) {
				break
			}
		}
		history.Records = history.Records[i:]
	}
	return before - len(history.Records)
}

// Sweep applies age retention to every source and returns the number of records dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for _, h := range s.data {
		dropped += s.enforceLocked(h)
	}
	return dropped
}

// Latest returns the most recent record for a source.
func (s *MemoryStore) Latest(source string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[source]
	if !ok || len(history.Records) == 0 {
		return Record{}, ErrNotFound
	}
	return history.Records[len(history.Records)-1], nil
}

// Range returns all records for a source between from and to (inclusive).
func (s *MemoryStore) Range(source string, from, to time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[source]
	if !ok || len(history.Records) == 0 {
		return nil, ErrNotFound
	}

	var result []Record
	for _, r := range history.Records {
		if !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}

	return result, nil
}

// Sources lists every source with stored history.
func (s *MemoryStore) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}
