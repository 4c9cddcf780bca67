package timeseries

import (
	"sync"
	"time"

	"github.com/i474232898/levity-data/internal/logging"
)

// DefaultTolerance is how far before the window a write may land and still be
// folded into the oldest bucket.
const DefaultTolerance = 900 * time.Second

var log = logging.New("timeseries")

// MiniTimeSeries is a fixed-capacity window of time buckets. Bucket n covers the
// slot start + n*resolution. Writes past the right edge slide the window forward,
// dropping the oldest buckets.
type MiniTimeSeries struct {
	mu         sync.RWMutex
	timespan   time.Duration
	resolution time.Duration
	tolerance  time.Duration
	capacity   int
	start      time.Time
	buckets    []*MultiValueItem
}

// Option configures a MiniTimeSeries.
type Option func(*MiniTimeSeries)

// WithTolerance overrides DefaultTolerance.
func WithTolerance(d time.Duration) Option {
	return func(m *MiniTimeSeries) { m.tolerance = d }
}

// NewMiniTimeSeries creates a window of max(|timespan|/resolution, 1) buckets.
func NewMiniTimeSeries(timespan, resolution time.Duration, opts ...Option) *MiniTimeSeries {
	if resolution <= 0 {
		resolution = time.Second
	}
	if timespan < 0 {
		timespan = -timespan
	}
	capacity := int(timespan / resolution)
	if capacity < 1 {
		capacity = 1
	}
	m := &MiniTimeSeries{
		timespan:   timespan,
		resolution: resolution,
		tolerance:  DefaultTolerance,
		capacity:   capacity,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.buckets = make([]*MultiValueItem, capacity)
	for n := range m.buckets {
		m.buckets[n] = &MultiValueItem{}
	}
	return m
}

func (m *MiniTimeSeries) Capacity() int             { return m.capacity }
func (m *MiniTimeSeries) Resolution() time.Duration { return m.resolution }
func (m *MiniTimeSeries) Timespan() time.Duration   { return m.timespan }
func (m *MiniTimeSeries) Tolerance() time.Duration  { return m.tolerance }

// Start is the slot time of the oldest bucket.
func (m *MiniTimeSeries) Start() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.start
}

// End is the slot time of the newest bucket.
func (m *MiniTimeSeries) End() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot(m.capacity - 1)
}

// Len is the number of buckets, always Capacity.
func (m *MiniTimeSeries) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

func (m *MiniTimeSeries) slot(n int) time.Time {
	return m.start.Add(time.Duration(n) * m.resolution)
}

func (m *MiniTimeSeries) index(ts time.Time) int {
	return int(ts.Round(m.resolution).Sub(m.start) / m.resolution)
}

// Set stores value at ts.
func (m *MiniTimeSeries) Set(value any, ts time.Time) bool {
	return m.Add(NewItem(value, ts))
}

// Add stores it in the bucket covering its timestamp. It returns false when the
// timestamp is older than the window by more than the tolerance.
func (m *MiniTimeSeries) Add(it Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.start.IsZero() {
		m.start = it.Time().Round(m.resolution).Add(-time.Duration(m.capacity-1) * m.resolution)
	}

	idx := m.index(it.Time())
	switch {
	case idx >= m.capacity:
		growth := abs(idx-m.capacity) + 1
		m.grow(growth)
		idx = m.capacity - 1
	case idx < 0:
		if m.start.Sub(it.Time()) > m.tolerance {
			log.Warnf("dropping sample at %s: before window start %s", it.Time().Format(time.RFC3339), m.start.Format(time.RFC3339))
			return false
		}
		idx = 0
	}
	m.buckets[idx].Add(it)
	return true
}

func (m *MiniTimeSeries) grow(n int) {
	if n >= m.capacity {
		for i := range m.buckets {
			m.buckets[i] = &MultiValueItem{}
		}
	} else {
		copy(m.buckets, m.buckets[n:])
		for i := m.capacity - n; i < m.capacity; i++ {
			m.buckets[i] = &MultiValueItem{}
		}
	}
	m.start = m.start.Add(time.Duration(n) * m.resolution)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Get returns the value of the bucket covering ts: the sole sample, or the average
// of several. ok is false for empty or out-of-window buckets.
func (m *MiniTimeSeries) Get(ts time.Time) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.start.IsZero() {
		return Item{}, false
	}
	idx := m.index(ts)
	if idx < 0 || idx >= m.capacity || m.buckets[idx].Len() == 0 {
		return Item{}, false
	}
	return m.buckets[idx].Average(), true
}

// First returns the oldest populated bucket.
func (m *MiniTimeSeries) First() (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.buckets {
		if b.Len() > 0 {
			return b.Average(), true
		}
	}
	return Item{}, false
}

// Last returns the newest populated bucket.
func (m *MiniTimeSeries) Last() (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for n := len(m.buckets) - 1; n >= 0; n-- {
		if m.buckets[n].Len() > 0 {
			return m.buckets[n].Average(), true
		}
	}
	return Item{}, false
}

// Populated counts non-empty buckets.
func (m *MiniTimeSeries) Populated() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.buckets {
		if b.Len() > 0 {
			n++
		}
	}
	return n
}

// Range returns one averaged item per populated bucket with a slot in [start, end].
func (m *MiniTimeSeries) Range(start, end time.Time) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for n, b := range m.buckets {
		s := m.slot(n)
		if b.Len() == 0 || s.Before(start.Round(m.resolution)) || s.After(end.Round(m.resolution)) {
			continue
		}
		out = append(out, b.Average())
	}
	return out
}

// Flatten returns every raw sample, oldest bucket first.
func (m *MiniTimeSeries) Flatten() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for _, b := range m.buckets {
		out = append(out, b.items...)
	}
	return out
}

// Since returns raw samples with a timestamp strictly after t.
func (m *MiniTimeSeries) Since(t time.Time) []Item {
	var out []Item
	for _, it := range m.Flatten() {
		if it.Time().After(t) {
			out = append(out, it)
		}
	}
	return out
}

// AverageBetween averages every raw sample timestamped within [start, end].
func (m *MiniTimeSeries) AverageBetween(start, end time.Time) (Item, bool) {
	var in []TimeAware
	for _, it := range m.Flatten() {
		if it.Time().Before(start) || it.Time().After(end) {
			continue
		}
		in = append(in, it)
	}
	if len(in) == 0 {
		return Item{}, false
	}
	return Average(in...), true
}

// RollingAverage averages the samples within window of the newest sample.
func (m *MiniTimeSeries) RollingAverage(window time.Duration) (Item, bool) {
	samples := m.Flatten()
	if len(samples) == 0 {
		return Item{}, false
	}
	end := samples[0].Time()
	for _, s := range samples {
		if s.Time().After(end) {
			end = s.Time()
		}
	}
	return m.AverageBetween(end.Add(-window), end)
}

// Resample averages samples into consecutive steps covering [start, end).
func (m *MiniTimeSeries) Resample(start, end time.Time, step time.Duration) []Item {
	if step <= 0 {
		return nil
	}
	var out []Item
	for t := start; t.Before(end); t = t.Add(step) {
		if it, ok := m.AverageBetween(t, t.Add(step-time.Nanosecond)); ok {
			out = append(out, it)
		}
	}
	return out
}
