package observation

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/timeseries"
)

// Contributor supplies the readings of one key, oldest first.
type Contributor interface {
	Name() string
	Period() time.Duration
	Readings(key category.Item) []timeseries.Item
}

// ContributorSource lists the contributors currently able to supply key.
type ContributorSource interface {
	Contributors(key category.Item) []Contributor
}

// MeasurementTimeSeries projects one key across a series, or across every
// contributor of a multi-source registry, as a time-sorted list of items.
// The list is rebuilt on Update and subscribers are notified only when its
// content hash changes.
type MeasurementTimeSeries struct {
	mu     sync.RWMutex
	key    category.Item
	single Contributor
	multi  ContributorSource

	items []timeseries.Item
	hash  uint64
	built bool

	subs   map[int]func(*MeasurementTimeSeries)
	nextID int
}

// NewMeasurementTimeSeries projects key over a single contributor.
func NewMeasurementTimeSeries(key category.Item, c Contributor) *MeasurementTimeSeries {
	return &MeasurementTimeSeries{key: key.Bare(), single: c, subs: make(map[int]func(*MeasurementTimeSeries))}
}

// NewMultiSourceTimeSeries projects key over every contributor src knows of.
func NewMultiSourceTimeSeries(key category.Item, src ContributorSource) *MeasurementTimeSeries {
	return &MeasurementTimeSeries{key: key.Bare(), multi: src, subs: make(map[int]func(*MeasurementTimeSeries))}
}

func (m *MeasurementTimeSeries) Key() category.Item { return m.key }

// Name identifies the projection when it contributes to another one.
func (m *MeasurementTimeSeries) Name() string { return "projection:" + m.key.String() }

// Readings lets a projection feed a multi-source projection of the same key.
func (m *MeasurementTimeSeries) Readings(key category.Item) []timeseries.Item {
	if key.Bare() != m.key {
		return nil
	}
	return m.List()
}

func (m *MeasurementTimeSeries) contributors() []Contributor {
	if m.single != nil {
		return []Contributor{m.single}
	}
	if m.multi != nil {
		return m.multi.Contributors(m.key)
	}
	return nil
}

// Period is the smallest absolute contributor period, or the mean spacing of the
// items when no contributor declares one.
func (m *MeasurementTimeSeries) Period() time.Duration {
	var best time.Duration
	for _, c := range m.contributors() {
		if c == Contributor(m) {
			continue
		}
		p := c.Period()
		if p < 0 {
			p = -p
		}
		if p > 0 && (best == 0 || p < best) {
			best = p
		}
	}
	if best > 0 {
		return best
	}
	items := m.List()
	if len(items) < 2 {
		return 0
	}
	return items[len(items)-1].Time().Sub(items[0].Time()) / time.Duration(len(items)-1)
}

// Update rebuilds the projection. Nested projections are refreshed first so the
// result is consistent with them. It reports whether the content changed.
func (m *MeasurementTimeSeries) Update() bool {
	var items []timeseries.Item
	for _, c := range m.contributors() {
		if nested, ok := c.(*MeasurementTimeSeries); ok {
			if nested == m {
				continue
			}
			nested.Update()
		}
		items = append(items, c.Readings(m.key)...)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Time().Before(items[j].Time()) })
	h := hashItems(items)

	m.mu.Lock()
	changed := !m.built || h != m.hash
	m.items, m.hash, m.built = items, h, true
	var subs []func(*MeasurementTimeSeries)
	if changed {
		for _, id := range slices.Sorted(maps.Keys(m.subs)) {
			subs = append(subs, m.subs[id])
		}
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(m)
	}
	return changed
}

func hashItems(items []timeseries.Item) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, it := range items {
		binary.LittleEndian.PutUint64(buf[:], uint64(it.Time().UnixNano()))
		_, _ = d.Write(buf[:])
		_, _ = d.WriteString(fmt.Sprint(it.Value()))
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func (m *MeasurementTimeSeries) ensure() {
	m.mu.RLock()
	built := m.built
	m.mu.RUnlock()
	if !built {
		m.Update()
	}
}

// List returns the items, oldest first.
func (m *MeasurementTimeSeries) List() []timeseries.Item {
	m.ensure()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.items)
}

func (m *MeasurementTimeSeries) Len() int { return len(m.List()) }

// Timestamps returns the item times, oldest first.
func (m *MeasurementTimeSeries) Timestamps() []time.Time {
	items := m.List()
	out := make([]time.Time, len(items))
	for n, it := range items {
		out[n] = it.Time()
	}
	return out
}

// Array returns the numeric values; non-numeric items become NaN.
func (m *MeasurementTimeSeries) Array() []float64 {
	items := m.List()
	out := make([]float64, len(items))
	for n, it := range items {
		f, ok := it.Float()
		if !ok {
			f = math.NaN()
		}
		out[n] = f
	}
	return out
}

func (m *MeasurementTimeSeries) First() (timeseries.Item, bool) {
	items := m.List()
	if len(items) == 0 {
		return timeseries.Item{}, false
	}
	return items[0], true
}

func (m *MeasurementTimeSeries) Last() (timeseries.Item, bool) {
	items := m.List()
	if len(items) == 0 {
		return timeseries.Item{}, false
	}
	return items[len(items)-1], true
}

// Slice returns the items with start <= t < end.
func (m *MeasurementTimeSeries) Slice(start, end time.Time) []timeseries.Item {
	var out []timeseries.Item
	for _, it := range m.List() {
		if !it.Time().Before(start) && it.Time().Before(end) {
			out = append(out, it)
		}
	}
	return out
}

// At returns the item nearest t. Lookups up to one period outside the covered
// range clamp to the first or last item; anything further is ErrOutOfRange.
func (m *MeasurementTimeSeries) At(t time.Time) (timeseries.Item, error) {
	items := m.List()
	if len(items) == 0 {
		return timeseries.Item{}, fmt.Errorf("%w: %s has no items", ErrOutOfRange, m.key)
	}
	p := m.Period()
	first, last := items[0].Time(), items[len(items)-1].Time()
	if t.Before(first.Add(-p)) || t.After(last.Add(p)) {
		return timeseries.Item{}, fmt.Errorf("%w: %s not within [%s, %s]", ErrOutOfRange,
			t.Format(time.RFC3339), first.Format(time.RFC3339), last.Format(time.RFC3339))
	}
	idx := sort.Search(len(items), func(i int) bool { return !items[i].Time().Before(t) })
	switch {
	case idx == 0:
		return items[0], nil
	case idx == len(items):
		return items[len(items)-1], nil
	}
	before, after := items[idx-1], items[idx]
	if t.Sub(before.Time()) < after.Time().Sub(t) {
		return before, nil
	}
	return after, nil
}

// Subscribe registers fn for content changes and returns its cancel func.
// The projection is built on first subscription.
func (m *MeasurementTimeSeries) Subscribe(fn func(*MeasurementTimeSeries)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	m.ensure()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SourceChanged rebuilds the projection when a published batch touches its key.
// It is shaped to be connected to a publish.Publisher slot.
func (m *MeasurementTimeSeries) SourceChanged(b publish.Batch) {
	for _, k := range b.Keys() {
		if k.Bare() == m.key || k.Matches(m.key) {
			m.Update()
			return
		}
	}
}
