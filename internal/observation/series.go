package observation

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/units"
)

// Historian receives entries evicted from a series before they are dropped.
type Historian interface {
	IngestHistorical(source string, batch map[time.Time]*ArchivedObservation)
}

type entry struct {
	live     *Observation
	archived *ArchivedObservation
	timer    clockwork.Timer
}

func (e *entry) record() Record {
	if e.archived != nil {
		return e.archived
	}
	return e.live
}

func (e *entry) freeze() *ArchivedObservation {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.archived == nil {
		e.archived = e.live.Archive()
		e.live = nil
	}
	return e.archived
}

// Series is a time-indexed collection of observations: a forecast when its period
// is positive, a log when negative. Log entries are archived once ArchiveAfter old
// and every entry is evicted, via the historian, once past the retention horizon.
type Series struct {
	mu          sync.RWMutex
	cfg         Config
	env         Env
	acc         *publish.Accumulator
	historian   Historian
	keepFor     time.Duration
	period      time.Duration
	entries     map[time.Time]*entry
	known       map[category.Item]struct{}
	projections map[category.Item]*MeasurementTimeSeries
}

// NewSeries builds an empty series. Kind must be KindLog or KindForecast; anything
// else is treated as a forecast.
func NewSeries(cfg Config, env Env) *Series {
	if cfg.Kind != KindLog {
		cfg.Kind = KindForecast
	}
	s := &Series{
		cfg:         cfg,
		env:         env.withDefaults(),
		entries:     make(map[time.Time]*entry),
		known:       make(map[category.Item]struct{}),
		projections: make(map[category.Item]*MeasurementTimeSeries),
	}
	if cfg.Period != 0 {
		s.period = s.signed(cfg.Period)
	}
	if cfg.Kind == KindLog {
		s.keepFor = s.env.KeepFor
	}
	if cfg.Sink != nil {
		s.acc = publish.NewAccumulator(cfg.Name, cfg.Sink)
	}
	return s
}

func (s *Series) signed(d time.Duration) time.Duration {
	if d < 0 {
		d = -d
	}
	if s.cfg.Kind == KindLog {
		return -d
	}
	return d
}

func (s *Series) Name() string   { return s.cfg.Name }
func (s *Series) Source() string { return s.cfg.Source }
func (s *Series) Kind() Kind     { return s.cfg.Kind }

// SetHistorian installs the hook evicted entries are handed to.
func (s *Series) SetHistorian(h Historian) {
	s.mu.Lock()
	s.historian = h
	s.mu.Unlock()
}

// SetKeepFor overrides the retention horizon. Zero keeps forecasts for one period.
func (s *Series) SetKeepFor(d time.Duration) {
	s.mu.Lock()
	s.keepFor = d
	s.mu.Unlock()
}

// Period is the sampling interval, negative for logs. Until it can be computed
// it is one second with the kind's sign.
func (s *Series) Period() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.periodLocked()
}

func (s *Series) periodLocked() time.Duration {
	if s.period == 0 {
		return s.signed(time.Second)
	}
	return s.period
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Timestamps returns the slot times in ascending order.
func (s *Series) Timestamps() []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timestampsLocked()
}

func (s *Series) timestampsLocked() []time.Time {
	ts := slices.Collect(maps.Keys(s.entries))
	slices.SortFunc(ts, func(a, b time.Time) int { return a.Compare(b) })
	return ts
}

// Timeframe is the span between the oldest and newest slot.
func (s *Series) Timeframe() time.Duration {
	ts := s.Timestamps()
	if len(ts) < 2 {
		return 0
	}
	return ts[len(ts)-1].Sub(ts[0])
}

// At returns the entry in the slot covering ts.
func (s *Series) At(ts time.Time) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[roundToPeriod(ts, s.periodLocked(), s.env.TZ)]
	if !ok {
		return nil, false
	}
	return e.record(), true
}

// Records returns every entry, oldest first.
func (s *Series) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.entries))
	for _, ts := range s.timestampsLocked() {
		out = append(out, s.entries[ts].record())
	}
	return out
}

// KnownKeys lists every key the series has held, sorted.
func (s *Series) KnownKeys() []category.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := slices.Collect(maps.Keys(s.known))
	category.Sort(keys)
	return keys
}

// Keys is KnownKeys; it lets a series stand in wherever an observation's keys are read.
func (s *Series) Keys() []category.Item { return s.KnownKeys() }

func (s *Series) Knows(key category.Item) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[key.Bare()]
	return ok
}

// Measurement returns the projection of key over this series. Keys the series has
// never held are a caller error and yield ErrUnknownKey.
func (s *Series) Measurement(key category.Item) (*MeasurementTimeSeries, error) {
	key = key.Bare()
	s.mu.Lock()
	if _, ok := s.known[key]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in %s/%s", ErrUnknownKey, key, s.cfg.Source, s.cfg.Name)
	}
	m, ok := s.projections[key]
	if !ok {
		m = NewMeasurementTimeSeries(key, s)
		s.projections[key] = m
	}
	s.mu.Unlock()
	return m, nil
}

// Readings returns the displayed value of key at every slot holding it, oldest first.
func (s *Series) Readings(key category.Item) []timeseries.Item {
	var out []timeseries.Item
	for _, r := range s.Records() {
		if v, ok := r.Reading(key); ok {
			out = append(out, timeseries.NewItem(v.Value(), r.Timestamp()))
		}
	}
	return out
}

// Update ingests a bulk payload: a single observation, a map of observations, a
// list of observations, or a list of rows zipped with the payload's keyMap.
func (s *Series) Update(payload any, sources ...string) error {
	rows, chain := s.rows(payload, sources)
	if len(rows) == 0 {
		return nil
	}

	stamps := make([]time.Time, len(rows))
	for n, row := range rows {
		ts, err := ExtractTimestamp(row, s.cfg.Translator, s.env, true)
		if err != nil {
			ts = s.env.Now().UTC()
			log.Infof("%s/%s: row %d has no timestamp, using now: %v", s.cfg.Source, s.cfg.Name, n, err)
		}
		stamps[n] = ts
	}

	s.mu.Lock()
	if s.period == 0 && len(stamps) > 1 {
		if p := meanDelta(stamps); p != 0 {
			s.period = s.signed(p)
		}
	}
	period := s.periodLocked()

	touched := make(map[category.Item]struct{})
	for n, row := range rows {
		slot := roundToPeriod(stamps[n], period, s.env.TZ)
		e, exists := s.entries[slot]
		if exists && e.live == nil {
			log.Warnf("%s/%s: slot %s is archived, dropping update", s.cfg.Source, s.cfg.Name, slot.Format(time.RFC3339))
			continue
		}
		if !exists {
			e = &entry{live: s.newItem(slot)}
			s.entries[slot] = e
		}
		e.live.ingest(row, stamps[n], chain)
		for _, k := range e.live.Keys() {
			touched[k.Bare()] = struct{}{}
		}
		if !exists && s.cfg.Kind == KindLog {
			s.scheduleLocked(slot, e)
		}
	}
	maps.Copy(s.known, touched)
	if s.cfg.Kind == KindForecast {
		if k, ok := s.accumulateLocked(); ok {
			touched[k] = struct{}{}
			s.known[k] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.RemoveOldObservations()
	s.afterChange(touched)
	return nil
}

func (s *Series) newItem(slot time.Time) *Observation {
	o := New(Config{
		Source:       s.cfg.Source,
		Name:         s.cfg.Name,
		Kind:         KindSeriesItem,
		Translator:   s.cfg.Translator,
		Keyed:        s.cfg.Keyed,
		SourceKeyMap: s.cfg.SourceKeyMap,
	}, s.env)
	o.parent = s
	o.timestamp = slot
	return o
}

// Add appends an archived observation, as produced by a realtime observation.
func (s *Series) Add(a *ArchivedObservation) {
	if a == nil {
		return
	}
	s.mu.Lock()
	if s.period == 0 && len(s.entries) > 0 {
		ts := append(s.timestampsLocked(), a.Timestamp())
		if p := meanDelta(ts); p != 0 {
			s.period = s.signed(p)
		}
	}
	slot := a.Timestamp()
	if s.period != 0 {
		slot = roundToPeriod(slot, s.period, s.env.TZ)
	}
	if old, ok := s.entries[slot]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.entries[slot] = &entry{archived: a}
	touched := make(map[category.Item]struct{})
	for _, k := range a.Keys() {
		touched[k.Bare()] = struct{}{}
		s.known[k.Bare()] = struct{}{}
	}
	s.mu.Unlock()

	s.RemoveOldObservations()
	s.afterChange(touched)
}

func (s *Series) scheduleLocked(slot time.Time, e *entry) {
	age := s.env.Now().Sub(slot)
	if age > s.env.ArchiveAfter {
		e.freeze()
		return
	}
	e.timer = s.env.Clock.AfterFunc(s.env.ArchiveAfter-age, func() { s.archive(slot) })
}

func (s *Series) archive(slot time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[slot]; ok && e.live != nil {
		e.timer = nil
		e.freeze()
	}
}

// Archived reports whether the slot covering ts has been frozen.
func (s *Series) Archived(ts time.Time) bool {
	r, ok := s.At(ts)
	return ok && r.Frozen()
}

// RemoveOldObservations evicts entries older than the retention horizon, handing
// them to the historian first. It returns the number evicted.
func (s *Series) RemoveOldObservations() int {
	now := s.env.Now()
	s.mu.Lock()
	keep := s.keepFor
	if keep == 0 {
		keep = s.periodLocked()
	}
	if keep < 0 {
		keep = -keep
	}
	cutoff := now.Add(-keep)

	batch := make(map[time.Time]*ArchivedObservation)
	touched := make(map[category.Item]struct{})
	for ts, e := range s.entries {
		if !ts.Before(cutoff) {
			continue
		}
		a := e.freeze()
		batch[ts] = a
		for _, k := range a.Keys() {
			touched[k.Bare()] = struct{}{}
		}
		delete(s.entries, ts)
	}
	h := s.historian
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	log.Debugf("%s/%s: evicted %d entries older than %s", s.cfg.Source, s.cfg.Name, len(batch), cutoff.Format(time.RFC3339))
	if h != nil {
		h.IngestHistorical(s.cfg.Source, batch)
	}
	s.afterChange(touched)
	return len(batch)
}

// Stop cancels every pending archival.
func (s *Series) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (s *Series) afterChange(touched map[category.Item]struct{}) {
	if len(touched) == 0 {
		return
	}
	s.mu.RLock()
	var refresh []*MeasurementTimeSeries
	for k, m := range s.projections {
		if _, ok := touched[k]; ok {
			refresh = append(refresh, m)
		}
	}
	s.mu.RUnlock()
	for _, m := range refresh {
		m.Update()
	}

	if s.acc == nil {
		return
	}
	keys := make([]category.Item, 0, len(touched))
	for k := range touched {
		if k.Category() != "time" {
			keys = append(keys, k)
		}
	}
	category.Sort(keys)
	s.acc.Mute()
	s.acc.Publish(keys...)
	s.acc.Unmute()
}

// accumulateLocked derives a running precipitation total across the live slots.
func (s *Series) accumulateLocked() (category.Item, bool) {
	if _, ok := s.known[KeyPrecipitation]; !ok {
		return category.Item{}, false
	}
	var total *units.Measurement
	for _, ts := range s.timestampsLocked() {
		e := s.entries[ts]
		if e.live == nil {
			continue
		}
		v, ok := e.live.Get(KeyPrecipitation)
		if !ok {
			continue
		}
		m, ok := v.Measurement()
		if !ok {
			continue
		}
		if total == nil {
			zero := units.Measurement{Unit: m.Unit}
			total = &zero
		}
		sum, err := total.Add(m)
		if err != nil {
			continue
		}
		total = &sum
		e.live.mu.Lock()
		e.live.calculated[KeyPrecipitationAccumulation] = struct{}{}
		e.live.setLocked(KeyPrecipitationAccumulation, KeyPrecipitationAccumulation.String(), timeseries.NewItem(sum, v.Time()))
		e.live.mu.Unlock()
	}
	return KeyPrecipitationAccumulation, total != nil
}

func (s *Series) rows(payload any, sources []string) ([]map[string]any, []string) {
	var keyMap []string
	var chain []string
	raw := payload
	if m, ok := payload.(map[string]any); ok {
		keyMap = stringList(m["keyMap"])
		data := m
		if s.cfg.DataName != "" {
			if sub, ok := data[s.cfg.DataName].(map[string]any); ok {
				data = sub
			}
		}
		chain = sourceChain(s.cfg.Source, data, sources)
		if inner, ok := data["data"]; ok {
			raw = inner
		} else {
			raw = data
		}
	} else {
		chain = sourceChain(s.cfg.Source, nil, sources)
	}

	var out []map[string]any
	add := func(x any) {
		switch r := x.(type) {
		case map[string]any:
			out = append(out, maps.Clone(r))
		case []any:
			if len(keyMap) == 0 {
				log.Warnf("%s/%s: list row without keyMap", s.cfg.Source, s.cfg.Name)
				return
			}
			row := make(map[string]any, len(keyMap))
			for n, k := range keyMap {
				if n < len(r) {
					row[k] = r[n]
				}
			}
			out = append(out, row)
		}
	}

	switch r := raw.(type) {
	case map[string]any:
		if hasScalar(r) {
			row := maps.Clone(r)
			delete(row, "keyMap")
			out = append(out, row)
			break
		}
		for _, k := range slices.Sorted(maps.Keys(r)) {
			add(r[k])
		}
	case []map[string]any:
		for _, x := range r {
			add(x)
		}
	case []any:
		for _, x := range r {
			add(x)
		}
	}
	return out, chain
}

func hasScalar(m map[string]any) bool {
	for k, v := range m {
		if k == "keyMap" || k == "source" {
			continue
		}
		switch v.(type) {
		case map[string]any, []any, []map[string]any:
			continue
		}
		return true
	}
	return false
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, len(l))
		for n, x := range l {
			out[n] = fmt.Sprint(x)
		}
		return out
	}
	return nil
}

// meanDelta is the mean gap between consecutive timestamps in time order.
func meanDelta(ts []time.Time) time.Duration {
	if len(ts) < 2 {
		return 0
	}
	sorted := slices.Clone(ts)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })
	return sorted[len(sorted)-1].Sub(sorted[0]) / time.Duration(len(sorted)-1)
}
