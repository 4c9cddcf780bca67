package observation

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/translator"
)

// Kind selects the behavior of an observation or series.
type Kind int

const (
	KindObservation Kind = iota
	// KindRealtime is the live record of a plugin; its timestamp is the mean of
	// its values' timestamps.
	KindRealtime
	// KindSeriesItem is one slot of a Series.
	KindSeriesItem
	// KindForecast series look forward; their period is positive.
	KindForecast
	// KindLog series look backward; their period is negative.
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindRealtime:
		return "realtime"
	case KindSeriesItem:
		return "item"
	case KindForecast:
		return "forecast"
	case KindLog:
		return "log"
	}
	return "observation"
}

// Config parameterizes observations and series per plugin.
type Config struct {
	// Source is the plugin name; it heads every value's source chain.
	Source string
	// Name identifies the container to subscribers, e.g. "realtime" or "hourly".
	Name       string
	Kind       Kind
	Translator *translator.Translator
	// Sink receives published keys. Nil disables publishing.
	Sink publish.Sink
	// Recorded values keep a sample window instead of a single value.
	Recorded bool
	// Keyed observations tag every key with its source chain.
	Keyed bool
	// DataName selects a sub-document of incoming payloads.
	DataName string
	// Period presets the series period; the sign is normalized by Kind.
	Period time.Duration
	// SourceKeyMap maps raw field names to canonical keys ahead of the translator.
	SourceKeyMap map[string]category.Item
}

// Record is the read side shared by live and archived observations.
type Record interface {
	Timestamp() time.Time
	Reading(key category.Item) (Reading, bool)
	Keys() []category.Item
	Frozen() bool
}

// Observation holds every value observed at one moment.
type Observation struct {
	mu       sync.RWMutex
	userLock sync.Mutex

	id     uuid.UUID
	cfg    Config
	env    Env
	acc    *publish.Accumulator
	parent *Series

	timestamp    time.Time
	values       map[category.Item]*Value
	sourceKeyMap map[string]category.Item
	calculated   map[category.Item]struct{}
	projections  map[category.Item]*MeasurementTimeSeries
}

// New builds an empty observation.
func New(cfg Config, env Env) *Observation {
	o := &Observation{
		id:           uuid.New(),
		cfg:          cfg,
		env:          env.withDefaults(),
		values:       make(map[category.Item]*Value),
		sourceKeyMap: make(map[string]category.Item),
		calculated:   make(map[category.Item]struct{}),
		projections:  make(map[category.Item]*MeasurementTimeSeries),
	}
	for k, v := range cfg.SourceKeyMap {
		o.sourceKeyMap[k] = v
	}
	if cfg.Sink != nil {
		o.acc = publish.NewAccumulator(cfg.Name, cfg.Sink)
	}
	return o
}

func (o *Observation) ID() uuid.UUID   { return o.id }
func (o *Observation) Kind() Kind      { return o.cfg.Kind }
func (o *Observation) Source() string  { return o.cfg.Source }
func (o *Observation) Published() bool { return o.acc != nil }
func (o *Observation) Frozen() bool    { return false }
func (o *Observation) Series() *Series { return o.parent }

// Name identifies the observation to subscribers.
func (o *Observation) Name() string { return o.cfg.Name }

// Period is zero: an observation is a single moment.
func (o *Observation) Period() time.Duration { return 0 }

// Timeframe is zero for the same reason.
func (o *Observation) Timeframe() time.Duration { return 0 }

// Knows reports whether key is present.
func (o *Observation) Knows(key category.Item) bool {
	_, ok := o.Get(key)
	return ok
}

// Readings returns the displayed samples of key, oldest first. Only recorded
// values have more than one.
func (o *Observation) Readings(key category.Item) []timeseries.Item {
	v, ok := o.Get(key)
	if !ok {
		return nil
	}
	return v.Readings()
}

// Measurement returns the cached projection of key, refreshed on every update
// touching it.
func (o *Observation) Measurement(key category.Item) (*MeasurementTimeSeries, error) {
	key = key.Bare()
	if !o.Knows(key) {
		return nil, fmt.Errorf("%w: %s in %s/%s", ErrUnknownKey, key, o.cfg.Source, o.cfg.Name)
	}
	o.mu.Lock()
	m, ok := o.projections[key]
	if !ok {
		m = NewMeasurementTimeSeries(key, o)
		o.projections[key] = m
	}
	o.mu.Unlock()
	return m, nil
}

func (o *Observation) refreshProjections(touched []category.Item) {
	o.mu.RLock()
	var refresh []*MeasurementTimeSeries
	for _, k := range touched {
		if m, ok := o.projections[k.Bare()]; ok && !slices.Contains(refresh, m) {
			refresh = append(refresh, m)
		}
	}
	o.mu.RUnlock()
	for _, m := range refresh {
		m.Update()
	}
}

// Locker is held by callers that need several consistent reads. The observation
// never takes it itself.
func (o *Observation) Locker() sync.Locker { return &o.userLock }

// Timestamp of the observation. Realtime observations report the mean timestamp
// of their values.
func (o *Observation) Timestamp() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.timestampLocked()
}

func (o *Observation) timestampLocked() time.Time {
	if o.cfg.Kind != KindRealtime {
		return o.timestamp
	}
	stamps := make([]time.Time, 0, len(o.values))
	for _, v := range o.values {
		stamps = append(stamps, v.Time())
	}
	if ts := timeseries.MeanTime(stamps...); !ts.IsZero() {
		return ts.In(o.env.TZ)
	}
	return o.env.Now()
}

// Keys returns the keys present, sorted.
func (o *Observation) Keys() []category.Item {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := slices.Collect(maps.Keys(o.values))
	category.Sort(keys)
	return keys
}

func (o *Observation) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.values)
}

// Get looks a key up exactly; bare keys also resolve source-tagged entries.
func (o *Observation) Get(key category.Item) (*Value, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.getLocked(key)
}

func (o *Observation) getLocked(key category.Item) (*Value, bool) {
	if v, ok := o.values[key]; ok {
		return v, true
	}
	if canon, ok := o.sourceKeyMap[key.String()]; ok {
		if v, ok := o.values[canon]; ok {
			return v, true
		}
	}
	if key.Sources() == nil {
		for k, v := range o.values {
			if k.Bare() == key.Bare() {
				return v, true
			}
		}
	}
	return nil, false
}

func (o *Observation) Reading(key category.Item) (Reading, bool) {
	v, ok := o.Get(key)
	if !ok {
		return nil, false
	}
	return v, true
}

// Lookup returns every value whose key matches probe, wildcards included.
func (o *Observation) Lookup(probe category.Item) []*Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*Value
	for k, v := range o.values {
		if k.Matches(probe) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b *Value) int { return category.Compare(a.key, b.key) })
	return out
}

// SourceKeyMap returns a copy of the raw-field to canonical-key mapping learned so far.
func (o *Observation) SourceKeyMap() map[string]category.Item {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return maps.Clone(o.sourceKeyMap)
}

// Calculated reports whether key was derived rather than received.
func (o *Observation) Calculated(key category.Item) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.calculated[key.Bare()]
	return ok
}

// Set stores item under key, merging into an existing value in place.
func (o *Observation) Set(key category.Item, item timeseries.TimeAware) error {
	o.mu.Lock()
	k := o.setLocked(key, key.String(), item)
	o.mu.Unlock()
	o.publish(k)
	return nil
}

// Delete removes key.
func (o *Observation) Delete(key category.Item) error {
	o.mu.Lock()
	delete(o.values, key)
	o.mu.Unlock()
	o.publish(key)
	return nil
}

func (o *Observation) publish(keys ...category.Item) {
	if o.acc != nil && len(keys) > 0 {
		o.acc.Publish(keys...)
	}
}

// resolve turns a raw field name into its canonical key.
func (o *Observation) resolve(field string) category.Item {
	if canon, ok := o.sourceKeyMap[field]; ok {
		return canon.Bare()
	}
	return o.cfg.Translator.Metadata(field).Key
}

func (o *Observation) setLocked(key category.Item, field string, item timeseries.TimeAware) category.Item {
	if v, ok := o.values[key]; ok {
		v.Set(item)
		return key
	}
	md := o.cfg.Translator.Metadata(key.Bare().String())
	if field != key.String() {
		md = o.cfg.Translator.Metadata(field)
		if field != md.Key.String() {
			o.sourceKeyMap[field] = key
		}
	}
	v := newValue(key, md, o, o.env, o.cfg.Recorded)
	v.Set(item)
	o.values[key] = v
	return key
}

// Update ingests one raw payload. The timestamp field is consumed, every other
// field is merged, derived values are filled in and, if published, the touched
// keys go out as one batch afterwards.
func (o *Observation) Update(payload map[string]any, sources ...string) error {
	if o.acc != nil {
		o.acc.Mute()
		defer o.acc.Unmute()
	}

	data := unwrap(payload, o.cfg.DataName)
	chain := sourceChain(o.cfg.Source, data, sources)

	ts, err := ExtractTimestamp(data, o.cfg.Translator, o.env, true)
	if err != nil {
		ts = o.env.Now().UTC()
		log.Infof("%s/%s: timestamp not found, using now: %v", o.cfg.Source, o.cfg.Name, err)
	}
	o.ingest(data, ts, chain)
	return nil
}

func (o *Observation) ingest(data map[string]any, ts time.Time, chain []string) {
	o.mu.Lock()
	if o.timestamp.IsZero() || o.cfg.Kind != KindSeriesItem {
		o.timestamp = ts
	}
	touched := make([]category.Item, 0, len(data))
	for _, field := range slices.Sorted(maps.Keys(data)) {
		raw := data[field]
		if raw == nil || field == "source" {
			continue
		}
		key := o.resolve(field)
		if o.cfg.Keyed {
			key = key.WithSource(chain...)
		}
		item, ok := raw.(timeseries.TimeAware)
		if !ok {
			item = timeseries.NewItem(raw, ts)
		}
		touched = append(touched, o.setLocked(key, field, item))
	}
	touched = append(touched, o.calculateMissingLocked()...)
	o.mu.Unlock()
	o.refreshProjections(touched)
	o.publish(touched...)
}

// Archive returns a frozen copy of the observation.
func (o *Observation) Archive() *ArchivedObservation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a := &ArchivedObservation{
		id:        o.id,
		source:    o.cfg.Source,
		timestamp: o.timestampLocked(),
		values:    make(map[category.Item]*ArchivedValue, len(o.values)),
	}
	for k, v := range o.values {
		a.values[k] = v.Archived()
	}
	return a
}

// Snapshot renders the displayed values keyed by dotted path.
func (o *Observation) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		out[k.String()] = v.Value()
	}
	return out
}

func (o *Observation) String() string {
	return fmt.Sprintf("%s/%s@%s(%d keys)", o.cfg.Source, o.cfg.Kind, o.Timestamp().Format(time.RFC3339), o.Len())
}

func unwrap(payload map[string]any, dataName string) map[string]any {
	data := payload
	if dataName != "" {
		if sub, ok := data[dataName].(map[string]any); ok {
			data = sub
		}
	}
	data = maps.Clone(data)
	if inner, ok := data["data"].(map[string]any); ok {
		delete(data, "data")
		inner = maps.Clone(inner)
		if src, ok := data["source"]; ok {
			inner["source"] = src
		}
		data = inner
	}
	return data
}

func sourceChain(plugin string, data map[string]any, extra []string) []string {
	chain := []string{plugin}
	for _, s := range extra {
		if s != "" && s != plugin {
			chain = append(chain, s)
		}
	}
	switch s := data["source"].(type) {
	case string:
		if s != plugin && !slices.Contains(chain, s) {
			chain = append(chain, s)
		}
	case []any:
		for _, x := range s {
			if str := fmt.Sprint(x); str != plugin && !slices.Contains(chain, str) {
				chain = append(chain, str)
			}
		}
	}
	return chain
}

// ArchivedObservation is an immutable copy of an observation.
type ArchivedObservation struct {
	id        uuid.UUID
	source    string
	timestamp time.Time
	values    map[category.Item]*ArchivedValue
}

func (a *ArchivedObservation) ID() uuid.UUID        { return a.id }
func (a *ArchivedObservation) Source() string       { return a.source }
func (a *ArchivedObservation) Timestamp() time.Time { return a.timestamp }
func (a *ArchivedObservation) Frozen() bool         { return true }
func (a *ArchivedObservation) Len() int             { return len(a.values) }

func (a *ArchivedObservation) Keys() []category.Item {
	keys := slices.Collect(maps.Keys(a.values))
	category.Sort(keys)
	return keys
}

func (a *ArchivedObservation) Get(key category.Item) (*ArchivedValue, bool) {
	if v, ok := a.values[key]; ok {
		return v, true
	}
	if key.Sources() == nil {
		for k, v := range a.values {
			if k.Bare() == key.Bare() {
				return v, true
			}
		}
	}
	return nil, false
}

func (a *ArchivedObservation) Reading(key category.Item) (Reading, bool) {
	v, ok := a.Get(key)
	if !ok {
		return nil, false
	}
	return v, true
}

// Snapshot renders the frozen values keyed by dotted path.
func (a *ArchivedObservation) Snapshot() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k.String()] = v.Value()
	}
	return out
}

func (a *ArchivedObservation) Set(category.Item, timeseries.TimeAware) error { return ErrImmutable }
func (a *ArchivedObservation) Update(map[string]any, ...string) error        { return ErrImmutable }
func (a *ArchivedObservation) Delete(category.Item) error                    { return ErrImmutable }
func (a *ArchivedObservation) CalculateMissing() error                       { return ErrImmutable }
