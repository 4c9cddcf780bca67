package observation

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/translator"
	"github.com/i474232898/levity-data/internal/units"
)

// Reading is the read side shared by live and archived values.
type Reading interface {
	timeseries.TimeAware
	Key() category.Item
	Raw() any
}

// Value is one quantity inside an observation. Raw is always in the source unit;
// Value is converted to the display system and cached until the value changes.
// A recorded Value keeps a rolling window of samples instead of a single one.
type Value struct {
	mu        sync.RWMutex
	key       category.Item
	meta      translator.Metadata
	container *Observation
	env       Env
	zone      *time.Location

	raw     timeseries.Item
	history *timeseries.MiniTimeSeries
	mark    time.Time

	version   uint64
	cacheFor  uint64
	typed     any
	display   any
	gapLogged bool
}

func newValue(key category.Item, meta translator.Metadata, container *Observation, env Env, recorded bool) *Value {
	v := &Value{key: key, meta: meta, container: container, env: env, zone: valueZone(key, meta, env)}
	if recorded {
		v.history = timeseries.NewMiniTimeSeries(env.Timespan, env.Resolution, timeseries.WithTolerance(env.Tolerance))
	}
	return v
}

// NewValue builds a standalone value outside of any observation.
func NewValue(key category.Item, meta translator.Metadata, env Env, item timeseries.TimeAware) *Value {
	v := newValue(key, meta, nil, env.withDefaults(), false)
	v.Set(item)
	return v
}

func (v *Value) Key() category.Item            { return v.key }
func (v *Value) Metadata() translator.Metadata { return v.meta }
func (v *Value) Container() *Observation       { return v.container }
func (v *Value) Recorded() bool                { return v.history != nil }

// History is the sample window of a recorded value, nil otherwise.
func (v *Value) History() *timeseries.MiniTimeSeries { return v.history }

// Title falls back to the key name when the translator has none.
func (v *Value) Title() string {
	if v.meta.Title != "" {
		return v.meta.Title
	}
	return v.key.Name()
}

// Set merges a new sample. It replaces the value, or adds to the history of a
// recorded value, and invalidates the conversion cache.
func (v *Value) Set(item timeseries.TimeAware) {
	it := timeseries.ItemOf(item)
	if r, ok := item.(Reading); ok {
		it = timeseries.NewItem(r.Raw(), r.Time())
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.history != nil {
		if !v.history.Add(it) {
			return
		}
	}
	v.raw = it
	v.version++
}

func (v *Value) current() timeseries.Item {
	if v.history != nil {
		if last, ok := v.history.Last(); ok {
			return last
		}
	}
	return v.raw
}

// Raw is the unconverted value in the source unit.
func (v *Value) Raw() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current().Value()
}

func (v *Value) Time() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current().Time()
}

func (v *Value) convertLocked() {
	if v.cacheFor == v.version && v.typed != nil {
		return
	}
	v.typed = v.convert(v.current().Value())
	v.display = v.typed
	if m, ok := v.typed.(units.Measurement); ok {
		v.display = m.In(v.env.Display)
	}
	v.cacheFor = v.version
}

// Value is the converted value in the display system.
func (v *Value) Value() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.convertLocked()
	return v.display
}

// Typed is the converted value in the source unit.
func (v *Value) Typed() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.convertLocked()
	return v.typed
}

// Measurement returns the typed value when it is a physical measurement.
func (v *Value) Measurement() (units.Measurement, bool) {
	m, ok := v.Typed().(units.Measurement)
	return m, ok
}

// Float returns the displayed value as a number.
func (v *Value) Float() (float64, bool) {
	return timeseries.NewItem(v.Value(), time.Time{}).Float()
}

// Item pairs the displayed value with its timestamp.
func (v *Value) Item() timeseries.Item {
	return timeseries.NewItem(v.Value(), v.Time())
}

func (v *Value) String() string {
	return fmt.Sprint(v.Value())
}

// RollingAverage averages a recorded value over the trailing window, converted
// like Value. Plain values return their current item.
func (v *Value) RollingAverage(window time.Duration) (timeseries.Item, bool) {
	if v.history == nil {
		return v.Item(), !v.Time().IsZero()
	}
	if window < 0 {
		window = -window
	}
	avg, ok := v.history.RollingAverage(window)
	if !ok {
		return timeseries.Item{}, false
	}
	v.mu.Lock()
	typed := v.convert(avg.Value())
	v.mu.Unlock()
	return avg.WithValue(v.displayOf(typed)), true
}

// Readings is the displayed history of a recorded value, one averaged item per
// bucket, or the current item of a plain one.
func (v *Value) Readings() []timeseries.Item {
	h := v.history
	if h == nil {
		return []timeseries.Item{v.Item()}
	}
	half := h.Resolution() / 2
	samples := h.Resample(h.Start().Add(-half), h.End().Add(half), h.Resolution())
	out := make([]timeseries.Item, len(samples))
	for n, s := range samples {
		out[n] = s.WithValue(v.displayOf(v.convertItem(s)))
	}
	return out
}

func (v *Value) displayOf(typed any) any {
	if m, ok := typed.(units.Measurement); ok {
		return m.In(v.env.Display)
	}
	return typed
}

// Archived freezes the value. A recorded value is frozen as the average of the
// samples gathered since its previous archival.
func (v *Value) Archived() *ArchivedValue {
	v.mu.Lock()
	defer v.mu.Unlock()

	it := v.current()
	if v.history != nil {
		since := v.history.Since(v.mark)
		if len(since) > 0 {
			ta := make([]timeseries.TimeAware, len(since))
			for n := range since {
				ta[n] = since[n]
			}
			it = timeseries.Average(ta...)
			for _, s := range since {
				if s.Time().After(v.mark) {
					v.mark = s.Time()
				}
			}
		}
	}
	typed := v.convert(it.Value())
	return &ArchivedValue{
		key:   v.key,
		meta:  v.meta,
		raw:   it.Value(),
		value: v.displayOf(typed),
		typed: typed,
		ts:    it.Time(),
	}
}

func (v *Value) convert(raw any) any {
	switch raw.(type) {
	case nil:
		return nil
	case units.Measurement, time.Time:
		return raw
	}

	switch v.meta.Type {
	case "datetime", "date", "time":
		t, err := parseTime(raw, v.meta.Format, v.zone)
		if err != nil {
			log.Warnf("%s: %v", v.key, err)
			return raw
		}
		return t
	case "icon":
		s := fmt.Sprint(raw)
		if alias, ok := v.meta.Alias[s]; ok {
			return alias
		}
		return raw
	}

	if unit := v.meta.Unit(); unit != "" {
		f, ok := number(raw)
		if !ok {
			log.Warnf("%s: cannot convert %T %v to %s", v.key, raw, raw, unit)
			return raw
		}
		var (
			m   units.Measurement
			err error
		)
		if v.meta.Compound() {
			m, err = units.Compound(f, v.meta.SourceUnit[0], v.meta.SourceUnit[1])
		} else {
			m, err = units.New(f, unit)
		}
		if err != nil {
			log.Warnf("%s: %v; keeping raw value", v.key, err)
			return raw
		}
		return m
	}

	if s, ok := raw.(string); ok && len(v.meta.Alias) > 0 {
		if alias, ok := v.meta.Alias[s]; ok {
			return alias
		}
	}
	if !v.gapLogged {
		log.Debugf("%s: no conversion declared, passing %T through", v.key, raw)
		v.gapLogged = true
	}
	return raw
}

// valueZone is the declared zone of a datetime value, else the configured one.
func valueZone(key category.Item, meta translator.Metadata, env Env) *time.Location {
	switch meta.Type {
	case "datetime", "date", "time":
	default:
		return env.TZ
	}
	if meta.TZ == "" {
		return env.TZ
	}
	loc, err := time.LoadLocation(meta.TZ)
	if err != nil {
		log.Warnf("%s: unknown timezone %q, using %s", key, meta.TZ, env.TZ)
		return env.TZ
	}
	return loc
}

func number(raw any) (float64, bool) {
	switch n := raw.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return timeseries.NewItem(raw, time.Time{}).Float()
}

// ArchivedValue is a frozen snapshot. Every mutator returns ErrImmutable.
type ArchivedValue struct {
	key   category.Item
	meta  translator.Metadata
	raw   any
	value any
	typed any
	ts    time.Time
}

func (a *ArchivedValue) Key() category.Item            { return a.key }
func (a *ArchivedValue) Metadata() translator.Metadata { return a.meta }
func (a *ArchivedValue) Raw() any                      { return a.raw }
func (a *ArchivedValue) Value() any                    { return a.value }
func (a *ArchivedValue) Typed() any                    { return a.typed }
func (a *ArchivedValue) Time() time.Time               { return a.ts }

func (a *ArchivedValue) Set(timeseries.TimeAware) error { return ErrImmutable }

// convertItem converts an arbitrary raw sample with this value's metadata.
func (v *Value) convertItem(it timeseries.Item) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convert(it.Value())
}
