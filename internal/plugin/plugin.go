// Package plugin binds a data provider to the observation model: one realtime
// observation, a log of archived realtime values and the provider's forecasts.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/logging"
	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/telemetry"
	"github.com/i474232898/levity-data/internal/translator"
)

var (
	// ErrNoEndpoint is returned when no endpoint has a period close to the one requested.
	ErrNoEndpoint = errors.New("no endpoint for period")
	// ErrUnknownPlugin is returned by the registry for names it does not hold.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

const (
	minSelectPeriod    = time.Minute
	maxSelectPeriod    = 4 * time.Hour
	defaultSensitivity = 5 * time.Minute
)

var log = logging.New("plugin")

// Location is the point a plugin fetches data for.
type Location struct {
	Name string  `json:"name" toml:"name"`
	Lat  float64 `json:"lat" toml:"lat"`
	Lon  float64 `json:"lon" toml:"lon"`
}

// Payloads is the raw result of one fetch. Nil entries are skipped.
type Payloads struct {
	Realtime map[string]any
	Hourly   any
	Daily    any
}

// Provider fetches raw payloads from one upstream source.
type Provider interface {
	Name() string
	Translator() *translator.Translator
	Fetch(ctx context.Context, loc Location) (Payloads, error)
}

// Endpoint is one container a plugin exposes: its realtime observation or a series.
type Endpoint interface {
	observation.Contributor
	Kind() observation.Kind
	Timeframe() time.Duration
	Keys() []category.Item
	Knows(key category.Item) bool
}

// Options configures a plugin. Zero values disable publishing and history.
type Options struct {
	Env       observation.Env
	Location  Location
	Sink      publish.Sink
	Historian observation.Historian
}

// Plugin is one data source.
type Plugin struct {
	name     string
	provider Provider
	loc      Location
	env      observation.Env

	realtime *observation.Observation
	log      *observation.Series
	hourly   *observation.Series
	daily    *observation.Series

	mu          sync.RWMutex
	lastRefresh time.Time
}

type senderSink struct {
	prefix string
	sink   publish.Sink
}

func (s senderSink) Add(sender string, keys ...category.Item) {
	s.sink.Add(s.prefix+"."+sender, keys...)
}

// New builds a plugin around provider.
func New(provider Provider, opts Options) *Plugin {
	name := provider.Name()
	tr := provider.Translator()

	var sink publish.Sink
	if opts.Sink != nil {
		sink = senderSink{prefix: name, sink: opts.Sink}
	}
	cfg := func(container string, kind observation.Kind) observation.Config {
		return observation.Config{Source: name, Name: container, Kind: kind, Translator: tr, Sink: sink}
	}

	rt := cfg("realtime", observation.KindRealtime)
	rt.Recorded = true
	p := &Plugin{
		name:     name,
		provider: provider,
		loc:      opts.Location,
		env:      opts.Env,
		realtime: observation.New(rt, opts.Env),
		log:      observation.NewSeries(cfg("log", observation.KindLog), opts.Env),
		hourly:   observation.NewSeries(cfg("hourly", observation.KindForecast), opts.Env),
		daily:    observation.NewSeries(cfg("daily", observation.KindForecast), opts.Env),
	}
	if opts.Historian != nil {
		p.log.SetHistorian(opts.Historian)
	}
	return p
}

func (p *Plugin) Name() string                       { return p.name }
func (p *Plugin) Location() Location                 { return p.loc }
func (p *Plugin) Realtime() *observation.Observation { return p.realtime }
func (p *Plugin) Log() *observation.Series           { return p.log }
func (p *Plugin) Hourly() *observation.Series        { return p.hourly }
func (p *Plugin) Daily() *observation.Series         { return p.daily }

// Forecasts returns the forecast series, shortest period first.
func (p *Plugin) Forecasts() []*observation.Series {
	out := []*observation.Series{p.hourly, p.daily}
	slices.SortStableFunc(out, func(a, b *observation.Series) int { return cmpDuration(a.Period(), b.Period()) })
	return out
}

// LastRefresh is the time of the last successful fetch.
func (p *Plugin) LastRefresh() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRefresh
}

// Refresh fetches every endpoint and ingests the payloads.
func (p *Plugin) Refresh(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "plugin.refresh",
		trace.WithAttributes(attribute.String("plugin", p.name)))
	defer span.End()

	payloads, err := p.provider.Fetch(ctx, p.loc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: fetch failed: %w", p.name, err)
	}

	var errs []error
	if payloads.Realtime != nil {
		if err := p.realtime.Update(payloads.Realtime); err != nil {
			errs = append(errs, fmt.Errorf("%s realtime: %w", p.name, err))
		}
	}
	if payloads.Hourly != nil {
		if err := p.hourly.Update(payloads.Hourly); err != nil {
			errs = append(errs, fmt.Errorf("%s hourly: %w", p.name, err))
		}
	}
	if payloads.Daily != nil {
		if err := p.daily.Update(payloads.Daily); err != nil {
			errs = append(errs, fmt.Errorf("%s daily: %w", p.name, err))
		}
	}
	span.SetAttributes(
		attribute.Int("realtime.keys", p.realtime.Len()),
		attribute.Int("hourly.entries", p.hourly.Len()),
		attribute.Int("daily.entries", p.daily.Len()),
	)

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.mu.Lock()
	p.lastRefresh = p.env.Now()
	p.mu.Unlock()
	log.Debugf("%s: refreshed (%d realtime keys, %d hourly, %d daily)", p.name, p.realtime.Len(), p.hourly.Len(), p.daily.Len())
	return nil
}

// LogValues archives the realtime observation into the log. It reports whether
// anything was logged.
func (p *Plugin) LogValues() bool {
	if p.realtime.Len() == 0 {
		return false
	}
	p.log.Add(p.realtime.Archive())
	return true
}

// IngestHistorical loads past observations, in any bulk payload shape, into the log.
func (p *Plugin) IngestHistorical(payload any) error {
	return p.log.Update(payload)
}

// Sweep evicts expired log and forecast entries and returns the number evicted.
func (p *Plugin) Sweep() int {
	n := 0
	for _, s := range []*observation.Series{p.log, p.hourly, p.daily} {
		n += s.RemoveOldObservations()
	}
	return n
}

// Stop cancels every pending archival.
func (p *Plugin) Stop() {
	for _, s := range []*observation.Series{p.log, p.hourly, p.daily} {
		s.Stop()
	}
}

// Endpoints lists the realtime observation and every series, ordered by period.
func (p *Plugin) Endpoints() []Endpoint {
	out := []Endpoint{p.realtime, p.log, p.hourly, p.daily}
	slices.SortStableFunc(out, func(a, b Endpoint) int { return cmpDuration(a.Period(), b.Period()) })
	return out
}

// Grab returns the endpoint whose period is closest to period, provided it lies
// strictly within sensitivity of it.
func (p *Plugin) Grab(period, sensitivity time.Duration, forecastOnly bool) (Endpoint, bool) {
	if sensitivity <= 0 {
		sensitivity = defaultSensitivity
	}
	var (
		best     Endpoint
		bestDist time.Duration
	)
	for _, ep := range p.Endpoints() {
		if forecastOnly && ep.Kind() != observation.KindForecast {
			continue
		}
		if d := absDuration(ep.Period() - period); best == nil || d < bestDist {
			best, bestDist = ep, d
		}
	}
	if best == nil || bestDist >= sensitivity {
		return nil, false
	}
	return best, true
}

// SelectBest returns the forecast with the shortest period between one minute and
// four hours that covers more than minTimeframe.
func (p *Plugin) SelectBest(minTimeframe time.Duration) (*observation.Series, bool) {
	var best *observation.Series
	for _, s := range p.Forecasts() {
		period := s.Period()
		if period < minSelectPeriod || period > maxSelectPeriod || s.Timeframe() <= minTimeframe {
			continue
		}
		if best == nil || period < best.Period() {
			best = s
		}
	}
	return best, best != nil
}

// Keys is the union of every endpoint's keys, sorted.
func (p *Plugin) Keys() []category.Item {
	seen := make(map[category.Item]struct{})
	var keys []category.Item
	for _, ep := range p.Endpoints() {
		for _, k := range ep.Keys() {
			if _, ok := seen[k.Bare()]; !ok {
				seen[k.Bare()] = struct{}{}
				keys = append(keys, k.Bare())
			}
		}
	}
	category.Sort(keys)
	return keys
}

// Knows reports whether any endpoint holds key.
func (p *Plugin) Knows(key category.Item) bool {
	for _, ep := range p.Endpoints() {
		if ep.Knows(key) {
			return true
		}
	}
	return false
}

// Series projects key over the endpoint matching period; zero selects realtime.
func (p *Plugin) Series(key category.Item, period time.Duration) (*observation.MeasurementTimeSeries, error) {
	ep, ok := p.Grab(period, sensitivityFor(period), false)
	if !ok {
		return nil, fmt.Errorf("%w: %s has none near %s", ErrNoEndpoint, p.name, period)
	}
	switch e := ep.(type) {
	case *observation.Series:
		return e.Measurement(key)
	case *observation.Observation:
		return e.Measurement(key)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, period)
}

// Contributors lists the endpoints holding key.
func (p *Plugin) Contributors(key category.Item) []observation.Contributor {
	var out []observation.Contributor
	for _, ep := range p.Endpoints() {
		if ep.Knows(key) {
			out = append(out, ep)
		}
	}
	return out
}

func sensitivityFor(period time.Duration) time.Duration {
	if s := absDuration(period) / 4; s > defaultSensitivity {
		return s
	}
	return defaultSensitivity
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func cmpDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
