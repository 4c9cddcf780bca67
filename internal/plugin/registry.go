package plugin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/publish"
)

const maxConcurrentRefresh = 4

// Registry holds every active plugin and the cross-plugin projections built on them.
type Registry struct {
	mu          sync.RWMutex
	plugins     map[string]*Plugin
	projections map[category.Item]*observation.MeasurementTimeSeries
}

func NewRegistry() *Registry {
	return &Registry{
		plugins:     make(map[string]*Plugin),
		projections: make(map[category.Item]*observation.MeasurementTimeSeries),
	}
}

func (r *Registry) Register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return p, nil
}

// Plugins returns the registered plugins sorted by name.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, name := range slices.Sorted(maps.Keys(r.plugins)) {
		out = append(out, r.plugins[name])
	}
	return out
}

// Keys is the union of every plugin's keys, sorted.
func (r *Registry) Keys() []category.Item {
	seen := make(map[category.Item]struct{})
	for _, p := range r.Plugins() {
		for _, k := range p.Keys() {
			seen[k] = struct{}{}
		}
	}
	keys := slices.Collect(maps.Keys(seen))
	category.Sort(keys)
	return keys
}

// Tree nests Keys by category segment.
func (r *Registry) Tree() map[string]*category.Node {
	return category.KeysToDict(r.Keys())
}

// Contributors lists every plugin endpoint holding key.
func (r *Registry) Contributors(key category.Item) []observation.Contributor {
	var out []observation.Contributor
	for _, p := range r.Plugins() {
		out = append(out, p.Contributors(key)...)
	}
	return out
}

// Projection returns the multi-source projection of key across all plugins.
func (r *Registry) Projection(key category.Item) (*observation.MeasurementTimeSeries, error) {
	key = key.Bare()
	known := false
	for _, p := range r.Plugins() {
		if p.Knows(key) {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", observation.ErrUnknownKey, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.projections[key]
	if !ok {
		m = observation.NewMultiSourceTimeSeries(key, r)
		r.projections[key] = m
	}
	return m, nil
}

// SourceChanged forwards a published batch to every projection built so far.
func (r *Registry) SourceChanged(b publish.Batch) {
	r.mu.RLock()
	projections := slices.Collect(maps.Values(r.projections))
	r.mu.RUnlock()
	for _, m := range projections {
		m.SourceChanged(b)
	}
}

// Refresh refreshes every plugin concurrently, at most maxConcurrentRefresh at a
// time. Failures are logged and joined; plugins that succeed keep their data.
func (r *Registry) Refresh(ctx context.Context) error {
	plugins := r.Plugins()
	if len(plugins) == 0 {
		log.Errorf("no plugins registered")
		return errors.New("no plugins registered")
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxConcurrentRefresh)
	for _, p := range plugins {
		g.Go(func() error {
			if err := p.Refresh(ctx); err != nil {
				// Log and continue; we want partial success when possible.
				log.Warnf("%v", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// LogValues archives every plugin's realtime observation into its log.
func (r *Registry) LogValues() int {
	n := 0
	for _, p := range r.Plugins() {
		if p.LogValues() {
			n++
		}
	}
	return n
}

// Sweep evicts expired entries from every plugin.
func (r *Registry) Sweep() int {
	n := 0
	for _, p := range r.Plugins() {
		n += p.Sweep()
	}
	return n
}

func (r *Registry) Stop() {
	for _, p := range r.Plugins() {
		p.Stop()
	}
}
