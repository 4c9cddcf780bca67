package publish

import (
	"sync"

	"github.com/i474232898/levity-data/internal/category"
)

// Sink receives the keys an accumulator flushes.
type Sink interface {
	Add(sender string, keys ...category.Item)
}

// Accumulator gathers the keys one container touches. While muted keys are held;
// unmuting flushes them to the sink in one call.
type Accumulator struct {
	mu     sync.Mutex
	sender string
	sink   Sink
	muted  bool
	keys   []category.Item
	seen   map[category.Item]struct{}
}

func NewAccumulator(sender string, sink Sink) *Accumulator {
	return &Accumulator{sender: sender, sink: sink, seen: make(map[category.Item]struct{})}
}

func (a *Accumulator) Sender() string { return a.sender }

// Publish queues keys, flushing at once unless muted.
func (a *Accumulator) Publish(keys ...category.Item) {
	a.mu.Lock()
	for _, k := range keys {
		if _, ok := a.seen[k]; !ok {
			a.seen[k] = struct{}{}
			a.keys = append(a.keys, k)
		}
	}
	muted := a.muted
	a.mu.Unlock()
	if !muted {
		a.Flush()
	}
}

func (a *Accumulator) Mute() {
	a.mu.Lock()
	a.muted = true
	a.mu.Unlock()
}

// Unmute flushes everything gathered while muted.
func (a *Accumulator) Unmute() {
	a.mu.Lock()
	a.muted = false
	a.mu.Unlock()
	a.Flush()
}

func (a *Accumulator) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

// Flush hands the gathered keys to the sink.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	keys := a.keys
	a.keys = nil
	a.seen = make(map[category.Item]struct{})
	a.mu.Unlock()
	if len(keys) > 0 && a.sink != nil {
		a.sink.Add(a.sender, keys...)
	}
}
