// Package publish coalesces key-change notifications so that one multi-key update
// reaches subscribers as a single batch.
package publish

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/levity-data/internal/category"
)

const (
	DefaultDelay     = 200 * time.Millisecond
	DefaultThreshold = 10
)

// Batch maps each sending container to the keys it added or changed.
type Batch map[string][]category.Item

// Keys returns the union of all keys in the batch, sorted.
func (b Batch) Keys() []category.Item {
	seen := make(map[category.Item]struct{})
	var out []category.Item
	for _, keys := range b {
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	category.Sort(out)
	return out
}

// Senders lists the containers that reported a key matching key.
func (b Batch) Senders(key category.Item) []string {
	var out []string
	for sender, keys := range b {
		if slices.ContainsFunc(keys, key.Matches) {
			out = append(out, sender)
		}
	}
	slices.Sort(out)
	return out
}

func (b Batch) size() int {
	n := 0
	for _, keys := range b {
		n += len(keys)
	}
	return n
}

// Publisher collects key changes from every container of one plugin. Small batches
// are emitted synchronously; batches reaching the threshold wait for the debounce
// delay so several containers' changes go out together.
type Publisher struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	delay     time.Duration
	threshold int

	pending map[string][]category.Item
	timer   clockwork.Timer

	nextID   int
	slots    map[int]func(Batch)
	channels map[int]channel
}

type channel struct {
	key category.Item
	fn  func(key category.Item, senders []string)
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithClock(c clockwork.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

func WithDelay(d time.Duration) Option {
	return func(p *Publisher) { p.delay = d }
}

func WithThreshold(n int) Option {
	return func(p *Publisher) { p.threshold = n }
}

func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		clock:     clockwork.NewRealClock(),
		delay:     DefaultDelay,
		threshold: DefaultThreshold,
		pending:   make(map[string][]category.Item),
		slots:     make(map[int]func(Batch)),
		channels:  make(map[int]channel),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add records keys from sender. If the pending total is below the threshold the
// batch is emitted before Add returns; otherwise the debounce timer is (re)started.
func (p *Publisher) Add(sender string, keys ...category.Item) {
	if len(keys) == 0 {
		return
	}
	p.mu.Lock()
	existing := p.pending[sender]
	for _, k := range keys {
		if !slices.Contains(existing, k) {
			existing = append(existing, k)
		}
	}
	p.pending[sender] = existing

	if Batch(p.pending).size() < p.threshold {
		p.stopTimerLocked()
		batch := p.takeLocked()
		p.mu.Unlock()
		p.emit(batch)
		return
	}

	if p.timer == nil {
		p.timer = p.clock.AfterFunc(p.delay, p.Flush)
	} else {
		p.timer.Reset(p.delay)
	}
	p.mu.Unlock()
}

// Flush emits whatever is pending immediately.
func (p *Publisher) Flush() {
	p.mu.Lock()
	p.stopTimerLocked()
	batch := p.takeLocked()
	p.mu.Unlock()
	p.emit(batch)
}

// Pending is the number of keys waiting to be emitted.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Batch(p.pending).size()
}

// Stop cancels a scheduled emission and drops pending keys.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.pending = make(map[string][]category.Item)
}

func (p *Publisher) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Publisher) takeLocked() Batch {
	if len(p.pending) == 0 {
		return nil
	}
	b := Batch(p.pending)
	p.pending = make(map[string][]category.Item)
	return b
}

func (p *Publisher) emit(b Batch) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	slots := make([]func(Batch), 0, len(p.slots))
	for _, fn := range p.slots {
		slots = append(slots, fn)
	}
	chans := make([]channel, 0, len(p.channels))
	for _, c := range p.channels {
		chans = append(chans, c)
	}
	p.mu.Unlock()

	for _, c := range chans {
		if senders := b.Senders(c.key); len(senders) > 0 {
			c.fn(c.key, senders)
		}
	}
	for _, fn := range slots {
		fn(b)
	}
}

// ConnectSlot subscribes fn to every emitted batch. The returned func unsubscribes.
func (p *Publisher) ConnectSlot(fn func(Batch)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.slots[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.slots, id)
		p.mu.Unlock()
	}
}

// ConnectChannel subscribes fn to batches containing a key matching key. fn gets
// the senders that reported it.
func (p *Publisher) ConnectChannel(key category.Item, fn func(key category.Item, senders []string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.channels[id] = channel{key: key, fn: fn}
	return func() {
		p.mu.Lock()
		delete(p.channels, id)
		p.mu.Unlock()
	}
}
