package publish

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/levity-data/internal/category"
)

func keys(n int) []category.Item {
	out := make([]category.Item, n)
	for i := range out {
		out[i] = category.Parse(fmt.Sprintf("environment.k%02d", i))
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recorder) slot(b Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestSmallBatchEmitsSynchronously(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewPublisher(WithClock(clock))
	rec := &recorder{}
	p.ConnectSlot(rec.slot)

	acc := NewAccumulator("realtime", p)
	acc.Mute()
	acc.Publish(keys(5)...)
	assert.Equal(t, 0, rec.count())
	acc.Unmute()

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.batches[0].Keys(), 5)
	assert.Equal(t, 0, p.Pending())
}

func TestLargeBatchIsDebounced(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewPublisher(WithClock(clock))
	rec := &recorder{}
	p.ConnectSlot(rec.slot)

	acc := NewAccumulator("realtime", p)
	acc.Mute()
	acc.Publish(keys(15)...)
	acc.Unmute()

	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 15, p.Pending())

	clock.Advance(DefaultDelay)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batches[0].Keys(), 15)

	// Nothing else fires later.
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestDebounceCoalescesSenders(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewPublisher(WithClock(clock))
	rec := &recorder{}
	p.ConnectSlot(rec.slot)

	all := keys(14)
	p.Add("hourly", all[:10]...)
	clock.Advance(100 * time.Millisecond)
	p.Add("daily", all[10:]...)
	clock.Advance(150 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	b := rec.batches[0]
	assert.Len(t, b["hourly"], 10)
	assert.Len(t, b["daily"], 4)
}

func TestConnectChannel(t *testing.T) {
	p := NewPublisher(WithClock(clockwork.NewFakeClock()))
	var got []string
	var calls int
	disconnect := p.ConnectChannel(category.Parse("environment.temperature.*"), func(key category.Item, senders []string) {
		calls++
		got = senders
	})

	p.Add("realtime", category.Parse("environment.temperature.temperature"))
	p.Add("hourly", category.Parse("environment.humidity.humidity"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"realtime"}, got)

	disconnect()
	p.Add("realtime", category.Parse("environment.temperature.dewpoint"))
	assert.Equal(t, 1, calls)
}

func TestStopDropsPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewPublisher(WithClock(clock), WithThreshold(1))
	rec := &recorder{}
	p.ConnectSlot(rec.slot)

	p.Add("log", keys(3)...)
	p.Stop()
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, p.Pending())
}

func TestAccumulatorDeduplicates(t *testing.T) {
	p := NewPublisher(WithClock(clockwork.NewFakeClock()))
	rec := &recorder{}
	p.ConnectSlot(rec.slot)

	acc := NewAccumulator("realtime", p)
	acc.Mute()
	k := category.Parse("a.b")
	acc.Publish(k, k)
	acc.Publish(k)
	assert.True(t, acc.Muted())
	acc.Unmute()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []category.Item{k}, rec.batches[0]["realtime"])
}
