package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	refreshes atomic.Int32
	logs      atomic.Int32
	sweeps    atomic.Int32
	err       error
	deadline  atomic.Bool
}

func (f *fakeSource) Refresh(ctx context.Context) error {
	f.refreshes.Add(1)
	_, ok := ctx.Deadline()
	f.deadline.Store(ok)
	return f.err
}

func (f *fakeSource) LogValues() int {
	f.logs.Add(1)
	return 1
}

func (f *fakeSource) Sweep() int {
	f.sweeps.Add(1)
	return 2
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep() int {
	c.calls.Add(1)
	return 3
}

func TestStartRunsFirstRefreshImmediately(t *testing.T) {
	src := &fakeSource{}
	s := New(Config{FetchInterval: time.Hour, LogInterval: time.Hour, SweepCron: "0 0 * * *"}, src)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	assert.Equal(t, 3, s.Jobs())
	require.Eventually(t, func() bool { return src.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, src.deadline.Load(), "refresh runs with a timeout")
	assert.Zero(t, src.logs.Load(), "logging waits for its first interval")
}

func TestStartRejectsBadCron(t *testing.T) {
	s := New(Config{FetchInterval: time.Hour, SweepCron: "whenever"}, &fakeSource{})
	assert.Error(t, s.Start())
	s.Stop()
}

func TestOptionalJobs(t *testing.T) {
	s := New(Config{}, &fakeSource{})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	assert.Equal(t, 1, s.Jobs())
}

func TestJobBodies(t *testing.T) {
	src := &fakeSource{err: errors.New("offline")}
	store := &countingSweeper{}
	s := New(Config{}, src, store)

	s.refresh()
	s.logValues()
	s.sweep()

	assert.Equal(t, int32(1), src.refreshes.Load())
	assert.Equal(t, int32(1), src.logs.Load())
	assert.Equal(t, int32(1), src.sweeps.Load())
	assert.Equal(t, int32(1), store.calls.Load())
}
