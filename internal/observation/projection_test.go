package observation

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/units"
)

type contributors []Contributor

func (c contributors) Contributors(category.Item) []Contributor { return c }

type fakeContributor struct {
	mu    sync.Mutex
	items []timeseries.Item
}

func (f *fakeContributor) Name() string          { return "fake" }
func (f *fakeContributor) Period() time.Duration { return time.Hour }

func (f *fakeContributor) Readings(category.Item) []timeseries.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]timeseries.Item(nil), f.items...)
}

func (f *fakeContributor) add(v float64, ts time.Time) {
	f.mu.Lock()
	f.items = append(f.items, timeseries.NewItem(v, ts))
	f.mu.Unlock()
}

func value(t *testing.T, it timeseries.Item) float64 {
	t.Helper()
	f, ok := it.Float()
	require.True(t, ok)
	return f
}

func TestProjectionClampedRead(t *testing.T) {
	fc := newForecast(clockwork.NewFakeClockAt(t0))
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 10, 11, 12)))
	m, err := fc.Measurement(KeyTemperature)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, time.Hour, m.Period())
	assert.Equal(t, []float64{10, 11, 12}, m.Array())

	got, err := m.At(t0.Add(-30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 10.0, value(t, got))

	got, err = m.At(t0.Add(2*time.Hour + 59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 12.0, value(t, got))

	got, err = m.At(t0.Add(40 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 11.0, value(t, got))

	_, err = m.At(t0.Add(-2 * time.Hour))
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = m.At(t0.Add(4 * time.Hour))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestProjectionNotifiesOnlyOnChange(t *testing.T) {
	fc := newForecast(clockwork.NewFakeClockAt(t0))
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 10, 11)))
	m, err := fc.Measurement(KeyTemperature)
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	calls := 0
	cancel := m.Subscribe(func(*MeasurementTimeSeries) { calls++ })
	assert.Equal(t, 0, calls)

	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 10, 11)))
	assert.Equal(t, 0, calls, "identical content")

	require.NoError(t, fc.Update(row(t0.Add(2*time.Hour), "tempC", 12.0)))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, m.Len())

	cancel()
	require.NoError(t, fc.Update(row(t0.Add(3*time.Hour), "tempC", 13.0)))
	assert.Equal(t, 1, calls)
}

func TestMultiSourceProjection(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	logs := newLog(clock, Env{})
	require.NoError(t, logs.Update(hourlyRows(t0.Add(-2*time.Hour), time.Hour, "tempC", 5, 6)))
	fc := newForecast(clock)
	require.NoError(t, fc.Update(hourlyRows(t0.Add(time.Hour), time.Hour, "tempC", 8, 9)))
	rt := New(Config{Source: "test", Name: "realtime", Kind: KindRealtime, Translator: testTranslator()}, testEnv(clock, units.Source))
	require.NoError(t, rt.Update(row(t0, "tempC", 7.0)))

	m := NewMultiSourceTimeSeries(KeyTemperature, contributors{fc, rt, logs})
	assert.Equal(t, []float64{5, 6, 7, 8, 9}, m.Array())
	assert.Equal(t, time.Hour, m.Period())

	nested := NewMultiSourceTimeSeries(KeyTemperature, contributors{m})
	assert.Equal(t, m.Array(), nested.Array())
	assert.Empty(t, m.Readings(KeyHumidity))
}

func TestProjectionSourceChanged(t *testing.T) {
	fake := &fakeContributor{}
	fake.add(1, t0)
	m := NewMeasurementTimeSeries(KeyTemperature, fake)
	require.Equal(t, 1, m.Len())

	fake.add(2, t0.Add(time.Hour))
	m.SourceChanged(publish.Batch{"hourly": {KeyHumidity}})
	assert.Equal(t, 1, m.Len())

	m.SourceChanged(publish.Batch{"hourly": {KeyTemperature.WithSource("test")}})
	assert.Equal(t, 2, m.Len())

	first, ok := m.First()
	require.True(t, ok)
	assert.Equal(t, t0, first.Time())
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, 2.0, value(t, last))
	assert.Len(t, m.Slice(t0, t0.Add(time.Hour)), 1)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour)}, m.Timestamps())
}

func TestProjectionArrayNaN(t *testing.T) {
	fake := &fakeContributor{items: []timeseries.Item{timeseries.NewItem("n/a", t0)}}
	m := NewMeasurementTimeSeries(KeyTemperature, fake)
	arr := m.Array()
	require.Len(t, arr, 1)
	assert.True(t, math.IsNaN(arr[0]))

	_, err := NewMeasurementTimeSeries(KeyTemperature, &fakeContributor{}).At(t0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}
