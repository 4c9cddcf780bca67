package observation

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/units"
)

type historian struct {
	mu      sync.Mutex
	sources []string
	batches []map[time.Time]*ArchivedObservation
}

func (h *historian) IngestHistorical(source string, batch map[time.Time]*ArchivedObservation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, source)
	h.batches = append(h.batches, batch)
}

func row(ts time.Time, fields ...any) map[string]any {
	m := map[string]any{"time": float64(ts.Unix())}
	for n := 0; n+1 < len(fields); n += 2 {
		m[fields[n].(string)] = fields[n+1]
	}
	return m
}

func hourlyRows(start time.Time, step time.Duration, field string, values ...float64) []any {
	out := make([]any, len(values))
	for n, v := range values {
		out[n] = row(start.Add(time.Duration(n)*step), field, v)
	}
	return out
}

func newLog(clock clockwork.Clock, env Env) *Series {
	env.Clock = clock
	return NewSeries(Config{Source: "test", Name: "log", Kind: KindLog, Translator: testTranslator()}, env)
}

func newForecast(clock clockwork.Clock) *Series {
	return NewSeries(Config{Source: "test", Name: "hourly", Kind: KindForecast, Translator: testTranslator()},
		testEnv(clock, units.Source))
}

func TestSeriesPeriodSign(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)

	logs := newLog(clock, Env{})
	assert.Equal(t, -time.Second, logs.Period(), "default before any data")
	require.NoError(t, logs.Update(hourlyRows(t0, -time.Hour, "tempC", 20, 19, 18)))
	assert.Equal(t, -time.Hour, logs.Period())
	assert.Equal(t, 3, logs.Len())

	fc := newForecast(clock)
	assert.Equal(t, time.Second, fc.Period())
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 20, 21, 22)))
	assert.Equal(t, time.Hour, fc.Period())
	assert.Equal(t, 2*time.Hour, fc.Timeframe())

	preset := NewSeries(Config{Source: "test", Kind: KindLog, Period: 5 * time.Minute, Translator: testTranslator()},
		testEnv(clock, units.Source))
	assert.Equal(t, -5*time.Minute, preset.Period())
}

func TestSeriesRoundsToPeriod(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	fc := newForecast(clock)
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 20, 21, 22)))

	// A late row lands in the slot it falls inside and merges with it.
	require.NoError(t, fc.Update(row(t0.Add(time.Hour+20*time.Minute), "humidity", 70.0)))
	assert.Equal(t, 3, fc.Len())
	rec, ok := fc.At(t0.Add(time.Hour + 45*time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), rec.Timestamp())
	_, ok = rec.Reading(KeyHumidity)
	assert.True(t, ok)
	_, ok = rec.Reading(KeyDewpoint)
	assert.True(t, ok, "derived values are computed per slot")
}

func TestSeriesKeyMapRows(t *testing.T) {
	fc := newForecast(clockwork.NewFakeClockAt(t0))
	payload := map[string]any{
		"keyMap": []any{"time", "tempC"},
		"data": []any{
			[]any{float64(t0.Unix()), 20.0},
			[]any{float64(t0.Add(time.Hour).Unix()), 21.0},
		},
	}
	require.NoError(t, fc.Update(payload))
	require.Equal(t, 2, fc.Len())

	readings := fc.Readings(KeyTemperature)
	require.Len(t, readings, 2)
	assert.Equal(t, t0, readings[0].Time())
	assert.InDelta(t, 21.0, readings[1].Value().(units.Measurement).Value, 1e-9)
	assert.True(t, fc.Knows(KeyTemperature))
}

func TestSeriesMapOfObservations(t *testing.T) {
	fc := newForecast(clockwork.NewFakeClockAt(t0))
	payload := map[string]any{
		"b": row(t0.Add(time.Hour), "tempC", 21.0),
		"a": row(t0, "tempC", 20.0),
	}
	require.NoError(t, fc.Update(payload))
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour)}, fc.Timestamps())
}

func TestLogArchivesAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	logs := newLog(clock, Env{})
	require.NoError(t, logs.Update(row(t0, "tempC", 20.0)))
	assert.False(t, logs.Archived(t0))

	clock.Advance(DefaultArchiveAfter)
	assert.Eventually(t, func() bool { return logs.Archived(t0) }, time.Second, 5*time.Millisecond)

	require.NoError(t, logs.Update(row(t0, "tempC", 30.0)))
	got := logs.Readings(KeyTemperature)
	require.Len(t, got, 1)
	assert.InDelta(t, 20.0, got[0].Value().(units.Measurement).Value, 1e-9, "archived slots drop updates")
}

func TestLogArchivesOldRowsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	logs := newLog(clock, Env{})
	require.NoError(t, logs.Update(hourlyRows(t0.Add(-2*time.Hour), time.Hour, "tempC", 18, 19, 20)))
	assert.True(t, logs.Archived(t0.Add(-2*time.Hour)))
	assert.True(t, logs.Archived(t0.Add(-time.Hour)))
	assert.False(t, logs.Archived(t0))
}

func TestStopCancelsArchival(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	logs := newLog(clock, Env{})
	require.NoError(t, logs.Update(row(t0, "tempC", 20.0)))
	logs.Stop()
	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return logs.Archived(t0) }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestEvictionHandsEntriesToHistorian(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	logs := newLog(clock, Env{KeepFor: time.Hour})
	h := &historian{}
	logs.SetHistorian(h)

	require.NoError(t, logs.Update(hourlyRows(t0.Add(-3*time.Hour), time.Hour, "tempC", 17, 18, 19, 20)))
	assert.Equal(t, []time.Time{t0.Add(-time.Hour), t0}, logs.Timestamps())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.batches, 1)
	assert.Equal(t, []string{"test"}, h.sources)
	batch := h.batches[0]
	require.Len(t, batch, 2)
	for ts, a := range batch {
		assert.True(t, a.Frozen())
		assert.Equal(t, ts, a.Timestamp())
	}
	assert.Contains(t, batch, t0.Add(-3*time.Hour))
}

func TestForecastDropsPastSlots(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	fc := newForecast(clock)
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 20, 21, 22)))

	clock.Advance(90 * time.Minute)
	assert.Equal(t, 1, fc.RemoveOldObservations())
	assert.Equal(t, []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour)}, fc.Timestamps())
}

func TestLogAddArchived(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	logs := newLog(clock, Env{})
	rt := New(Config{Source: "test", Name: "realtime", Kind: KindRealtime, Translator: testTranslator()}, testEnv(clock, units.Source))

	require.NoError(t, rt.Update(row(t0.Add(-10*time.Minute), "tempC", 19.0)))
	logs.Add(rt.Archive())
	require.NoError(t, rt.Update(row(t0, "tempC", 20.0)))
	logs.Add(rt.Archive())

	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, -10*time.Minute, logs.Period())
	assert.True(t, logs.Knows(KeyTemperature))
	for _, r := range logs.Records() {
		assert.True(t, r.Frozen())
	}
}

func TestMeasurementUnknownKey(t *testing.T) {
	fc := newForecast(clockwork.NewFakeClockAt(t0))
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "tempC", 20, 21)))
	_, err := fc.Measurement(category.MustParse("environment.pressure.pressure"))
	assert.ErrorIs(t, err, ErrUnknownKey)

	m, err := fc.Measurement(KeyTemperature)
	require.NoError(t, err)
	again, err := fc.Measurement(KeyTemperature)
	require.NoError(t, err)
	assert.Same(t, m, again)
}

func TestForecastAccumulatesPrecipitation(t *testing.T) {
	fc := newForecast(clockwork.NewFakeClockAt(t0))
	require.NoError(t, fc.Update(hourlyRows(t0, time.Hour, "rain", 1, 2, 3)))

	rec, ok := fc.At(t0.Add(2 * time.Hour))
	require.True(t, ok)
	acc, ok := rec.Reading(KeyPrecipitationAccumulation)
	require.True(t, ok)
	m := acc.Value().(units.Measurement)
	assert.Equal(t, "mm", m.Unit)
	assert.InDelta(t, 6.0, m.Value, 1e-9)
	assert.True(t, fc.Knows(KeyPrecipitationAccumulation))
}
