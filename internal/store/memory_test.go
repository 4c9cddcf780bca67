package store

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/translator"
	"github.com/i474232898/levity-data/internal/units"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var tr = translator.New("test",
	translator.Metadata{Key: observation.KeyTemperature, SourceKey: translator.StringList{"tempC"}, SourceUnit: translator.StringList{"°C"}},
)

func archived(t *testing.T, ts time.Time, tempC float64) *observation.ArchivedObservation {
	t.Helper()
	obs := observation.New(observation.Config{Source: "test", Translator: tr},
		observation.Env{Clock: clockwork.NewFakeClockAt(ts)})
	require.NoError(t, obs.Update(map[string]any{"time": float64(ts.Unix()), "tempC": tempC, "station": "roof"}))
	return obs.Archive()
}

func batch(t *testing.T, temps map[time.Time]float64) map[time.Time]*observation.ArchivedObservation {
	out := make(map[time.Time]*observation.ArchivedObservation, len(temps))
	for ts, c := range temps {
		out[ts] = archived(t, ts, c)
	}
	return out
}

func temperature(t *testing.T, r Record) float64 {
	t.Helper()
	m, ok := r.Values[observation.KeyTemperature.String()].(units.Measurement)
	require.True(t, ok, "temperature missing from %v", r.Values)
	return m.Value
}

func TestMemoryStoreLatestAndRange(t *testing.T) {
	s := NewMemoryStore(0, 0)
	_, err := s.Latest("test")
	assert.ErrorIs(t, err, ErrNotFound)

	s.IngestHistorical("test", batch(t, map[time.Time]float64{
		t0.Add(time.Hour): 21,
		t0:                20,
	}))
	s.IngestHistorical("test", batch(t, map[time.Time]float64{t0.Add(2 * time.Hour): 22}))

	latest, err := s.Latest("test")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), latest.Timestamp)
	assert.Equal(t, 22.0, temperature(t, latest))
	assert.Equal(t, "roof", latest.Values["station"])

	got, err := s.Range("test", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20.0, temperature(t, got[0]))
	assert.Equal(t, 21.0, temperature(t, got[1]))

	_, err = s.Range("test", t0.Add(5*time.Hour), t0.Add(6*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"test"}, s.Sources())
}

func TestMemoryStoreReplacesSameTimestamp(t *testing.T) {
	s := NewMemoryStore(0, 0)
	s.IngestHistorical("test", batch(t, map[time.Time]float64{t0: 20}))
	s.IngestHistorical("test", batch(t, map[time.Time]float64{t0: 25}))

	got, err := s.Range("test", t0, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 25.0, temperature(t, got[0]))
}

func TestMemoryStoreRetention(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0.Add(3 * time.Hour))
	s := NewMemoryStore(2, 2*time.Hour, WithClock(clock))
	s.IngestHistorical("test", batch(t, map[time.Time]float64{
		t0:                    20,
		t0.Add(time.Hour):     21,
		t0.Add(2 * time.Hour): 22,
	}))

	got, err := s.Range("test", t0, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2, "count limit")
	assert.Equal(t, t0.Add(time.Hour), got[0].Timestamp)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	latest, err := s.Latest("test")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), latest.Timestamp)
}

func TestMemoryStoreAsHistorian(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := NewMemoryStore(0, 0)
	logs := observation.NewSeries(observation.Config{Source: "test", Name: "log", Kind: observation.KindLog, Translator: tr},
		observation.Env{Clock: clock, KeepFor: time.Hour})
	logs.SetHistorian(s)

	rows := []any{}
	for n := 3; n >= 0; n-- {
		ts := t0.Add(-time.Duration(n) * time.Hour)
		rows = append(rows, map[string]any{"time": float64(ts.Unix()), "tempC": float64(20 - n)})
	}
	require.NoError(t, logs.Update(rows))

	got, err := s.Range("test", t0.Add(-4*time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 17.0, temperature(t, got[0]))
	assert.Equal(t, 18.0, temperature(t, got[1]))
}
