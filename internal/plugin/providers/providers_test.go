package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/plugin"
)

var (
	t0  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	loc = plugin.Location{Name: "Test", Lat: 52.52, Lon: 13.41}
)

func fastRetries(cfg *HTTPClientConfig) {
	cfg.Backoff.InitialInterval = time.Millisecond
	cfg.Backoff.MaxInterval = 2 * time.Millisecond
}

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func openMeteoBody() string {
	h1, h2 := t0.Add(time.Hour).Unix(), t0.Add(2*time.Hour).Unix()
	return fmt.Sprintf(`{
		"current": {"time": %d, "interval": 900, "temperature_2m": 20.5, "relative_humidity_2m": 55, "wind_speed_10m": 3.2},
		"hourly": {"time": [%d, %d], "temperature_2m": [21.5, 22.5], "relative_humidity_2m": [60, 65]},
		"daily": {"time": [%d], "temperature_2m_max": [25.0], "temperature_2m_min": [14.0]}
	}`, t0.Unix(), h1, h2, t0.Add(12*time.Hour).Unix())
}

func TestEmbeddedTranslatorsLoad(t *testing.T) {
	for _, tc := range []struct {
		name   string
		field  string
		target string
	}{
		{"openmeteo", "temperature_2m", "environment.temperature.temperature"},
		{"openweathermap", "main.humidity", "environment.humidity.humidity"},
		{"weatherapi", "day.maxtemp_c", "environment.temperature.high"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var p plugin.Provider
			switch tc.name {
			case "openmeteo":
				p = NewOpenMeteoProvider(http.DefaultClient)
			case "openweathermap":
				p = NewOpenWeatherProvider(http.DefaultClient, "key")
			default:
				p = NewWeatherAPIProvider(http.DefaultClient, "key")
			}
			assert.Equal(t, tc.name, p.Name())
			key, ok := p.Translator().Canonical(tc.field)
			require.True(t, ok)
			assert.Equal(t, tc.target, key.String())
		})
	}
}

func TestOpenMeteoFetch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "52.520000", q.Get("latitude"))
		assert.Equal(t, "unixtime", q.Get("timeformat"))
		assert.Equal(t, "ms", q.Get("wind_speed_unit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openMeteoBody()))
	})

	p := NewOpenMeteoProvider(srv.Client()).WithBaseURL(srv.URL)
	out, err := p.Fetch(context.Background(), loc)
	require.NoError(t, err)

	assert.Equal(t, 20.5, out.Realtime["temperature_2m"])
	assert.NotContains(t, out.Realtime, "interval")

	hourly, ok := out.Hourly.([]any)
	require.True(t, ok)
	require.Len(t, hourly, 2)
	assert.Equal(t, 22.5, hourly[1].(map[string]any)["temperature_2m"])

	daily, ok := out.Daily.([]any)
	require.True(t, ok)
	assert.Len(t, daily, 1)
}

func TestOpenMeteoRejectsEmptyResponse(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"latitude": 1}`))
	})
	_, err := NewOpenMeteoProvider(srv.Client()).WithBaseURL(srv.URL).Fetch(context.Background(), loc)
	assert.Error(t, err)
}

func TestOpenWeatherFetch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("appid"))
		switch r.URL.Path {
		case "/weather":
			_, _ = fmt.Fprintf(w, `{"coord": {"lat": 1, "lon": 2}, "dt": %d,
				"main": {"temp": 18.2, "humidity": 70},
				"weather": [{"main": "Clouds", "icon": "04d"}, {"main": "Rain"}],
				"wind": {"speed": 4.1, "deg": 200}}`, t0.Unix())
		case "/forecast":
			_, _ = fmt.Fprintf(w, `{"list": [
				{"dt": %d, "main": {"temp": 19}},
				{"dt": %d, "main": {"temp": 20}, "rain": {"3h": 0.4}}]}`,
				t0.Add(3*time.Hour).Unix(), t0.Add(6*time.Hour).Unix())
		default:
			http.NotFound(w, r)
		}
	})

	p := NewOpenWeatherProvider(srv.Client(), "secret").WithBaseURL(srv.URL)
	out, err := p.Fetch(context.Background(), loc)
	require.NoError(t, err)

	assert.Equal(t, 18.2, out.Realtime["main.temp"])
	assert.Equal(t, "Clouds", out.Realtime["weather.main"])
	assert.Equal(t, "04d", out.Realtime["weather.icon"])
	assert.NotContains(t, out.Realtime, "coord.lat")
	assert.Nil(t, out.Daily)

	hourly := out.Hourly.([]any)
	require.Len(t, hourly, 2)
	assert.Equal(t, 0.4, hourly[1].(map[string]any)["rain.3h"])
}

func TestWeatherAPIFetch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "52.520000,13.410000", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("days"))
		_, _ = fmt.Fprintf(w, `{
			"current": {"last_updated_epoch": %d, "temp_c": 17, "condition": {"text": "Sunny", "code": 1000}},
			"forecast": {"forecastday": [
				{"date": "2024-06-01", "date_epoch": %d, "day": {"maxtemp_c": 24, "mintemp_c": 12},
				 "astro": {"sunrise": "05:00 AM"},
				 "hour": [{"time_epoch": %d, "temp_c": 18}, {"time_epoch": %d, "temp_c": 19}]}
			]}}`, t0.Unix(), t0.Unix(), t0.Add(time.Hour).Unix(), t0.Add(2*time.Hour).Unix())
	})

	p := NewWeatherAPIProvider(srv.Client(), "k").WithBaseURL(srv.URL)
	out, err := p.Fetch(context.Background(), loc)
	require.NoError(t, err)

	assert.Equal(t, "Sunny", out.Realtime["condition.text"])
	assert.Len(t, out.Hourly.([]any), 2)

	daily := out.Daily.([]any)
	require.Len(t, daily, 1)
	day := daily[0].(map[string]any)
	assert.Equal(t, float64(24), day["day.maxtemp_c"])
	assert.NotContains(t, day, "hour")
	assert.NotContains(t, day, "astro.sunrise")
}

func TestMissingAPIKey(t *testing.T) {
	_, err := NewOpenWeatherProvider(http.DefaultClient, "").Fetch(context.Background(), loc)
	assert.ErrorIs(t, err, errNoAPIKey)
	_, err = NewWeatherAPIProvider(http.DefaultClient, "").Fetch(context.Background(), loc)
	assert.ErrorIs(t, err, errNoAPIKey)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(openMeteoBody()))
	})

	p := NewOpenMeteoProvider(srv.Client()).WithBaseURL(srv.URL)
	fastRetries(&p.httpCfg)
	_, err := p.Fetch(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	p := NewOpenMeteoProvider(srv.Client()).WithBaseURL(srv.URL)
	fastRetries(&p.httpCfg)
	_, err := p.Fetch(context.Background(), loc)
	assert.ErrorIs(t, err, errRateLimited)
	assert.Equal(t, int32(p.httpCfg.Backoff.MaxRetries+1), calls.Load())
}

func TestResilienceRequiresClient(t *testing.T) {
	_, err := doRequestWithResilience(context.Background(), HTTPClientConfig{}, newCircuit("x"), nil)
	assert.ErrorIs(t, err, errNoHTTPClient)

	cfg := defaultHTTPConfig(http.DefaultClient)
	cfg.Backoff.InitialInterval = 0
	_, err = doRequestWithResilience(context.Background(), cfg, newCircuit("x"), nil)
	assert.ErrorIs(t, err, errInvalidConfig)
}

func TestOpenMeteoFeedsPlugin(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(openMeteoBody()))
	})

	clock := clockwork.NewFakeClockAt(t0)
	p := plugin.New(NewOpenMeteoProvider(srv.Client()).WithBaseURL(srv.URL), plugin.Options{
		Env:      observation.Env{Clock: clock},
		Location: loc,
	})
	t.Cleanup(p.Stop)
	require.NoError(t, p.Refresh(context.Background()))

	rt, err := p.Series(observation.KeyTemperature, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{20.5}, rt.Array())

	hourly, err := p.Series(observation.KeyTemperature, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{21.5, 22.5}, hourly.Array())
	assert.True(t, p.Realtime().Knows(observation.KeyDewpoint))
}

func TestFlattenAndZip(t *testing.T) {
	flat := flatten(map[string]any{"a": map[string]any{"b": 1, "c": map[string]any{"d": 2}}, "e": []any{1}})
	assert.Equal(t, map[string]any{"a.b": 1, "a.c.d": 2, "e": []any{1}}, flat)

	rows := zipColumns(map[string]any{"time": []any{1.0, 2.0, 3.0}, "x": []any{10.0, 20.0}})
	require.Len(t, rows, 3)
	assert.Equal(t, map[string]any{"time": 3.0}, rows[2])
}

func TestNewByName(t *testing.T) {
	for _, name := range Names() {
		p, err := New(name, http.DefaultClient, map[string]string{name: "k"})
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}
	_, err := New("darksky", http.DefaultClient, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
