package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sony/gobreaker"

	"github.com/i474232898/levity-data/internal/plugin"
	"github.com/i474232898/levity-data/internal/translator"
)

const (
	openMeteoCurrent = "temperature_2m,relative_humidity_2m,dew_point_2m,apparent_temperature,precipitation,weather_code,cloud_cover,surface_pressure,wind_speed_10m,wind_direction_10m,wind_gusts_10m"
	openMeteoHourly  = "temperature_2m,relative_humidity_2m,dew_point_2m,precipitation_probability,precipitation,weather_code,cloud_cover,wind_speed_10m,wind_direction_10m"
	openMeteoDaily   = "weather_code,temperature_2m_max,temperature_2m_min,precipitation_sum,precipitation_probability_max,wind_speed_10m_max,sunrise,sunset,uv_index_max"
)

// OpenMeteoProvider fetches current conditions and hourly and daily forecasts
// from Open-Meteo in one request.
type OpenMeteoProvider struct {
	name       string
	baseURL    string
	httpCfg    HTTPClientConfig
	circuit    *gobreaker.CircuitBreaker
	translator *translator.Translator
}

func NewOpenMeteoProvider(client *http.Client) *OpenMeteoProvider {
	return &OpenMeteoProvider{
		name:       "openmeteo",
		baseURL:    "https://api.open-meteo.com/v1/forecast",
		httpCfg:    defaultHTTPConfig(client),
		circuit:    newCircuit("openmeteo"),
		translator: mustTranslator("openmeteo.yaml"),
	}
}

// WithBaseURL points the provider at another server.
func (p *OpenMeteoProvider) WithBaseURL(u string) *OpenMeteoProvider {
	p.baseURL = u
	return p
}

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

func (p *OpenMeteoProvider) Translator() *translator.Translator {
	return p.translator
}

func (p *OpenMeteoProvider) Fetch(ctx context.Context, loc plugin.Location) (plugin.Payloads, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", loc.Lat))
		values.Set("longitude", fmt.Sprintf("%f", loc.Lon))
		values.Set("current", openMeteoCurrent)
		values.Set("hourly", openMeteoHourly)
		values.Set("daily", openMeteoDaily)
		values.Set("timeformat", "unixtime")
		values.Set("wind_speed_unit", "ms")
		values.Set("timezone", "auto")

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	payload, err := fetchJSON(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return plugin.Payloads{}, err
	}

	var out plugin.Payloads
	if current, ok := payload["current"].(map[string]any); ok {
		out.Realtime = without(current, "interval")
	}
	if hourly, ok := payload["hourly"].(map[string]any); ok {
		out.Hourly = zipColumns(hourly)
	}
	if daily, ok := payload["daily"].(map[string]any); ok {
		out.Daily = zipColumns(daily)
	}
	if out.Realtime == nil && out.Hourly == nil && out.Daily == nil {
		return plugin.Payloads{}, fmt.Errorf("openmeteo: response has no data blocks")
	}
	return out, nil
}
