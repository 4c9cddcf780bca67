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

// WeatherAPIProvider reads weatherapi.com's forecast endpoint, which carries the
// current conditions alongside hourly and daily blocks.
type WeatherAPIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	days       int
	httpCfg    HTTPClientConfig
	circuit    *gobreaker.CircuitBreaker
	translator *translator.Translator
}

func NewWeatherAPIProvider(client *http.Client, apiKey string) *WeatherAPIProvider {
	return &WeatherAPIProvider{
		name:       "weatherapi",
		apiKey:     apiKey,
		baseURL:    "https://api.weatherapi.com/v1/forecast.json",
		days:       3,
		httpCfg:    defaultHTTPConfig(client),
		circuit:    newCircuit("weatherapi"),
		translator: mustTranslator("weatherapi.yaml"),
	}
}

func (p *WeatherAPIProvider) WithBaseURL(u string) *WeatherAPIProvider {
	p.baseURL = u
	return p
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

func (p *WeatherAPIProvider) Translator() *translator.Translator {
	return p.translator
}

func (p *WeatherAPIProvider) Fetch(ctx context.Context, loc plugin.Location) (plugin.Payloads, error) {
	if p.apiKey == "" {
		return plugin.Payloads{}, fmt.Errorf("weatherapi: %w", errNoAPIKey)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("key", p.apiKey)
		values.Set("days", fmt.Sprint(p.days))
		values.Set("aqi", "no")
		values.Set("alerts", "no")
		if loc.Lat == 0 && loc.Lon == 0 && loc.Name != "" {
			values.Set("q", loc.Name)
		} else {
			values.Set("q", fmt.Sprintf("%f,%f", loc.Lat, loc.Lon))
		}

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	payload, err := fetchJSON(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return plugin.Payloads{}, err
	}

	var out plugin.Payloads
	if current, ok := payload["current"].(map[string]any); ok {
		out.Realtime = flatten(current)
	}

	forecast, _ := payload["forecast"].(map[string]any)
	days, _ := forecast["forecastday"].([]any)
	hourly := make([]any, 0, len(days)*24)
	daily := make([]any, 0, len(days))
	for _, d := range days {
		day, ok := d.(map[string]any)
		if !ok {
			continue
		}
		hourly = append(hourly, flattenEach(day["hour"])...)
		daily = append(daily, flatten(without(day, "hour", "astro", "date")))
	}
	out.Hourly = hourly
	out.Daily = daily

	if out.Realtime == nil && len(days) == 0 {
		return plugin.Payloads{}, fmt.Errorf("weatherapi: response has no data blocks")
	}
	return out, nil
}
