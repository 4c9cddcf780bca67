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

// OpenWeatherProvider reads current conditions and the 3-hourly forecast from
// OpenWeatherMap. It has no daily block.
type OpenWeatherProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpCfg    HTTPClientConfig
	circuit    *gobreaker.CircuitBreaker
	translator *translator.Translator
}

func NewOpenWeatherProvider(client *http.Client, apiKey string) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		name:       "openweathermap",
		apiKey:     apiKey,
		baseURL:    "https://api.openweathermap.org/data/2.5",
		httpCfg:    defaultHTTPConfig(client),
		circuit:    newCircuit("openweather"),
		translator: mustTranslator("openweather.yaml"),
	}
}

func (p *OpenWeatherProvider) WithBaseURL(u string) *OpenWeatherProvider {
	p.baseURL = u
	return p
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

func (p *OpenWeatherProvider) Translator() *translator.Translator {
	return p.translator
}

func (p *OpenWeatherProvider) Fetch(ctx context.Context, loc plugin.Location) (plugin.Payloads, error) {
	if p.apiKey == "" {
		return plugin.Payloads{}, fmt.Errorf("openweather: %w", errNoAPIKey)
	}

	current, err := fetchJSON(ctx, p.httpCfg, p.circuit, p.request("weather", loc))
	if err != nil {
		return plugin.Payloads{}, fmt.Errorf("openweather current: %w", err)
	}
	forecast, err := fetchJSON(ctx, p.httpCfg, p.circuit, p.request("forecast", loc))
	if err != nil {
		return plugin.Payloads{}, fmt.Errorf("openweather forecast: %w", err)
	}

	hourly := make([]any, 0)
	if list, ok := forecast["list"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				hourly = append(hourly, openWeatherRow(m))
			}
		}
	}

	return plugin.Payloads{
		Realtime: openWeatherRow(without(current, "coord", "sys", "cod", "id", "base", "timezone", "name")),
		Hourly:   hourly,
	}, nil
}

func (p *OpenWeatherProvider) request(endpoint string, loc plugin.Location) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		values := url.Values{}
		values.Set("appid", p.apiKey)
		values.Set("units", "metric")
		if loc.Lat == 0 && loc.Lon == 0 && loc.Name != "" {
			values.Set("q", loc.Name)
		} else {
			values.Set("lat", fmt.Sprintf("%f", loc.Lat))
			values.Set("lon", fmt.Sprintf("%f", loc.Lon))
		}

		u := fmt.Sprintf("%s/%s?%s", p.baseURL, endpoint, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}
}

// openWeatherRow lifts the first "weather" entry into the object before flattening.
func openWeatherRow(m map[string]any) map[string]any {
	row := without(m, "weather")
	if list, ok := m["weather"].([]any); ok && len(list) > 0 {
		if w, ok := list[0].(map[string]any); ok {
			row["weather"] = w
		}
	}
	return flatten(row)
}
