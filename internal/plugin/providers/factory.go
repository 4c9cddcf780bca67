package providers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/i474232898/levity-data/internal/plugin"
)

// ErrUnknownProvider is returned by New for names it has no constructor for.
var ErrUnknownProvider = errors.New("unknown provider")

// Names lists the providers New can build.
func Names() []string {
	return []string{"openmeteo", "openweathermap", "weatherapi"}
}

// New builds the named provider. apiKeys maps provider names to their keys;
// providers that need one fail on first fetch when it is missing.
func New(name string, client *http.Client, apiKeys map[string]string) (plugin.Provider, error) {
	switch name {
	case "openmeteo":
		return NewOpenMeteoProvider(client), nil
	case "openweathermap":
		return NewOpenWeatherProvider(client, apiKeys[name]), nil
	case "weatherapi":
		return NewWeatherAPIProvider(client, apiKeys[name]), nil
	}
	return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProvider, name, Names())
}
