// Package config loads the service settings from the environment, an optional
// .env file and an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/i474232898/levity-data/internal/logging"
	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/plugin"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/units"
)

// ErrInvalid wraps every validation failure Load reports.
var ErrInvalid = errors.New("invalid configuration")

var log = logging.New("config")

// DefaultFile is read when CONFIG_FILE is unset and the file exists.
const DefaultFile = "levity.toml"

type AppConfig struct {
	OpenWeatherAPIKey string
	WeatherAPIKey     string

	// Plugins lists the providers to enable, by name.
	Plugins  []string
	Location plugin.Location
	TZ       *time.Location
	Display  units.System

	// FetchInterval controls how often every plugin is refreshed.
	FetchInterval time.Duration
	// LogInterval controls how often realtime values are archived into the log.
	LogInterval time.Duration
	// SweepCron schedules the retention sweep, in standard cron syntax.
	SweepCron string

	LogKeepFor      time.Duration
	ArchiveAfter    time.Duration
	RingTolerance   time.Duration
	PublishDebounce time.Duration

	// HistoryDB is the SQLite file for archived observations. Empty keeps them in memory.
	HistoryDB       string
	StoreMaxHistory int           // max archived observations per source (0 = unlimited)
	StoreMaxAge     time.Duration // max age of archived observations (0 = unlimited)

	Port         string
	HTTPTimeout  time.Duration
	OTELEndpoint string
	LogDir       string
}

type pluginSection struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
}

type fileConfig struct {
	Timezone  string                   `toml:"timezone"`
	Units     string                   `toml:"units"`
	HistoryDB string                   `toml:"history_db"`
	Location  *plugin.Location         `toml:"location"`
	Plugins   map[string]pluginSection `toml:"plugins"`
}

func defaults() *AppConfig {
	return &AppConfig{
		Plugins:         []string{"openmeteo"},
		TZ:              time.UTC,
		Display:         units.Metric,
		FetchInterval:   15 * time.Minute,
		LogInterval:     5 * time.Minute,
		SweepCron:       "*/30 * * * *",
		LogKeepFor:      observation.DefaultKeepFor,
		ArchiveAfter:    observation.DefaultArchiveAfter,
		RingTolerance:   timeseries.DefaultTolerance,
		PublishDebounce: publish.DefaultDelay,
		StoreMaxHistory: 96 * 7, // a week of 15-minute logs
		StoreMaxAge:     7 * 24 * time.Hour,
		Port:            "8080",
		HTTPTimeout:     10 * time.Second,
	}
}

// Load reads configuration with sensible defaults. The TOML file is applied
// first and environment variables override it.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Infof("No .env file found or error loading it: %v", err)
	}
	cfg := defaults()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}

	if fc.Timezone != "" {
		tz, err := time.LoadLocation(fc.Timezone)
		if err != nil {
			return fmt.Errorf("%w: timezone: %v", ErrInvalid, err)
		}
		c.TZ = tz
	}
	if fc.Units != "" {
		sys, err := units.ParseSystem(fc.Units)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		c.Display = sys
	}
	if fc.HistoryDB != "" {
		c.HistoryDB = fc.HistoryDB
	}
	if fc.Location != nil {
		c.Location = *fc.Location
	}

	if len(fc.Plugins) > 0 {
		c.Plugins = c.Plugins[:0]
		for name, section := range fc.Plugins {
			if !section.Enabled {
				continue
			}
			c.Plugins = append(c.Plugins, name)
			switch name {
			case "openweathermap":
				c.OpenWeatherAPIKey = section.APIKey
			case "weatherapi":
				c.WeatherAPIKey = section.APIKey
			}
		}
		slices.Sort(c.Plugins)
	}
	log.Infof("loaded %s", path)
	return nil
}

func (c *AppConfig) applyEnv() error {
	var err error

	if v := os.Getenv("OPENWEATHER_API_KEY"); v != "" {
		c.OpenWeatherAPIKey = v
	}
	if v := os.Getenv("WEATHERAPI_API_KEY"); v != "" {
		c.WeatherAPIKey = v
	}
	if v := os.Getenv("PLUGINS"); v != "" {
		c.Plugins = splitList(v)
	}

	if v := os.Getenv("TZ"); v != "" {
		if c.TZ, err = time.LoadLocation(v); err != nil {
			return fmt.Errorf("%w: TZ: %v", ErrInvalid, err)
		}
	}
	if v := os.Getenv("DISPLAY_UNITS"); v != "" {
		if c.Display, err = units.ParseSystem(v); err != nil {
			return fmt.Errorf("%w: DISPLAY_UNITS: %v", ErrInvalid, err)
		}
	}

	if v := os.Getenv("LOCATION_NAME"); v != "" {
		c.Location.Name = v
	}
	if c.Location.Lat, err = getenvFloat("LAT", c.Location.Lat); err != nil {
		return err
	}
	if c.Location.Lon, err = getenvFloat("LON", c.Location.Lon); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FETCH_INTERVAL", &c.FetchInterval},
		{"LOG_INTERVAL", &c.LogInterval},
		{"LOG_KEEP_FOR", &c.LogKeepFor},
		{"ARCHIVE_AFTER", &c.ArchiveAfter},
		{"RING_TOLERANCE", &c.RingTolerance},
		{"PUBLISH_DEBOUNCE", &c.PublishDebounce},
		{"STORE_MAX_AGE", &c.StoreMaxAge},
		{"HTTP_TIMEOUT", &c.HTTPTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}

	c.SweepCron = getenvDefault("SWEEP_CRON", c.SweepCron)
	c.HistoryDB = getenvDefault("HISTORY_DB", c.HistoryDB)
	c.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", c.StoreMaxHistory)
	c.Port = getenvDefault("PORT", c.Port)
	c.OTELEndpoint = getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTELEndpoint)
	c.LogDir = getenvDefault("LOG_DIR", c.LogDir)
	return nil
}

func (c *AppConfig) validate() error {
	if len(c.Plugins) == 0 {
		return fmt.Errorf("%w: no plugins enabled", ErrInvalid)
	}
	if c.FetchInterval < time.Minute {
		return fmt.Errorf("%w: FETCH_INTERVAL must be at least 1m, got %s", ErrInvalid, c.FetchInterval)
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("%w: LOG_INTERVAL must be positive", ErrInvalid)
	}
	if _, err := cron.ParseStandard(c.SweepCron); err != nil {
		return fmt.Errorf("%w: SWEEP_CRON: %v", ErrInvalid, err)
	}
	if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lon < -180 || c.Location.Lon > 180 {
		return fmt.Errorf("%w: location %f,%f out of range", ErrInvalid, c.Location.Lat, c.Location.Lon)
	}
	return nil
}

// Env is the data model environment these settings describe.
func (c *AppConfig) Env() observation.Env {
	return observation.Env{
		TZ:           c.TZ,
		Display:      c.Display,
		Tolerance:    c.RingTolerance,
		ArchiveAfter: c.ArchiveAfter,
		KeepFor:      c.LogKeepFor,
	}
}

// Enabled reports whether the named plugin is switched on.
func (c *AppConfig) Enabled(name string) bool {
	return slices.Contains(c.Plugins, name)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
