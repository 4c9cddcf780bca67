package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/i474232898/levity-data/internal/api/http"
	"github.com/i474232898/levity-data/internal/config"
	"github.com/i474232898/levity-data/internal/logging"
	"github.com/i474232898/levity-data/internal/plugin"
	"github.com/i474232898/levity-data/internal/plugin/providers"
	"github.com/i474232898/levity-data/internal/publish"
	"github.com/i474232898/levity-data/internal/scheduler"
	"github.com/i474232898/levity-data/internal/store"
	"github.com/i474232898/levity-data/internal/telemetry"
)

var version = "dev"

var log = logging.New("main")

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.LogDir != "" {
		if err := logging.Initialize(cfg.LogDir); err != nil {
			log.Warnf("file logging disabled: %v", err)
		}
		defer logging.Close()
	}

	shutdownTracing, err := telemetry.Initialize(context.Background(), telemetry.Config{
		ServiceName:    "levity-data",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
	})
	if err != nil {
		log.Warnf("tracing disabled: %v", err)
	}

	history, closeHistory, err := openHistory(cfg)
	if err != nil {
		log.Errorf("failed to open history store: %v", err)
		os.Exit(1)
	}
	defer closeHistory()

	// Key changes from every plugin are debounced through one publisher.
	publisher := publish.NewPublisher(publish.WithDelay(cfg.PublishDebounce))
	defer publisher.Stop()

	registry := plugin.NewRegistry()
	publisher.ConnectSlot(registry.SourceChanged)
	defer registry.Stop()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}
	apiKeys := map[string]string{
		"openweathermap": cfg.OpenWeatherAPIKey,
		"weatherapi":     cfg.WeatherAPIKey,
	}
	for _, name := range cfg.Plugins {
		prov, err := providers.New(name, httpClient, apiKeys)
		if err != nil {
			log.Errorf("skipping plugin: %v", err)
			continue
		}
		p := plugin.New(prov, plugin.Options{
			Env:       cfg.Env(),
			Location:  cfg.Location,
			Sink:      publisher,
			Historian: history,
		})
		if err := registry.Register(p); err != nil {
			log.Errorf("skipping plugin %s: %v", name, err)
		}
	}
	if len(registry.Plugins()) == 0 {
		log.Errorf("no usable plugins configured")
		os.Exit(1)
	}

	// Scheduler that periodically refreshes plugins and sweeps history.
	sched := scheduler.New(scheduler.Config{
		FetchInterval: cfg.FetchInterval,
		LogInterval:   cfg.LogInterval,
		SweepCron:     cfg.SweepCron,
		Timeout:       3 * cfg.HTTPTimeout,
		TZ:            cfg.TZ,
	}, registry, history)
	if err := sched.Start(); err != nil {
		log.Errorf("failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer sched.Stop()

	app := httpapi.NewApp("levity-data", 10*time.Second)
	httpapi.RegisterRoutes(app, registry, history)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Infof("fiber server stopped: %v", err)
		}
	}()
	log.Infof("listening on :%s with plugins %v", cfg.Port, cfg.Plugins)

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorf("error during shutdown: %v", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warnf("tracer shutdown: %v", err)
		}
	}
}

// openHistory picks the SQLite store when a database path is configured and the
// in-memory store otherwise.
func openHistory(cfg *config.AppConfig) (store.Store, func(), error) {
	if cfg.HistoryDB == "" {
		return store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge), func() {}, nil
	}
	db, err := store.OpenSQL(cfg.HistoryDB, cfg.StoreMaxAge)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warnf("closing history store: %v", err)
		}
	}, nil
}
