package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/i474232898/levity-data/internal/category"
	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/plugin"
	"github.com/i474232898/levity-data/internal/store"
	"github.com/i474232898/levity-data/internal/timeseries"
)

var validate = validator.New()

// NewApp builds the Fiber app with the centralized JSON error handler.
func NewApp(name string, timeout time.Duration) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               name,
		DisableStartupMessage: true,
		ReadTimeout:           timeout,
		WriteTimeout:          timeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())
	return app
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, registry *plugin.Registry, history store.Store) {
	app.Get("/health", func(c *fiber.Ctx) error {
		plugins := make([]fiber.Map, 0)
		for _, p := range registry.Plugins() {
			entry := fiber.Map{"name": p.Name()}
			if ts := p.LastRefresh(); !ts.IsZero() {
				entry["lastRefresh"] = ts
			}
			plugins = append(plugins, entry)
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "levity-data",
			"plugins": plugins,
		})
	})

	v1 := app.Group("/api/v1")

	// /keys?match=environment.temperature.* lists the matching keys instead of the tree.
	v1.Get("/keys", func(c *fiber.Ctx) error {
		if match := c.Query("match"); match != "" {
			keys := category.Filter(registry.Keys(), category.Parse(match))
			if keys == nil {
				keys = []category.Item{}
			}
			return c.JSON(fiber.Map{"match": match, "keys": keys})
		}
		return c.JSON(registry.Tree())
	})

	v1.Get("/realtime", func(c *fiber.Ctx) error {
		p, err := lookupPlugin(registry, c.Query("plugin"))
		if err != nil {
			return err
		}
		rt := p.Realtime()
		if rt.Len() == 0 {
			return fiber.NewError(fiber.StatusNotFound, "no realtime data yet")
		}
		return c.JSON(fiber.Map{
			"plugin":    p.Name(),
			"timestamp": rt.Timestamp(),
			"values":    rt.Snapshot(),
		})
	})

	v1.Get("/series", func(c *fiber.Ctx) error {
		var req seriesQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		key := category.Parse(req.Key)

		var (
			series *observation.MeasurementTimeSeries
			err    error
		)
		if req.Plugin == "" {
			series, err = registry.Projection(key)
		} else {
			var p *plugin.Plugin
			if p, err = lookupPlugin(registry, req.Plugin); err != nil {
				return err
			}
			series, err = p.Series(key, req.Period)
		}
		if err != nil {
			return seriesError(err)
		}

		return c.JSON(fiber.Map{
			"key":    key,
			"period": series.Period().String(),
			"points": points(series.List()),
		})
	})

	v1.Get("/history", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		records, err := history.Range(req.Plugin, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no history for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch history")
		}

		return c.JSON(fiber.Map{
			"plugin":  req.Plugin,
			"from":    req.From,
			"to":      req.To,
			"records": records,
		})
	})
}

func lookupPlugin(registry *plugin.Registry, name string) (*plugin.Plugin, error) {
	if name == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "plugin query parameter is required")
	}
	p, err := registry.Get(name)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return p, nil
}

func seriesError(err error) error {
	switch {
	case errors.Is(err, observation.ErrUnknownKey), errors.Is(err, plugin.ErrNoEndpoint):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to build series")
	}
}

type point struct {
	Time  time.Time `json:"time"`
	Value any       `json:"value"`
}

func points(items []timeseries.Item) []point {
	out := make([]point, len(items))
	for i, it := range items {
		out[i] = point{Time: it.Time(), Value: it.Value()}
	}
	return out
}

// seriesQuery holds query parameters for the series endpoint. Period 0 selects
// the realtime endpoint; without a plugin the key is merged across all plugins.
type seriesQuery struct {
	Key    string        `validate:"required"`
	Plugin string        `validate:"omitempty,alphanum"`
	Period time.Duration `validate:"gte=0"`
}

func (s *seriesQuery) bind(c *fiber.Ctx) error {
	s.Key = c.Query("key")
	s.Plugin = c.Query("plugin")
	if v := c.Query("period"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("invalid period; use a duration such as 1h")
		}
		s.Period = d
	}
	return nil
}

// historyQuery holds query parameters for the history endpoint.
type historyQuery struct {
	Plugin string    `validate:"required"`
	From   time.Time `validate:"required"`
	To     time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	h.Plugin = c.Query("plugin")

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
