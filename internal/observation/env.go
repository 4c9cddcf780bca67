// Package observation is the data model behind every plugin: typed values,
// moment-in-time observations, forecast and log series, and per-key projections.
package observation

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/levity-data/internal/logging"
	"github.com/i474232898/levity-data/internal/timeseries"
	"github.com/i474232898/levity-data/internal/units"
)

var (
	// ErrImmutable is returned by every mutator of an archived value or observation.
	ErrImmutable = errors.New("archived observations are immutable")
	// ErrUnknownKey is returned when a series is asked for a key it has never held.
	ErrUnknownKey = errors.New("unknown key")
	// ErrOutOfRange is returned for projection lookups outside the clamping window.
	ErrOutOfRange = errors.New("timestamp out of range")
)

const (
	DefaultArchiveAfter = 15 * time.Minute
	DefaultKeepFor      = 48 * time.Hour
	DefaultResolution   = time.Minute
	DefaultTimespan     = 15 * time.Minute
)

var log = logging.New("observation")

// Env carries the settings the data model would otherwise read from global state.
// The zero Env is usable: UTC, real clock, source units.
type Env struct {
	TZ           *time.Location
	Clock        clockwork.Clock
	Display      units.System
	Tolerance    time.Duration
	Resolution   time.Duration
	Timespan     time.Duration
	ArchiveAfter time.Duration
	KeepFor      time.Duration
}

func (e Env) withDefaults() Env {
	if e.TZ == nil {
		e.TZ = time.UTC
	}
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.Display == "" {
		e.Display = units.Source
	}
	if e.Tolerance <= 0 {
		e.Tolerance = timeseries.DefaultTolerance
	}
	if e.Resolution <= 0 {
		e.Resolution = DefaultResolution
	}
	if e.Timespan <= 0 {
		e.Timespan = DefaultTimespan
	}
	if e.ArchiveAfter <= 0 {
		e.ArchiveAfter = DefaultArchiveAfter
	}
	if e.KeepFor <= 0 {
		e.KeepFor = DefaultKeepFor
	}
	return e
}

// Now is the current time on the Env clock, in the Env zone.
func (e Env) Now() time.Time {
	return e.withDefaults().Clock.Now().In(e.withDefaults().TZ)
}
