// Package scheduler runs the periodic plugin jobs: refresh, realtime logging and
// the retention sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/levity-data/internal/logging"
)

var log = logging.New("scheduler")

// Source is the set of plugins the jobs act on.
type Source interface {
	Refresh(ctx context.Context) error
	LogValues() int
	Sweep() int
}

// Sweeper is anything else with a retention sweep, such as a history store.
type Sweeper interface {
	Sweep() int
}

type Config struct {
	FetchInterval time.Duration
	LogInterval   time.Duration
	SweepCron     string
	// Timeout bounds one refresh job.
	Timeout time.Duration
	TZ      *time.Location
}

// Scheduler periodically refreshes plugins and maintains their history.
type Scheduler struct {
	scheduler *gocron.Scheduler
	source    Source
	sweepers  []Sweeper
	cfg       Config
}

// New creates a new Scheduler.
func New(cfg Config, source Source, sweepers ...Sweeper) *Scheduler {
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(cfg.TZ),
		source:    source,
		sweepers:  sweepers,
		cfg:       cfg,
	}
}

// Start schedules the jobs and starts the underlying scheduler. The first refresh
// runs immediately; logging waits one interval so it has data to archive.
func (s *Scheduler) Start() error {
	fetch := s.cfg.FetchInterval
	if fetch <= 0 {
		fetch = 15 * time.Minute
	}
	if _, err := s.scheduler.Every(fetch).SingletonMode().Do(s.refresh); err != nil {
		return err
	}

	if s.cfg.LogInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.LogInterval).WaitForSchedule().Do(s.logValues); err != nil {
			return err
		}
	}

	if s.cfg.SweepCron != "" {
		if _, err := s.scheduler.Cron(s.cfg.SweepCron).Do(s.sweep); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	log.Infof("started: refresh every %s, log every %s, sweep %q", fetch, s.cfg.LogInterval, s.cfg.SweepCron)
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Jobs is the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.scheduler.Jobs())
}

func (s *Scheduler) refresh() {
	log.Debugf("running refresh job")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := s.source.Refresh(ctx); err != nil {
		log.Errorf("refresh failed: %v", err)
		return
	}
	log.Debugf("completed refresh job")
}

func (s *Scheduler) logValues() {
	n := s.source.LogValues()
	log.Debugf("logged realtime values for %d plugins", n)
}

func (s *Scheduler) sweep() {
	removed := s.source.Sweep()
	for _, sw := range s.sweepers {
		removed += sw.Sweep()
	}
	if removed > 0 {
		log.Infof("sweep removed %d entries", removed)
	}
}
