package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pbots/internal/config"
	"pbots/internal/dispatcher"
	logx "pbots/pkg/logx"
)

// Trigger starts a source run; satisfied by dispatcher.Service.
type Trigger interface {
	Trigger(ctx context.Context, sourceID int64) error
}

// Service fires configured per-source cron schedules against the
// dispatcher. Overlapping fires are absorbed by the dispatcher's in-flight
// gate, so a slow scraper cannot pile up runs.
type Service struct {
	mu sync.Mutex

	cfg       config.SchedulerConfig
	schedules []config.Schedule
	disp      Trigger
	log       logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg config.SchedulerConfig, schedules []config.Schedule, disp Trigger, log logx.Logger) *Service {
	return &Service{
		cfg:       cfg,
		schedules: schedules,
		disp:      disp,
		log:       log,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}

	loc := time.Local
	if tz := s.cfg.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid scheduler timezone; using local", logx.String("timezone", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithLocation(loc), cron.WithParser(s.parser))
	for _, sched := range s.schedules {
		id := sched.SourceID
		name := sched.Name
		entryID, err := c.AddFunc(sched.Spec, func() { s.fire(ctx, id, name) })
		if err != nil {
			s.log.Error("invalid cron spec; schedule skipped",
				logx.Int64("source", id),
				logx.String("spec", sched.Spec),
				logx.Err(err))
			continue
		}
		s.log.Debug("schedule registered",
			logx.Int64("source", id),
			logx.String("spec", sched.Spec),
			logx.Int("entry", int(entryID)))
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.Int("schedules", len(s.schedules)), logx.String("timezone", loc.String()))
}

func (s *Service) fire(ctx context.Context, id int64, name string) {
	err := s.disp.Trigger(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrAlreadyRunning):
		s.log.Debug("scheduled trigger skipped, run in flight", logx.Int64("source", id), logx.String("name", name))
	default:
		s.log.Warn("scheduled trigger failed", logx.Int64("source", id), logx.String("name", name), logx.Err(err))
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
