package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/digkill/CreatorBot/internal/models"
	"github.com/digkill/CreatorBot/internal/repository"
)

const (
	sweepBatch = 100
	sweepGrace = 10 * time.Minute
)

// Sweeper closes jobs whose orchestrator is gone, typically after a restart, once they
// have been polling longer than their whole budget.
type Sweeper struct {
	log       *slog.Logger
	jobs      JobStore
	messenger Messenger
	budget    func(models.JobKind) int
	interval  time.Duration
	grace     time.Duration
	cron      *cron.Cron
}

func NewSweeper(log *slog.Logger, jobs JobStore, messenger Messenger, orchestrator *Orchestrator) *Sweeper {
	return &Sweeper{
		log:       log,
		jobs:      jobs,
		messenger: messenger,
		budget:    orchestrator.Budget,
		interval:  orchestrator.interval,
		grace:     sweepGrace,
	}
}

// Start registers the sweep on a cron schedule such as "@every 5m".
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := s.SweepOnce(ctx); err != nil {
			s.log.Error("sweep failed", "err", err)
		} else if n > 0 {
			s.log.Info("stale jobs timed out", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	swept := 0
	for _, kind := range []models.JobKind{models.KindImage, models.KindVideo} {
		window := time.Duration(s.budget(kind))*s.interval + s.grace
		stale, err := s.jobs.ListStale(ctx, kind, window, sweepBatch)
		if err != nil {
			return swept, fmt.Errorf("list stale %s jobs: %w", kind, err)
		}
		for _, job := range stale {
			err := s.jobs.Finish(ctx, job.ID, models.JobTimedOut, "no result before restart")
			if errors.Is(err, repository.ErrJobTransition) {
				continue
			}
			if err != nil {
				s.log.Error("time out stale job failed", "job_id", job.ID, "err", err)
				continue
			}
			swept++
			if err := s.messenger.NotifyText(job.OwnerID, textTimeout, nil); err != nil {
				s.log.Warn("stale job notice not delivered", "job_id", job.ID, "err", err)
			}
		}
	}
	return swept, nil
}
