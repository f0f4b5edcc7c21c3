package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// ticker fires fn every interval on a gocron scheduler, starting immediately.
type ticker struct {
	cron  gocron.Scheduler
	jobID uuid.UUID
	fn    func()
}

func newTicker(loc *time.Location, interval time.Duration, fn func()) (*ticker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("check interval must be > 0, got %s", interval)
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	t := &ticker{cron: cron, fn: fn}
	job, err := cron.NewJob(gocron.DurationJob(interval), gocron.NewTask(fn), t.jobOptions()...)
	if err != nil {
		_ = cron.Shutdown()
		return nil, fmt.Errorf("failed to create check job: %w", err)
	}
	t.jobID = job.ID()
	return t, nil
}

func (t *ticker) jobOptions() []gocron.JobOption {
	return []gocron.JobOption{
		gocron.WithName("export-check"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
}

func (t *ticker) start() { t.cron.Start() }

func (t *ticker) setInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("check interval must be > 0, got %s", interval)
	}
	job, err := t.cron.Update(t.jobID, gocron.DurationJob(interval), gocron.NewTask(t.fn), t.jobOptions()...)
	if err != nil {
		return fmt.Errorf("failed to update check job: %w", err)
	}
	t.jobID = job.ID()
	return nil
}

func (t *ticker) stop() error { return t.cron.Shutdown() }
