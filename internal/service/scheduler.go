package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Courier/internal/transfer"
)

// Scheduler runs the periodic work of the service: progress polling of
// every transfer and housekeeping cron jobs.
type Scheduler struct {
	s gocron.Scheduler
}

var _ transfer.Scheduler = (*Scheduler)(nil)

func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &Scheduler{s: s}, nil
}

func (s *Scheduler) Start() {
	s.s.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}

// Every runs f each period, the first time one period from now. A run
// still in progress when the next one is due postpones it.
func (s *Scheduler) Every(period time.Duration, f func()) (transfer.Task, error) {
	job, err := s.s.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(f),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return task{s: s.s, id: job.ID()}, nil
}

// Cron runs f on the schedule given by expr, see ParseCron.
func (s *Scheduler) Cron(ctx context.Context, name, expr string, f func(context.Context)) error {
	if err := ParseCron(expr); err != nil {
		return err
	}
	_, err := s.s.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() { f(ctx) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job %s: %w", name, err)
	}
	slog.DebugContext(ctx, "cron job scheduled", "name", name, "cron", expr)
	return nil
}

type task struct {
	s  gocron.Scheduler
	id uuid.UUID
}

func (t task) Cancel() {
	// a job removed by shutdown is gone already
	_ = t.s.RemoveJob(t.id)
}
