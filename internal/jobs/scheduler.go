package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Expirer closes tasks whose expiry has passed and refunds their escrow.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs the periodic expiry sweep.
type Scheduler struct {
	sched gocron.Scheduler
	log   *slog.Logger
}

// NewScheduler registers the expiry sweep every interval. Runs never overlap.
func NewScheduler(ctx context.Context, expirer Expirer, interval time.Duration, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { sweep(ctx, expirer, log) }),
		gocron.WithName("expire-tasks"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	return &Scheduler{sched: sched, log: log}, nil
}

func (s *Scheduler) Start() { s.sched.Start() }

func (s *Scheduler) Shutdown() error { return s.sched.Shutdown() }

func sweep(ctx context.Context, expirer Expirer, log *slog.Logger) {
	n, err := expirer.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		log.Error("expire tasks failed", "error", err, "expired", n)
		return
	}
	if n > 0 {
		log.Info("expired tasks refunded", "count", n)
	}
}
