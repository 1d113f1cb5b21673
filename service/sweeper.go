package service

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/woosh/ports"
)

const DefaultSweepInterval = 10 * time.Second

// Lifecycle is the part of the message lifecycle the sweeper drives
type Lifecycle interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
	Reindex(ctx context.Context) (int, error)
}

// Sweeper purges expired messages on a fixed interval until its context is
// cancelled
type Sweeper struct {
	lifecycle Lifecycle
	clock     ports.Clock
	interval  time.Duration
	logger    watermill.LoggerAdapter
}

// NewSweeper creates a sweeper. A non-positive interval selects the default.
func NewSweeper(lifecycle Lifecycle, clock ports.Clock, interval time.Duration, logger watermill.LoggerAdapter) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		lifecycle: lifecycle,
		clock:     clock,
		interval:  interval,
		logger:    logger.With(watermill.LogFields{"component": "sweeper"}),
	}
}

// Run rebuilds the expiry index once, then sweeps every interval. Sweep
// failures are logged and retried on the next tick. It returns ctx.Err()
// once ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if n, err := s.lifecycle.Reindex(ctx); err != nil {
		s.logger.Error("Expiry reindex failed", err, nil)
	} else {
		s.logger.Info("Expiry index rebuilt", watermill.LogFields{"scheduled": n})
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped", nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now()
	n, err := s.lifecycle.Sweep(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Sweep failed", err, watermill.LogFields{"purged": n})
		return
	}
	if n > 0 {
		s.logger.Info("Purged expired messages", watermill.LogFields{"purged": n})
	}
}
