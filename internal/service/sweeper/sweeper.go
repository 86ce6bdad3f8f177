package sweeper

import (
	"context"
	"time"

	"github.com/nkiryanov/machinepay/internal/logger"
)

const DefaultInterval = 30 * time.Second

type expirer interface {
	ExpireParked(ctx context.Context) (int, error)
}

// Sweeper periodically fails parked payments nobody approved in time
type Sweeper struct {
	interval time.Duration
	expirer  expirer
	logger   logger.Logger
}

func New(interval time.Duration, expirer expirer, l logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Sweeper{interval: interval, expirer: expirer, logger: l}
}

// Run sweeps on every tick until ctx is done; returned channel is closed when sweeper stopped
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	s.logger.Debug("Starting sweeper", "interval", s.interval)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped by context")
				return

			case <-ticker.C:
				count, err := s.expirer.ExpireParked(ctx)
				switch {
				case err != nil:
					s.logger.Error("Failed to expire parked payments", "error", err)
				case count > 0:
					s.logger.Info("Parked payments expired", "count", count)
				}
			}
		}
	}()

	return idleStopped
}
