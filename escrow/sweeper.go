package escrow

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper scans for stale PENDING
// sessions unless configured otherwise.
const DefaultSweepInterval = time.Minute

// Sweeper periodically expires PENDING sessions whose deposit window has
// passed.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper over the engine. A non-positive interval
// falls back to the default.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

// Run blocks, sweeping on the configured interval until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.engine.ExpireStale(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.Info("expiry sweep", "expired", expired)
			}
		}
	}
}
