package broker

import (
	"context"
	"time"

	xglog "github.com/ManuGH/rlmd/internal/log"
)

// SweeperConfig defines the idle eviction policy.
type SweeperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Sweeper evicts idle sessions in the background.
type Sweeper struct {
	Broker *Broker
	Conf   SweeperConfig
}

// Run sweeps every Conf.Interval until ctx ends. A zero interval or idle
// timeout disables sweeping.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Conf.Interval <= 0 || s.Conf.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	logger := xglog.WithComponent("sweeper")
	logger.Info().
		Dur("interval", s.Conf.Interval).
		Dur("idle_timeout", s.Conf.IdleTimeout).
		Msg("background sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Broker.EvictIdle(ctx, s.Conf.IdleTimeout)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.Warn().Err(err).Int("count", n).Msg("idle sweep failed")
			case n > 0:
				logger.Info().Int("count", n).Msg("sweep evicted idle sessions")
			}
		}
	}
}
