package paywall

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/storage"
)

// Sweeper garbage-collects expired challenges on a fixed cadence,
// normally the challenge TTL.
type Sweeper struct {
	store    storage.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a sweeper. Call Start to begin sweeping.
func NewSweeper(store storage.Store, m *metrics.Metrics, logger zerolog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		metrics:  m,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := s.store.SweepExpiredChallenges(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("paywall.challenge_sweep_failed")
		return
	}
	if swept > 0 {
		s.metrics.ObserveChallengesSwept(int(swept))
		s.logger.Debug().Int64("swept", swept).Msg("paywall.challenges_swept")
	}
}

// Close stops the sweeper and waits for the loop to exit.
func (s *Sweeper) Close() error {
	close(s.stop)
	<-s.done
	return nil
}
