/*
scheduler.go - Automated expired-token sweep scheduler

PURPOSE:
  Periodically invokes broker.SweepService so expired, unredeemed
  tokens get their escrow refunded even if no operator ever calls
  sweep_expired directly.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Logs with zerolog: failed passes, and passes that reclaimed tokens
    (structured by reclaimed count); empty passes are not logged

CONFIGURATION:
  - CheckInterval: how often to sweep (default: 30s)
  - Limit: max tokens reclaimed per pass

SEE ALSO:
  - handlers.go: SweepExpired (manual trigger)
  - broker/sweep.go: SweepService
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nateajmera/nexus-broker/broker"
)

// SweepScheduler periodically reclaims expired tokens.
type SweepScheduler struct {
	Sweep         *broker.SweepService
	CheckInterval time.Duration
	Limit         int
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a scheduler over the given sweep service.
func NewSweepScheduler(sweep *broker.SweepService, logger zerolog.Logger) *SweepScheduler {
	return &SweepScheduler{
		Sweep:         sweep,
		CheckInterval: 30 * time.Second,
		Limit:         0, // zero defers to broker.DefaultSweepLimit
		Logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler's background goroutine.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Logger.Info().Dur("interval", s.CheckInterval).Msg("sweep scheduler started")
}

// Stop halts the scheduler and waits for the in-flight pass to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.Logger.Info().Msg("sweep scheduler stopped")
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	s.runOnce()
	for {
		select {
		case <-s.ticker.C:
			s.runOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reclaimed, err := s.Sweep.Sweep(ctx, broker.SweepRequest{Limit: s.Limit, TriggeredBy: "scheduler"})
	if err != nil {
		s.Logger.Error().Err(err).Msg("sweep pass failed")
		return
	}
	if reclaimed > 0 {
		s.Logger.Info().Int("reclaimed", reclaimed).Msg("sweep pass reclaimed expired tokens")
	}
}
