package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SchedulerConfig tunes the drain loop.
type SchedulerConfig struct {
	InitialDelay     time.Duration // delay before the first tick
	Interval         time.Duration // fixed delay between ticks
	BurstBatches     int           // max drain cycles per tick
	MaxBurstDuration time.Duration // time budget for one tick's burst
	IdleSleep        time.Duration // extra sleep after a tick that found nothing
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		InitialDelay:     2 * time.Second,
		Interval:         500 * time.Millisecond,
		BurstBatches:     4,
		MaxBurstDuration: 10 * time.Second,
		IdleSleep:        2 * time.Second,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	d := DefaultSchedulerConfig()
	if c.InitialDelay < 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BurstBatches <= 0 {
		c.BurstBatches = d.BurstBatches
	}
	if c.MaxBurstDuration <= 0 {
		c.MaxBurstDuration = d.MaxBurstDuration
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = d.IdleSleep
	}
	return c
}

// shutdownGrace bounds how long Stop waits for an in-flight tick.
const shutdownGrace = 500 * time.Millisecond

// Scheduler runs the drainer on a fixed-delay loop. Each tick performs up
// to BurstBatches drain cycles within MaxBurstDuration; an idle tick sleeps
// IdleSleep to reduce churn on an empty table.
type Scheduler struct {
	drainer *Drainer
	cfg     SchedulerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires a scheduler around a drainer.
func NewScheduler(drainer *Drainer, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{drainer: drainer, cfg: cfg.withDefaults()}
}

// Start launches the loop. It returns immediately; Stop shuts it down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("burst_batches", s.cfg.BurstBatches).
		Msg("outbox scheduler started")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	if !sleepCtx(ctx, s.cfg.InitialDelay) {
		return
	}
	for {
		drained := s.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := s.cfg.Interval
		if drained == 0 {
			delay += s.cfg.IdleSleep
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// tick runs one burst and returns the total rows claimed.
func (s *Scheduler) tick(ctx context.Context) int {
	deadline := time.Now().Add(s.cfg.MaxBurstDuration)
	total := 0
	for i := 0; i < s.cfg.BurstBatches; i++ {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
		n, err := s.drainer.DrainOnce(ctx)
		if err != nil {
			// Claim errors are already counted; back off to the next tick.
			break
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total
}

// Stop cancels the loop and waits up to 500ms for the in-flight tick to
// drain, then returns regardless. Publishes honor context cancellation, so
// an abandoned tick unwinds on its own; shutdown is never blocked on it.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("outbox scheduler force-stopped with tick in flight")
	}
}

// sleepCtx sleeps d or until ctx is done; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
