package settlerd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stakearena/core/lobby"
)

// SchedulerConfig controls the periodic driver cadence.
type SchedulerConfig struct {
	FinalizeInterval time.Duration
	GraceInterval    time.Duration
	EvictInterval    time.Duration
	Retention        time.Duration
	SettleTimeout    time.Duration
	Clock            func() time.Time
}

func (c *SchedulerConfig) applyDefaults() {
	if c.FinalizeInterval <= 0 {
		c.FinalizeInterval = 30 * time.Second
	}
	if c.GraceInterval <= 0 {
		c.GraceInterval = time.Second
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Scheduler drives lobby finalization, grace expiry and eviction.
type Scheduler struct {
	cfg       SchedulerConfig
	manager   *lobby.Manager
	finalizer *Finalizer
	submitter *Submitter
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler constructs the driver.
func NewScheduler(cfg SchedulerConfig, manager *lobby.Manager, finalizer *Finalizer, submitter *Submitter, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		manager:   manager,
		finalizer: finalizer,
		submitter: submitter,
		metrics:   NewMetrics(),
		logger:    logger,
		now:       cfg.Clock,
	}
}

// Run blocks until ctx is cancelled. Finalization runs on its own goroutine so a
// slow submission never delays grace expiry or eviction.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runFinalize(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runHousekeeping(ctx)
	}()
	wg.Wait()
}

func (s *Scheduler) runFinalize(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FinalizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FinalizeDue(ctx)
		}
	}
}

func (s *Scheduler) runHousekeeping(ctx context.Context) {
	grace := time.NewTicker(s.cfg.GraceInterval)
	evict := time.NewTicker(s.cfg.EvictInterval)
	defer grace.Stop()
	defer evict.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-grace.C:
			s.ExpireGrace()
		case <-evict.C:
			s.Evict()
		}
	}
}

// ExpireGrace removes participants whose reconnect window elapsed.
func (s *Scheduler) ExpireGrace() int {
	return len(s.manager.ExpireGrace(s.now()))
}

// FinalizeDue settles every lobby whose round ended and every lobby left pending by
// an earlier failure. It returns the number of lobbies finalized in this pass.
func (s *Scheduler) FinalizeDue(ctx context.Context) int {
	now := s.now()
	ids := mergeIDs(s.manager.ListFinalizable(now), s.manager.PendingSettlement())
	settled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		settleCtx, cancel := context.WithTimeout(ctx, s.cfg.SettleTimeout)
		record, err := s.finalizer.Settle(settleCtx, id)
		cancel()
		if err != nil {
			// Logged by the finalizer; retried on the next tick.
			continue
		}
		if record != nil {
			settled++
		}
	}
	s.reportOverdue(s.now())
	return settled
}

func (s *Scheduler) reportOverdue(now time.Time) {
	overdue := 0
	for _, id := range s.manager.PendingSettlement() {
		_, _, deadline := s.manager.Bounds(id)
		if now.After(deadline) {
			overdue++
			s.logger.Warn("lobby settlement overdue", slog.Uint64("lobby", id), slog.Time("deadline", deadline))
		}
	}
	s.metrics.SetOverdue(overdue)
}

// Evict drops lobbies past retention from memory.
func (s *Scheduler) Evict() []uint64 {
	ids := s.manager.Evict(s.now(), s.cfg.Retention)
	for _, id := range ids {
		s.submitter.Forget(id)
	}
	if len(ids) > 0 {
		s.logger.Debug("evicted lobbies", slog.Any("lobbies", ids))
	}
	return ids
}

func mergeIDs(a, b []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(a)+len(b))
	out := make([]uint64, 0, len(a)+len(b))
	for _, list := range [][]uint64{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
