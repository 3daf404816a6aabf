package settlerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stakearena/core/events"
	"stakearena/core/lobby"
	"stakearena/core/settlement"
	"stakearena/storage/archive"
)

// Finalizer runs the settlement pipeline of a single lobby: close it, snapshot,
// calculate, submit, archive and mark it finalized.
type Finalizer struct {
	manager   *lobby.Manager
	submitter *Submitter
	store     archive.Store
	feeBps    uint32
	emitter   events.Emitter
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// FinalizerConfig wires the finalizer dependencies.
type FinalizerConfig struct {
	Manager   *lobby.Manager
	Submitter *Submitter
	Store     archive.Store
	FeeBps    uint32
	Emitter   events.Emitter
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// NewFinalizer validates cfg and constructs a finalizer.
func NewFinalizer(cfg FinalizerConfig) (*Finalizer, error) {
	if cfg.Manager == nil || cfg.Submitter == nil || cfg.Store == nil {
		return nil, fmt.Errorf("settlerd: manager, submitter and store are required")
	}
	if cfg.FeeBps >= settlement.BasisPoints {
		return nil, fmt.Errorf("%w: %d", settlement.ErrInvalidFee, cfg.FeeBps)
	}
	f := &Finalizer{
		manager:   cfg.Manager,
		submitter: cfg.Submitter,
		store:     cfg.Store,
		feeBps:    cfg.FeeBps,
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}
	if f.emitter == nil {
		f.emitter = events.NoopEmitter{}
	}
	if f.metrics == nil {
		f.metrics = NewMetrics()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Settle finalizes lobby id. It returns a nil record when the lobby was already
// finalized. Failures leave the lobby finalizable for the next attempt.
func (f *Finalizer) Settle(ctx context.Context, id uint64) (*archive.Record, error) {
	if _, err := f.manager.MarkFinalizable(id); err != nil {
		return nil, err
	}
	snap, err := f.manager.Snapshot(id)
	if err != nil {
		return nil, err
	}
	if snap.State == lobby.StateFinalized {
		return nil, nil
	}
	log := f.logger.With(slog.Uint64("lobby", id))

	payout, err := settlement.Calculate(id, snap.Entries, snap.TotalDeposits, f.feeBps)
	if err != nil {
		if errors.Is(err, settlement.ErrInvariantViolation) {
			f.metrics.RecordInvariantViolation()
		}
		log.Error("payout calculation rejected", slog.Any("error", err))
		return nil, err
	}

	started := f.now()
	receipt, err := f.submitter.Submit(ctx, payout)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, settlement.ErrInvariantViolation) {
			level = slog.LevelError
		}
		log.Log(ctx, level, "settlement submission failed", slog.Any("error", err))
		return nil, err
	}

	finalizedAt := f.now().UTC()
	ref := archive.Settlement{
		Strategy:         receipt.Strategy,
		TxHash:           receipt.TxHash,
		Block:            receipt.ConfirmedBlock,
		AlreadyFinalized: receipt.AlreadyFinalized,
	}
	record, err := archive.NewRecord(payout, receipt.Tree, ref, finalizedAt)
	if err != nil {
		return nil, err
	}
	if err := f.store.Save(ctx, record); err != nil {
		log.Warn("archive write failed", slog.Any("error", err))
		return nil, fmt.Errorf("settlerd: archive lobby %d: %w", id, err)
	}
	changed, err := f.manager.MarkFinalized(id, lobby.SettlementRef{
		TxHash:           receipt.TxHash,
		Block:            receipt.ConfirmedBlock,
		Strategy:         receipt.Strategy,
		AlreadyFinalized: receipt.AlreadyFinalized,
	}, finalizedAt)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &record, nil
	}

	f.metrics.RecordSettled(receipt.Strategy, receipt.AlreadyFinalized, payout.TotalPayout, payout.TotalFee, payout.Dust, finalizedAt.Sub(started))
	f.emitter.Emit(events.Settlement{
		LobbyID:          id,
		Strategy:         receipt.Strategy,
		TxHash:           receipt.TxHash,
		Block:            receipt.ConfirmedBlock,
		TotalPayout:      payout.TotalPayout,
		TotalFee:         payout.TotalFee,
		AlreadyFinalized: receipt.AlreadyFinalized,
	})
	log.Info("lobby finalized",
		slog.String("strategy", receipt.Strategy),
		slog.String("tx", receipt.TxHash),
		slog.Uint64("payout", payout.TotalPayout),
		slog.Uint64("fee", payout.TotalFee),
		slog.Uint64("dust", payout.Dust),
		slog.Bool("already_finalized", receipt.AlreadyFinalized))
	if finalizedAt.After(snap.FinalizeDeadline) {
		log.Warn("lobby finalized after deadline", slog.Time("deadline", snap.FinalizeDeadline))
	}
	return &record, nil
}
