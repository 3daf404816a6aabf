package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stakearena/chain"
	"stakearena/core/ledger"
	"stakearena/storage"
)

var checkpointKey = []byte("deposits/last-scanned-block")

// Watcher periodically pulls Deposited logs from the chain and feeds them to the
// verifier cache. The last scanned block is persisted so restarts resume in place.
type Watcher struct {
	source        Source
	verifier      *Verifier
	db            storage.Database
	startBlock    uint64
	confirmations uint64
	batchSize     uint64
	pollInterval  time.Duration
	nowFn         func() time.Time
	logger        *slog.Logger
	notify        func(ledger.Receipt)
}

// WatcherConfig tunes the polling loop.
type WatcherConfig struct {
	StartBlock    uint64
	Confirmations uint64
	BatchSize     uint64
	PollInterval  time.Duration
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(source Source, verifier *Verifier, db storage.Database, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		source:        source,
		verifier:      verifier,
		db:            db,
		startBlock:    cfg.StartBlock,
		confirmations: cfg.Confirmations,
		batchSize:     cfg.BatchSize,
		pollInterval:  cfg.PollInterval,
		nowFn:         time.Now,
		logger:        logger,
	}
	if w.batchSize == 0 {
		w.batchSize = 2_000
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 5 * time.Second
	}
	return w
}

// OnReceipt registers a callback invoked for every newly cached receipt.
func (w *Watcher) OnReceipt(fn func(ledger.Receipt)) {
	w.notify = fn
}

// Checkpoint returns the last fully scanned block, if any.
func (w *Watcher) Checkpoint() (uint64, bool, error) {
	return storage.GetUint64(w.db, checkpointKey)
}

// Run starts the polling loop until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.source == nil || w.verifier == nil || w.db == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("deposit watcher poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll scans at most one batch of confirmed blocks and returns the number of new
// receipts cached.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	last, ok, err := w.Checkpoint()
	if err != nil {
		return 0, fmt.Errorf("deposit: load checkpoint: %w", err)
	}
	from := w.startBlock
	if ok && last+1 > from {
		from = last + 1
	}
	head, err := w.source.LatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("deposit: head: %w", err)
	}
	if head < w.confirmations {
		return 0, nil
	}
	safe := head - w.confirmations
	if from > safe {
		return 0, nil
	}
	to := safe
	if to-from+1 > w.batchSize {
		to = from + w.batchSize - 1
	}
	deposits, err := w.source.FilterDeposits(ctx, chainFilter(from, to))
	if err != nil {
		return 0, fmt.Errorf("deposit: scan %d-%d: %w", from, to, err)
	}
	now := w.nowFn().UTC()
	added := 0
	for _, d := range deposits {
		receipt, ok := toReceipt(d, now)
		if !ok {
			continue
		}
		if w.verifier.Observe(receipt) {
			added++
			if w.notify != nil {
				w.notify(receipt)
			}
		}
	}
	if err := storage.PutUint64(w.db, checkpointKey, to); err != nil {
		return added, fmt.Errorf("deposit: save checkpoint: %w", err)
	}
	if added > 0 {
		w.logger.Debug("observed deposits", slog.Int("count", added), slog.Uint64("from", from), slog.Uint64("to", to))
	}
	return added, nil
}

func chainFilter(from, to uint64) chain.DepositFilter {
	return chain.DepositFilter{FromBlock: from, ToBlock: &to}
}
