package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stakearena/chain"
	"stakearena/core/ledger"
)

var (
	// ErrVerificationUnavailable means the chain could not be queried. Callers retry
	// later; it is never a definitive negative.
	ErrVerificationUnavailable = errors.New("deposit: verification unavailable")
	// ErrNotDeposited means no confirmed deposit is observable yet for the pair.
	ErrNotDeposited = errors.New("deposit: no confirmed deposit observed")
)

// DefaultHorizon is how long observed deposits stay cached.
const DefaultHorizon = time.Hour

// Source is the chain query surface used by the verifier and watcher.
type Source interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterDeposits(ctx context.Context, filter chain.DepositFilter) ([]chain.Deposit, error)
}

// Metrics receives verifier observations.
type Metrics interface {
	RecordVerification(result string)
	RecordObserved(n int)
	SetCacheSize(n int)
}

type record struct {
	receipts   []ledger.Receipt
	observedAt time.Time
}

// Verifier caches confirmed deposits per (lobby, address) and falls back to the
// chain when a claimed deposit has not been observed yet.
type Verifier struct {
	source        Source
	horizon       time.Duration
	fromBlock     uint64
	confirmations uint64
	nowFn         func() time.Time
	logger        *slog.Logger
	metrics       Metrics

	mu    sync.RWMutex
	cache map[cacheKey]*record
	seen  map[string]cacheKey
}

type cacheKey struct {
	lobbyID uint64
	address string
}

// Option customises the verifier.
type Option func(*Verifier)

// WithHorizon overrides the cache retention horizon.
func WithHorizon(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.horizon = d
		}
	}
}

// WithFromBlock bounds authoritative queries to blocks at or after n.
func WithFromBlock(n uint64) Option {
	return func(v *Verifier) { v.fromBlock = n }
}

// WithConfirmations only trusts logs buried under n blocks.
func WithConfirmations(n uint64) Option {
	return func(v *Verifier) { v.confirmations = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.nowFn = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier constructs a deposit verifier backed by source.
func NewVerifier(source Source, opts ...Option) *Verifier {
	v := &Verifier{
		source:  source,
		horizon: DefaultHorizon,
		nowFn:   time.Now,
		logger:  slog.Default(),
		cache:   make(map[cacheKey]*record),
		seen:    make(map[string]cacheKey),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// HasDeposited reports whether a confirmed deposit for the pair is cached.
func (v *Verifier) HasDeposited(address string, lobbyID uint64) bool {
	addr, err := ledger.NormalizeAddress(address)
	if err != nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.cache[cacheKey{lobbyID: lobbyID, address: addr}]
	return ok && len(rec.receipts) > 0
}

// Receipts returns the cached receipts for the pair in block order.
func (v *Verifier) Receipts(address string, lobbyID uint64) []ledger.Receipt {
	addr, err := ledger.NormalizeAddress(address)
	if err != nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.cache[cacheKey{lobbyID: lobbyID, address: addr}]
	if !ok {
		return nil
	}
	return append([]ledger.Receipt(nil), rec.receipts...)
}

// Observe caches a receipt delivered by the event stream. It reports false for
// receipts already cached.
func (v *Verifier) Observe(receipt ledger.Receipt) bool {
	addr, err := ledger.NormalizeAddress(receipt.Address)
	if err != nil {
		return false
	}
	receipt.Address = addr
	if receipt.ObservedAt.IsZero() {
		receipt.ObservedAt = v.nowFn().UTC()
	}
	v.mu.Lock()
	added := v.observeLocked(receipt)
	size := len(v.cache)
	v.mu.Unlock()
	if v.metrics != nil && added {
		v.metrics.RecordObserved(1)
		v.metrics.SetCacheSize(size)
	}
	return added
}

func (v *Verifier) observeLocked(receipt ledger.Receipt) bool {
	rkey := receipt.Key()
	if _, dup := v.seen[rkey]; dup {
		return false
	}
	key := cacheKey{lobbyID: receipt.LobbyID, address: receipt.Address}
	rec, ok := v.cache[key]
	if !ok {
		rec = &record{}
		v.cache[key] = rec
	}
	rec.receipts = append(rec.receipts, receipt)
	sort.SliceStable(rec.receipts, func(i, j int) bool {
		a, b := rec.receipts[i], rec.receipts[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	rec.observedAt = receipt.ObservedAt
	v.seen[rkey] = key
	return true
}

// VerifyDeposit queries the chain for deposits of address into lobbyID and caches every
// confirmed receipt found. A query failure returns false with an error wrapping
// ErrVerificationUnavailable.
func (v *Verifier) VerifyDeposit(ctx context.Context, address string, lobbyID uint64) (bool, error) {
	addr, err := ledger.NormalizeAddress(address)
	if err != nil {
		return false, err
	}
	if v.source == nil {
		return false, fmt.Errorf("%w: no chain source configured", ErrVerificationUnavailable)
	}
	player := common.HexToAddress(addr)
	filter := chain.DepositFilter{FromBlock: v.fromBlock, LobbyID: &lobbyID, Player: &player}
	if v.confirmations > 0 {
		head, err := v.source.LatestBlock(ctx)
		if err != nil {
			return false, v.unavailable(addr, lobbyID, err)
		}
		if head < v.confirmations {
			v.record("unconfirmed")
			return false, nil
		}
		safe := head - v.confirmations
		filter.ToBlock = &safe
	}
	deposits, err := v.source.FilterDeposits(ctx, filter)
	if err != nil {
		return false, v.unavailable(addr, lobbyID, err)
	}
	now := v.nowFn().UTC()
	found := 0
	for _, d := range deposits {
		if d.LobbyID != lobbyID || d.Player != player {
			continue
		}
		receipt, ok := toReceipt(d, now)
		if !ok {
			continue
		}
		v.Observe(receipt)
		found++
	}
	if found == 0 {
		v.record("missing")
		return false, nil
	}
	v.record("verified")
	return true, nil
}

func (v *Verifier) unavailable(addr string, lobbyID uint64, err error) error {
	v.logger.Warn("deposit verification failed",
		slog.String("address", addr),
		slog.Uint64("lobby", lobbyID),
		slog.Any("error", err))
	v.record("error")
	return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
}

func (v *Verifier) record(result string) {
	if v.metrics != nil {
		v.metrics.RecordVerification(result)
	}
}

// Sweep drops cache entries older than the horizon and returns how many were removed.
func (v *Verifier) Sweep(now time.Time) int {
	cutoff := now.Add(-v.horizon)
	v.mu.Lock()
	removed := 0
	for key, rec := range v.cache {
		if rec.observedAt.Before(cutoff) {
			for _, r := range rec.receipts {
				delete(v.seen, r.Key())
			}
			delete(v.cache, key)
			removed++
		}
	}
	size := len(v.cache)
	v.mu.Unlock()
	if v.metrics != nil {
		v.metrics.SetCacheSize(size)
	}
	return removed
}

// Run sweeps the cache on every interval until ctx is cancelled.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := v.Sweep(v.nowFn()); n > 0 {
				v.logger.Debug("swept deposit cache", slog.Int("removed", n))
			}
		}
	}
}

func toReceipt(d chain.Deposit, observedAt time.Time) (ledger.Receipt, bool) {
	if d.Amount == nil || d.Amount.Sign() < 0 || !d.Amount.IsUint64() {
		return ledger.Receipt{}, false
	}
	return ledger.Receipt{
		LobbyID:     d.LobbyID,
		Address:     d.Player.Hex(),
		TxHash:      d.TxHash.Hex(),
		LogIndex:    d.LogIndex,
		BlockNumber: d.BlockNumber,
		Amount:      d.Amount.Uint64(),
		ObservedAt:  observedAt,
	}, true
}
