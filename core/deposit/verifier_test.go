package deposit

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"stakearena/chain"
	"stakearena/core/ledger"
	"stakearena/storage"
)

type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	deposits []chain.Deposit
	filters  []chain.DepositFilter
	err      error
}

func (f *fakeSource) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.err
}

func (f *fakeSource) FilterDeposits(_ context.Context, filter chain.DepositFilter) ([]chain.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	var out []chain.Deposit
	for _, d := range f.deposits {
		if d.BlockNumber < filter.FromBlock {
			continue
		}
		if filter.ToBlock != nil && d.BlockNumber > *filter.ToBlock {
			continue
		}
		if filter.LobbyID != nil && d.LobbyID != *filter.LobbyID {
			continue
		}
		if filter.Player != nil && d.Player != *filter.Player {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

type countingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *countingMetrics) RecordVerification(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

func (m *countingMetrics) RecordObserved(int) {}
func (m *countingMetrics) SetCacheSize(int)   {}

const playerHex = "0x00000000000000000000000000000000000000aa"

var player = common.HexToAddress(playerHex)

func onChain(lobby uint64, block uint64, index uint) chain.Deposit {
	return chain.Deposit{
		LobbyID:     lobby,
		Player:      player,
		Amount:      big.NewInt(1_000_000),
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*10 + uint64(index))),
		LogIndex:    index,
		BlockNumber: block,
	}
}

func TestVerifyDepositCachesReceipts(t *testing.T) {
	src := &fakeSource{head: 20, deposits: []chain.Deposit{onChain(5, 10, 0), onChain(6, 11, 0)}}
	metrics := &countingMetrics{}
	v := NewVerifier(src, WithConfirmations(2), WithMetrics(metrics))

	require.False(t, v.HasDeposited(playerHex, 5))
	ok, err := v.VerifyDeposit(context.Background(), "0x00000000000000000000000000000000000000AA", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.HasDeposited(playerHex, 5))
	require.False(t, v.HasDeposited(playerHex, 6))

	receipts := v.Receipts(playerHex, 5)
	require.Len(t, receipts, 1)
	require.Equal(t, playerHex, receipts[0].Address)
	require.Equal(t, uint64(1_000_000), receipts[0].Amount)

	require.NotNil(t, src.filters[0].ToBlock)
	require.Equal(t, uint64(18), *src.filters[0].ToBlock)
	require.Equal(t, 1, metrics.results["verified"])
}

func TestVerifyDepositMissingIsNotAnError(t *testing.T) {
	v := NewVerifier(&fakeSource{head: 20})
	ok, err := v.VerifyDeposit(context.Background(), playerHex, 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyDepositQueryFailureIsRetryable(t *testing.T) {
	src := &fakeSource{err: errors.New("rpc down")}
	v := NewVerifier(src)
	ok, err := v.VerifyDeposit(context.Background(), playerHex, 5)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrVerificationUnavailable)

	_, err = v.VerifyDeposit(context.Background(), "bogus", 5)
	require.ErrorIs(t, err, ledger.ErrInvalidAddress)
}

func TestObserveDeduplicatesAndSweepExpires(t *testing.T) {
	now := time.Unix(10_000, 0).UTC()
	v := NewVerifier(nil, WithHorizon(time.Hour), WithClock(func() time.Time { return now }))

	receipt := ledger.Receipt{LobbyID: 5, Address: playerHex, TxHash: "0xAB", LogIndex: 1, Amount: 1}
	require.True(t, v.Observe(receipt))
	receipt.TxHash = "0xab"
	require.False(t, v.Observe(receipt))
	require.Len(t, v.Receipts(playerHex, 5), 1)

	require.Zero(t, v.Sweep(now.Add(30*time.Minute)))
	require.Equal(t, 1, v.Sweep(now.Add(61*time.Minute)))
	require.False(t, v.HasDeposited(playerHex, 5))
	require.True(t, v.Observe(receipt), "swept receipts may be observed again")
}

func TestWatcherScansInBatchesAndPersistsCheckpoint(t *testing.T) {
	src := &fakeSource{head: 12, deposits: []chain.Deposit{onChain(5, 3, 0), onChain(5, 7, 1), onChain(6, 10, 0)}}
	v := NewVerifier(src)
	db := storage.NewMemDB()
	var notified []ledger.Receipt
	w := NewWatcher(src, v, db, WatcherConfig{StartBlock: 1, Confirmations: 2, BatchSize: 5}, nil)
	w.OnReceipt(func(r ledger.Receipt) { notified = append(notified, r) })

	added, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, added)
	last, ok, err := w.Checkpoint()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), last)

	added, err = w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, added)
	last, _, _ = w.Checkpoint()
	require.Equal(t, uint64(10), last)

	added, err = w.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, notified, 3)
	require.Len(t, v.Receipts(playerHex, 5), 2)

	restarted := NewWatcher(src, NewVerifier(src), db, WatcherConfig{StartBlock: 1, Confirmations: 2, BatchSize: 5}, nil)
	src.mu.Lock()
	src.head = 14
	src.mu.Unlock()
	_, err = restarted.Poll(context.Background())
	require.NoError(t, err)
	src.mu.Lock()
	lastFilter := src.filters[len(src.filters)-1]
	src.mu.Unlock()
	require.Equal(t, uint64(11), lastFilter.FromBlock)
	require.Equal(t, uint64(12), *lastFilter.ToBlock)
}
