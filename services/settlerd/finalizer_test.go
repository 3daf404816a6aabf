package settlerd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stakearena/chain"
	"stakearena/core/deposit"
	"stakearena/core/lobby"
	"stakearena/storage/archive"
)

func TestScenarioSettlesOnceAndArchives(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	h.playScenario(t)

	require.Zero(t, h.scheduler.FinalizeDue(context.Background()), "round still running")
	h.clock.Advance(45 * time.Second)

	require.Equal(t, 1, h.scheduler.FinalizeDue(context.Background()))
	require.Len(t, h.escrow.distributed, 1)
	call := h.escrow.distributed[0]
	require.Equal(t, int64(1_904_761), call.amounts[0].Int64())
	require.Equal(t, int64(952_380), call.amounts[1].Int64())

	info, ok := h.manager.Info(100)
	require.True(t, ok)
	require.Equal(t, lobby.StateFinalized, info.State)
	require.Equal(t, uint64(77), info.Settlement.Block)

	rec, err := h.store.Load(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(2_857_142), rec.TotalPayout)
	require.Equal(t, uint64(142_858), rec.TotalFee)
	require.Equal(t, uint64(1), rec.Dust)
	require.Equal(t, StrategyDirect, rec.Strategy)

	require.Zero(t, h.scheduler.FinalizeDue(context.Background()))
	record, err := h.finalizer.Settle(context.Background(), 100)
	require.NoError(t, err)
	require.Nil(t, record, "already finalized")
	require.Equal(t, 1, h.escrow.sends())

	all, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMerkleScenarioArchivesProofs(t *testing.T) {
	h := newHarness(t, StrategyMerkle)
	h.playScenario(t)
	h.clock.Advance(45 * time.Second)

	record, err := h.finalizer.Settle(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotEmpty(t, record.MerkleRoot)
	require.Len(t, h.escrow.roots, 1)
	require.Equal(t, h.escrow.roots[0].Hex(), record.MerkleRoot)

	claim, err := h.store.LoadClaim(context.Background(), 100, addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(1_904_761), claim.Amount)
	require.NotEmpty(t, claim.Proof)
}

func TestSettleRejectsRunningAndUnknownLobbies(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	h.playScenario(t)

	_, err := h.finalizer.Settle(context.Background(), 100)
	require.ErrorIs(t, err, lobby.ErrInvalidTransition)
	_, err = h.finalizer.Settle(context.Background(), 5)
	require.ErrorIs(t, err, lobby.ErrUnknownLobby)
	require.Zero(t, h.escrow.sends())
}

type failingStore struct {
	archive.Store
	fail bool
}

func (s *failingStore) Save(ctx context.Context, rec archive.Record) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, rec)
}

func TestArchiveFailureRetriesWithoutResubmitting(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	store := &failingStore{Store: h.store, fail: true}
	finalizer, err := NewFinalizer(FinalizerConfig{
		Manager:   h.manager,
		Submitter: h.submitter,
		Store:     store,
		FeeBps:    500,
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	h.playScenario(t)
	h.clock.Advance(45 * time.Second)

	_, err = finalizer.Settle(context.Background(), 100)
	require.Error(t, err)
	require.Equal(t, []uint64{100}, h.manager.PendingSettlement())

	store.fail = false
	record, err := finalizer.Settle(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 1, h.escrow.sends())
	require.Empty(t, h.manager.PendingSettlement())
}

func TestSubmissionFailureLeavesLobbyPending(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	h.escrow.sendErr = errors.New("insufficient funds")
	h.playScenario(t)
	h.clock.Advance(45 * time.Second)

	require.Zero(t, h.scheduler.FinalizeDue(context.Background()))
	require.Equal(t, []uint64{100}, h.manager.PendingSettlement())

	h.escrow.mu.Lock()
	h.escrow.sendErr = nil
	h.escrow.mu.Unlock()
	require.Equal(t, 1, h.scheduler.FinalizeDue(context.Background()))
	require.Empty(t, h.manager.PendingSettlement())
}

func TestEvictForgetsSubmissions(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	h.playScenario(t)
	h.clock.Advance(45 * time.Second)
	require.Equal(t, 1, h.scheduler.FinalizeDue(context.Background()))
	require.Equal(t, 1, h.submitter.Status().Completed)

	require.Empty(t, h.scheduler.Evict())
	h.clock.Advance(2 * time.Hour)
	require.Equal(t, []uint64{100}, h.scheduler.Evict())
	require.Zero(t, h.submitter.Status().Completed)
	_, ok := h.manager.Info(100)
	require.False(t, ok)
}

func TestEngineDepositPaths(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	ctx := context.Background()

	_, err := h.engine.OnDeposit(ctx, "pA", addrA, 100)
	require.ErrorIs(t, err, deposit.ErrNotDeposited)

	h.source.mu.Lock()
	h.source.err = errors.New("rpc down")
	h.source.mu.Unlock()
	_, err = h.engine.OnDeposit(ctx, "pA", addrA, 100)
	require.ErrorIs(t, err, deposit.ErrVerificationUnavailable)

	h.source.mu.Lock()
	h.source.err = nil
	h.source.deposits = []chain.Deposit{onChainDeposit(100, addrA, 1)}
	h.source.mu.Unlock()
	res, err := h.engine.OnDeposit(ctx, "pA", addrA, 100)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.False(t, res.Duplicate)
	require.Equal(t, uint64(testStake), res.Balance)

	// Served from the cache; the receipt was already applied.
	h.source.mu.Lock()
	h.source.err = errors.New("rpc down")
	h.source.mu.Unlock()
	res, err = h.engine.OnDeposit(ctx, "pA", addrA, 100)
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	balance, err := h.engine.CurrentBalance("pA")
	require.NoError(t, err)
	require.Equal(t, uint64(testStake), balance)
	require.Equal(t, uint64(100), h.engine.CurrentLobby())
	require.Equal(t, time.Unix(101*60, 0).UTC(), h.engine.LobbyEndTime(100))
}

func TestEngineDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	h.playScenario(t)

	res, err := h.engine.OnDisconnect("pA", "transport close")
	require.NoError(t, err)
	require.True(t, res.Temporary)

	resumed, err := h.engine.OnReconnectAttempt(addrA, 100, "pA2")
	require.NoError(t, err)
	require.True(t, resumed)
	balance, err := h.engine.CurrentBalance("pA2")
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000), balance)
}

func TestSchedulerExpiresGrace(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	h.playScenario(t)

	_, err := h.engine.OnDisconnect("pA", "ping timeout")
	require.NoError(t, err)
	require.Zero(t, h.scheduler.ExpireGrace())
	h.clock.Advance(31 * time.Second)
	require.Equal(t, 1, h.scheduler.ExpireGrace())

	resumed, err := h.engine.OnReconnectAttempt(addrA, 100, "pA2")
	require.NoError(t, err)
	require.False(t, resumed)
}
