package settlerd

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"stakearena/chain"
	"stakearena/core/deposit"
	"stakearena/core/ledger"
	"stakearena/core/lobby"
	"stakearena/core/settlement"
	"stakearena/storage/archive"
)

const (
	testStake = 1_000_000
	addrA     = "0x00000000000000000000000000000000000000aa"
	addrB     = "0x00000000000000000000000000000000000000bb"
	addrC     = "0x00000000000000000000000000000000000000cc"
)

func scenarioPayout(t *testing.T, lobbyID uint64) *settlement.Payout {
	t.Helper()
	p, err := settlement.Calculate(lobbyID, []ledger.Entry{
		{Address: addrA, Amount: 2_000_000, Status: "active"},
		{Address: addrB, Amount: 0, Status: "dead"},
		{Address: addrC, Amount: 1_000_000, Status: "frozen"},
	}, 3_000_000, 500)
	require.NoError(t, err)
	return p
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeEscrow records contract calls. finalized answers IsFinalized in order; the last
// value repeats.
type fakeEscrow struct {
	mu        sync.Mutex
	finalized []bool
	checks    int
	sendErr   error
	mineErr   error
	block     uint64

	distributed []distribution
	roots       []common.Hash
}

type distribution struct {
	lobbyID     uint64
	recipients  []common.Address
	amounts     []*big.Int
	totalPayout *big.Int
	totalFee    *big.Int
}

func (f *fakeEscrow) IsFinalized(context.Context, uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if len(f.finalized) == 0 {
		return false, nil
	}
	v := f.finalized[0]
	if len(f.finalized) > 1 {
		f.finalized = f.finalized[1:]
	}
	return v, nil
}

func (f *fakeEscrow) DistributeOrFinalize(_ context.Context, lobbyID uint64, recipients []common.Address, amounts []*big.Int, totalPayout, totalFee *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.distributed = append(f.distributed, distribution{lobbyID, recipients, amounts, totalPayout, totalFee})
	return common.BigToHash(big.NewInt(int64(len(f.distributed)))), nil
}

func (f *fakeEscrow) FinalizeWithRoot(_ context.Context, _ uint64, root common.Hash, _, _ *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.roots = append(f.roots, root)
	return common.BigToHash(big.NewInt(int64(100 + len(f.roots)))), nil
}

func (f *fakeEscrow) WaitMined(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mineErr != nil {
		return nil, f.mineErr
	}
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: new(big.Int).SetUint64(f.block)}, nil
}

func (f *fakeEscrow) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.distributed) + len(f.roots)
}

// fakeSource serves deposit logs to the verifier.
type fakeSource struct {
	mu       sync.Mutex
	deposits []chain.Deposit
	err      error
}

func (f *fakeSource) LatestBlock(context.Context) (uint64, error) { return 100, nil }

func (f *fakeSource) FilterDeposits(_ context.Context, filter chain.DepositFilter) ([]chain.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []chain.Deposit
	for _, d := range f.deposits {
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

func onChainDeposit(lobbyID uint64, player string, seq int64) chain.Deposit {
	return chain.Deposit{
		LobbyID:     lobbyID,
		Player:      common.HexToAddress(player),
		Amount:      big.NewInt(testStake),
		TxHash:      common.BigToHash(big.NewInt(seq)),
		BlockNumber: 10,
	}
}

type harness struct {
	clock     *fakeClock
	manager   *lobby.Manager
	escrow    *fakeEscrow
	source    *fakeSource
	store     archive.Store
	submitter *Submitter
	finalizer *Finalizer
	scheduler *Scheduler
	engine    *Engine
}

// newHarness wires a full pipeline whose clock sits 15s into lobby 100 of a one
// minute round.
func newHarness(t *testing.T, strategy string) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: time.Unix(100*60+15, 0).UTC()},
		escrow: &fakeEscrow{block: 77},
		source: &fakeSource{},
	}
	var err error
	h.manager, err = lobby.NewManager(lobby.Config{
		RoundDuration:  time.Minute,
		GracePeriod:    30 * time.Second,
		CashOutGrace:   10 * time.Second,
		ReconnectGrace: 30 * time.Second,
		Stake:          testStake,
	}, lobby.WithClock(h.clock.Now))
	require.NoError(t, err)

	h.store, err = archive.OpenBolt(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.store.Close() })

	delivery, err := NewDelivery(strategy, h.escrow)
	require.NoError(t, err)
	h.submitter, err = NewSubmitter(delivery, WithBackoffUnit(0), WithClock(h.clock.Now))
	require.NoError(t, err)
	h.finalizer, err = NewFinalizer(FinalizerConfig{
		Manager:   h.manager,
		Submitter: h.submitter,
		Store:     h.store,
		FeeBps:    500,
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	h.scheduler = NewScheduler(SchedulerConfig{Clock: h.clock.Now}, h.manager, h.finalizer, h.submitter, nil)

	verifier := deposit.NewVerifier(h.source, deposit.WithClock(h.clock.Now))
	h.engine, err = NewEngine(h.manager, verifier, nil)
	require.NoError(t, err)
	return h
}

// playScenario deposits three players into lobby 100; A kills B and C cashes out.
func (h *harness) playScenario(t *testing.T) {
	t.Helper()
	h.source.mu.Lock()
	h.source.deposits = []chain.Deposit{
		onChainDeposit(100, addrA, 1),
		onChainDeposit(100, addrB, 2),
		onChainDeposit(100, addrC, 3),
	}
	h.source.mu.Unlock()

	ctx := context.Background()
	for pid, addr := range map[string]string{"pA": addrA, "pB": addrB, "pC": addrC} {
		res, err := h.engine.OnDeposit(ctx, pid, addr, 100)
		require.NoError(t, err)
		require.True(t, res.Created)
	}
	_, err := h.engine.OnElimination("pA", "pB")
	require.NoError(t, err)
	frozen, err := h.engine.OnCashOutRequest("pC")
	require.NoError(t, err)
	require.Equal(t, uint64(testStake), frozen)
}
