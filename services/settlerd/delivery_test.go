package settlerd

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"stakearena/chain"
	"stakearena/core/ledger"
	"stakearena/core/settlement"
)

func TestNewDeliveryStrategies(t *testing.T) {
	escrow := &fakeEscrow{}
	d, err := NewDelivery("", escrow)
	require.NoError(t, err)
	require.Equal(t, StrategyDirect, d.Strategy())
	d, err = NewDelivery(StrategyMerkle, escrow)
	require.NoError(t, err)
	require.Equal(t, StrategyMerkle, d.Strategy())
	_, err = NewDelivery("airdrop", escrow)
	require.Error(t, err)
	_, err = NewDelivery(StrategyDirect, nil)
	require.Error(t, err)
}

func TestDirectDeliveryPushesRecipients(t *testing.T) {
	escrow := &fakeEscrow{block: 12}
	d, _ := NewDelivery(StrategyDirect, escrow)
	receipt, err := d.Deliver(context.Background(), scenarioPayout(t, 7))
	require.NoError(t, err)
	require.False(t, receipt.AlreadyFinalized)
	require.Equal(t, uint64(12), receipt.ConfirmedBlock)
	require.NotEmpty(t, receipt.TxHash)
	require.Nil(t, receipt.Tree)

	require.Len(t, escrow.distributed, 1)
	call := escrow.distributed[0]
	require.Equal(t, []common.Address{common.HexToAddress(addrA), common.HexToAddress(addrC)}, call.recipients)
	require.Equal(t, int64(1_904_761), call.amounts[0].Int64())
	require.Equal(t, int64(952_380), call.amounts[1].Int64())
	require.Equal(t, int64(2_857_142), call.totalPayout.Int64())
	require.Equal(t, int64(142_858), call.totalFee.Int64())
}

func TestDeliverySkipsFinalizedLobbies(t *testing.T) {
	escrow := &fakeEscrow{finalized: []bool{true}}
	d, _ := NewDelivery(StrategyDirect, escrow)
	receipt, err := d.Deliver(context.Background(), scenarioPayout(t, 7))
	require.NoError(t, err)
	require.True(t, receipt.AlreadyFinalized)
	require.Zero(t, escrow.sends())
}

func TestDeliveryRevertRechecksFinalization(t *testing.T) {
	escrow := &fakeEscrow{finalized: []bool{false, true}, mineErr: fmt.Errorf("%w: 0x01", chain.ErrReverted)}
	d, _ := NewDelivery(StrategyDirect, escrow)
	receipt, err := d.Deliver(context.Background(), scenarioPayout(t, 7))
	require.NoError(t, err)
	require.True(t, receipt.AlreadyFinalized)
	require.Equal(t, 2, escrow.checks)

	escrow = &fakeEscrow{mineErr: fmt.Errorf("%w: 0x02", chain.ErrReverted)}
	d, _ = NewDelivery(StrategyDirect, escrow)
	_, err = d.Deliver(context.Background(), scenarioPayout(t, 7))
	require.ErrorIs(t, err, chain.ErrReverted)
}

func TestMerkleDeliveryCommitsRoot(t *testing.T) {
	escrow := &fakeEscrow{}
	d, _ := NewDelivery(StrategyMerkle, escrow)
	payout := scenarioPayout(t, 7)
	receipt, err := d.Deliver(context.Background(), payout)
	require.NoError(t, err)
	require.NotNil(t, receipt.Tree)

	tree, err := settlement.BuildTree(payout)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{tree.Root()}, escrow.roots)
	require.Equal(t, tree.Root(), receipt.Tree.Root())
}

func TestMerkleDeliveryWithoutSurvivorsCommitsZeroRoot(t *testing.T) {
	payout, err := settlement.Calculate(9, []ledger.Entry{
		{Address: addrA, Amount: 0, Status: "dead"},
		{Address: addrB, Amount: 0, Status: "dead"},
	}, 2_000_000, 500)
	require.NoError(t, err)

	escrow := &fakeEscrow{}
	d, _ := NewDelivery(StrategyMerkle, escrow)
	receipt, err := d.Deliver(context.Background(), payout)
	require.NoError(t, err)
	require.Nil(t, receipt.Tree)
	require.Equal(t, []common.Hash{{}}, escrow.roots)
}
