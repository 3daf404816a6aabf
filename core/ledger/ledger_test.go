package ledger

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	stake = 1_000_000
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000CC"
)

func receipt(tx string) Receipt {
	return Receipt{TxHash: tx, Amount: stake}
}

func seeded(t *testing.T) *Ledger {
	t.Helper()
	l := New(stake)
	for i, addr := range []string{addrA, addrB, addrC} {
		_, err := l.Deposit(fmt.Sprintf("sock-%d", i), addr, receipt(fmt.Sprintf("0x%02d", i)))
		require.NoError(t, err)
	}
	return l
}

func TestDepositCreatesSingleRowPerAddress(t *testing.T) {
	l := New(stake)
	res, err := l.Deposit("sock-a", addrA, receipt("0x01"))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, uint64(stake), res.Balance)

	res, err = l.Deposit("sock-a2", "0x00000000000000000000000000000000000000AA", receipt("0x02"))
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, 1, l.ParticipantCount())
	require.Equal(t, uint64(2*stake), l.TotalDeposits())
	require.Equal(t, uint64(stake), l.TotalBalance())

	res, err = l.Deposit("sock-a", addrA, receipt("0x02"))
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, uint64(2*stake), l.TotalDeposits())
}

func TestDepositRejectsInvalidInput(t *testing.T) {
	l := New(stake)
	_, err := l.Deposit("", addrA, receipt("0x01"))
	require.ErrorIs(t, err, ErrParticipantRequired)
	_, err = l.Deposit("sock", "not-an-address", receipt("0x01"))
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = l.Deposit("sock", addrA, Receipt{TxHash: "0x01", Amount: stake - 1})
	require.ErrorIs(t, err, ErrStakeMismatch)
	_, err = l.Deposit("sock", addrA, receipt("0x01"))
	require.NoError(t, err)
	_, err = l.Deposit("sock", addrB, receipt("0x02"))
	require.ErrorIs(t, err, ErrParticipantBound)
}

func TestEliminationIsZeroSum(t *testing.T) {
	l := seeded(t)
	before := l.TotalBalance()
	killerBefore, _ := l.Participant("sock-0")
	victimBefore, _ := l.Participant("sock-1")

	transfer, err := l.TransferOnElimination("sock-0", "sock-1")
	require.NoError(t, err)
	require.Equal(t, victimBefore.Balance, transfer.Amount)

	killer, _ := l.Participant("sock-0")
	victim, _ := l.Participant("sock-1")
	require.Equal(t, killerBefore.Balance+victimBefore.Balance, killer.Balance)
	require.Zero(t, victim.Balance)
	require.Equal(t, StatusDead, victim.Status)
	require.Equal(t, before, l.TotalBalance())
}

func TestEliminationRejectsInactiveRows(t *testing.T) {
	l := seeded(t)
	_, err := l.TransferOnElimination("sock-0", "sock-0")
	require.ErrorIs(t, err, ErrSelfElimination)

	_, err = l.Freeze("sock-2")
	require.NoError(t, err)
	_, err = l.TransferOnElimination("sock-0", "sock-2")
	require.ErrorIs(t, err, ErrVictimNotActive)
	_, err = l.TransferOnElimination("sock-2", "sock-0")
	require.ErrorIs(t, err, ErrKillerNotActive)

	_, err = l.MarkTemporarilyDisconnected("sock-1")
	require.NoError(t, err)
	_, err = l.TransferOnElimination("sock-0", "sock-1")
	require.ErrorIs(t, err, ErrVictimNotActive)

	_, err = l.TransferOnElimination("sock-0", "ghost")
	require.ErrorIs(t, err, ErrUnknownParticipant)

	entry, ok := l.Entry(addrB)
	require.True(t, ok)
	require.Equal(t, uint64(stake), entry.Amount)
}

func TestReconnectPreservesBalance(t *testing.T) {
	l := seeded(t)
	_, err := l.TransferOnElimination("sock-0", "sock-1")
	require.NoError(t, err)

	addr, err := l.MarkTemporarilyDisconnected("sock-0")
	require.NoError(t, err)
	require.Equal(t, addrA, addr)
	require.True(t, l.Reconnect(addrA, "sock-0b"))
	require.Equal(t, 3, l.ParticipantCount())

	p, ok := l.Participant("sock-0b")
	require.True(t, ok)
	require.Equal(t, uint64(2*stake), p.Balance)
	require.Equal(t, StatusActive, p.Status)
	_, ok = l.Participant("sock-0")
	require.False(t, ok)

	require.False(t, l.Reconnect(addrA, "sock-0c"), "active rows are not reconnection cases")
	require.False(t, l.Reconnect(addrB, "sock-1b"), "dead rows are not reconnection cases")
}

func TestRemovePermanentlyIsIdempotent(t *testing.T) {
	l := seeded(t)
	_, err := l.MarkTemporarilyDisconnected("sock-2")
	require.NoError(t, err)

	forfeited, changed, err := l.RemovePermanentlyByAddress(addrC)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint64(stake), forfeited)

	forfeited, changed, err = l.RemovePermanently("sock-2")
	require.NoError(t, err)
	require.False(t, changed)
	require.Zero(t, forfeited)

	entry, _ := l.Entry(addrC)
	require.Equal(t, StatusDead, entry.Status)
	require.Zero(t, entry.Amount)
}

func TestSnapshotIsSortedAndDeterministic(t *testing.T) {
	l := seeded(t)
	_, err := l.MarkTemporarilyDisconnected("sock-1")
	require.NoError(t, err)

	first := l.Snapshot(PendingForfeit)
	second := l.Snapshot(PendingForfeit)
	require.Equal(t, first, second)
	require.Len(t, first, 3)
	require.Equal(t, addrA, first[0].Address)
	require.Equal(t, addrB, first[1].Address)
	require.Equal(t, "0x00000000000000000000000000000000000000cc", first[2].Address)
	require.Zero(t, first[1].Amount)
	require.Equal(t, "temporarily_disconnected", first[1].Status)

	preserved := l.Snapshot(PendingPreserve)
	require.Equal(t, uint64(stake), preserved[1].Amount)
}

func TestRandomEventsConserveFunds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		l := New(stake)
		n := 2 + rng.Intn(8)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("p-%d", i)
			addr := fmt.Sprintf("0x%040x", i+1)
			_, err := l.Deposit(ids[i], addr, receipt(fmt.Sprintf("tx-%d", i)))
			require.NoError(t, err)
		}
		for step := 0; step < 40; step++ {
			a := ids[rng.Intn(n)]
			b := ids[rng.Intn(n)]
			switch rng.Intn(4) {
			case 0:
				_, _ = l.TransferOnElimination(a, b)
			case 1:
				_, _ = l.Freeze(a)
			case 2:
				_, _ = l.MarkTemporarilyDisconnected(a)
			case 3:
				_, _, _ = l.RemovePermanently(a)
			}
			require.LessOrEqual(t, l.TotalBalance(), l.TotalDeposits())
			for _, entry := range l.Snapshot(PendingPreserve) {
				if entry.Status == StatusDead.String() {
					require.Zero(t, entry.Amount)
				}
			}
		}
	}
}

func TestParsePendingPolicy(t *testing.T) {
	p, err := ParsePendingPolicy("Preserve")
	require.NoError(t, err)
	require.Equal(t, PendingPreserve, p)
	p, err = ParsePendingPolicy("")
	require.NoError(t, err)
	require.Equal(t, PendingForfeit, p)
	_, err = ParsePendingPolicy("refund-later")
	require.Error(t, err)
}
