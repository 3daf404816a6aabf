package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"stakearena/core/ledger"
	"stakearena/core/settlement"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000cc"
	addrD = "0x00000000000000000000000000000000000000dd"
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

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	sqlStore, err := OpenSQL(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bolt.Close()
		_ = sqlStore.Close()
	})
	return map[string]Store{"bolt": bolt, "sql": sqlStore}
}

func TestStoresRoundTripAndOverwrite(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := NewRecord(scenarioPayout(t, 7), nil, Settlement{Strategy: "direct", TxHash: "0x01", Block: 10}, at)
			require.NoError(t, err)
			require.NoError(t, store.Save(ctx, rec))

			loaded, err := store.Load(ctx, 7)
			require.NoError(t, err)
			require.Equal(t, rec, loaded)

			rec.TxHash = "0x02"
			require.NoError(t, rec.Seal())
			require.NoError(t, store.Save(ctx, rec))
			all, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1, "saving the same lobby overwrites")
			require.Equal(t, "0x02", all[0].TxHash)

			second, err := NewRecord(scenarioPayout(t, 3), nil, Settlement{Strategy: "direct"}, at)
			require.NoError(t, err)
			require.NoError(t, store.Save(ctx, second))
			all, err = store.List(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(3), all[0].LobbyID)
			require.Equal(t, uint64(7), all[1].LobbyID)

			_, err = store.Load(ctx, 99)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLoadClaim(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	payout := scenarioPayout(t, 7)
	tree, err := settlement.BuildTree(payout)
	require.NoError(t, err)
	rec, err := NewRecord(payout, tree, Settlement{Strategy: "merkle", TxHash: "0x01"}, at)
	require.NoError(t, err)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, rec))

			claim, err := store.LoadClaim(ctx, 7, "0x00000000000000000000000000000000000000AA")
			require.NoError(t, err)
			require.Equal(t, uint64(1_904_761), claim.Amount)
			require.Equal(t, tree.Root().Hex(), claim.Root)
			proof := make([]common.Hash, len(claim.Proof))
			for i, node := range claim.Proof {
				proof[i] = common.HexToHash(node)
			}
			require.True(t, settlement.VerifyProof(tree.Root(), settlement.Leaf(7, addrA, claim.Amount), proof))

			claim, err = store.LoadClaim(ctx, 7, addrB)
			require.NoError(t, err)
			require.Zero(t, claim.Amount)
			require.Equal(t, "dead", claim.Status)

			_, err = store.LoadClaim(ctx, 7, addrD)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = store.LoadClaim(ctx, 8, addrA)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = store.LoadClaim(ctx, 7, "nope")
			require.ErrorIs(t, err, ledger.ErrInvalidAddress)
		})
	}
}

func TestTamperedRecordIsRejected(t *testing.T) {
	rec, err := NewRecord(scenarioPayout(t, 7), nil, Settlement{Strategy: "direct"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, rec.Verify())

	rec.Payouts[0].Amount++
	require.ErrorIs(t, rec.Verify(), ErrChecksumMismatch)

	store := stores(t)["bolt"]
	require.ErrorIs(t, store.Save(context.Background(), rec), ErrChecksumMismatch)
}
