package exports

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"stakearena/storage/archive"
)

// ResultRow flattens one participant of an archived lobby.
type ResultRow struct {
	LobbyID      uint64
	Address      string
	Status       string
	FinalBalance uint64
	Payout       uint64
	FinalizedAt  time.Time
	Strategy     string
	TxHash       string
	MerkleRoot   string
}

// Rows flattens records into one row per snapshot entry, ordered by lobby and then
// address.
func Rows(records []archive.Record) []ResultRow {
	var rows []ResultRow
	for _, rec := range records {
		paid := make(map[string]uint64, len(rec.Payouts))
		for _, p := range rec.Payouts {
			paid[strings.ToLower(p.Address)] = p.Amount
		}
		for _, entry := range rec.Balances {
			rows = append(rows, ResultRow{
				LobbyID:      rec.LobbyID,
				Address:      entry.Address,
				Status:       entry.Status,
				FinalBalance: entry.Amount,
				Payout:       paid[strings.ToLower(entry.Address)],
				FinalizedAt:  rec.FinalizedAt.UTC(),
				Strategy:     rec.Strategy,
				TxHash:       rec.TxHash,
				MerkleRoot:   rec.MerkleRoot,
			})
		}
	}
	return rows
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
