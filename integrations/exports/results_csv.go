package exports

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	"stakearena/storage/archive"
)

var csvHeader = []string{"lobby_id", "address", "status", "final_balance", "payout", "finalized_at", "strategy", "tx_hash", "merkle_root"}

// ResultsCSV renders one line per participant of the supplied records and returns
// the payload alongside its SHA-256 checksum.
func ResultsCSV(records []archive.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range Rows(records) {
		line := []string{
			strconv.FormatUint(row.LobbyID, 10),
			row.Address,
			row.Status,
			strconv.FormatUint(row.FinalBalance, 10),
			strconv.FormatUint(row.Payout, 10),
			row.FinalizedAt.Format(time.RFC3339Nano),
			row.Strategy,
			row.TxHash,
			row.MerkleRoot,
		}
		if err := writer.Write(line); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
