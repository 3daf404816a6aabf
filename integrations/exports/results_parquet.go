package exports

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"stakearena/storage/archive"
)

type parquetRow struct {
	LobbyID      int64  `parquet:"name=lobby_id, type=INT64"`
	Address      string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	FinalBalance int64  `parquet:"name=final_balance, type=INT64"`
	Payout       int64  `parquet:"name=payout, type=INT64"`
	FinalizedAt  string `parquet:"name=finalized_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strategy     string `parquet:"name=strategy, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash       string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	MerkleRoot   string `parquet:"name=merkle_root, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteResultsParquet streams the participant rows of records to w as a
// snappy-compressed parquet file.
func WriteResultsParquet(w io.Writer, records []archive.Record) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range Rows(records) {
		if err := pw.Write(&parquetRow{
			LobbyID:      int64(row.LobbyID),
			Address:      row.Address,
			Status:       row.Status,
			FinalBalance: int64(row.FinalBalance),
			Payout:       int64(row.Payout),
			FinalizedAt:  row.FinalizedAt.Format(time.RFC3339Nano),
			Strategy:     row.Strategy,
			TxHash:       row.TxHash,
			MerkleRoot:   row.MerkleRoot,
		}); err != nil {
			return fmt.Errorf("exports: parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}

// ResultsParquet renders records as parquet in memory and returns the payload with
// its SHA-256 checksum.
func ResultsParquet(records []archive.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	if err := WriteResultsParquet(buffer, records); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
