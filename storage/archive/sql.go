package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// resultRow is the relational projection of a Record. The full document lives in
// Payload so the checksum covers exactly what was archived.
type resultRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	LobbyID       uint64    `gorm:"uniqueIndex;not null"`
	FinalizedAt   time.Time `gorm:"index"`
	Strategy      string    `gorm:"size:16"`
	TxHash        string    `gorm:"size:66;index"`
	MerkleRoot    string    `gorm:"size:66"`
	TotalDeposits uint64
	TotalPayout   uint64
	TotalFee      uint64
	Payload       []byte `gorm:"not null"`
	Checksum      string `gorm:"size:64;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (resultRow) TableName() string { return "lobby_results" }

// SQLStore persists archive records through gorm on sqlite or postgres.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens dsn with the postgres driver for postgres:// URLs and sqlite otherwise,
// then migrates the schema.
func OpenSQL(dsn string) (*SQLStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("archive: sql dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("archive: open sql: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an existing gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("archive: gorm handle required")
	}
	if err := db.AutoMigrate(&resultRow{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save writes or overwrites the record of its lobby.
func (s *SQLStore) Save(ctx context.Context, record Record) error {
	if record.Checksum == "" {
		if err := record.Seal(); err != nil {
			return err
		}
	}
	if err := record.Verify(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing resultRow
		err := tx.Where("lobby_id = ?", record.LobbyID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			existing = resultRow{ID: uuid.New(), LobbyID: record.LobbyID}
		case err != nil:
			return err
		}
		existing.FinalizedAt = record.FinalizedAt
		existing.Strategy = record.Strategy
		existing.TxHash = record.TxHash
		existing.MerkleRoot = record.MerkleRoot
		existing.TotalDeposits = record.TotalDeposits
		existing.TotalPayout = record.TotalPayout
		existing.TotalFee = record.TotalFee
		existing.Payload = payload
		existing.Checksum = record.Checksum
		return tx.Save(&existing).Error
	})
}

// Load returns the record of lobbyID.
func (s *SQLStore) Load(ctx context.Context, lobbyID uint64) (Record, error) {
	var row resultRow
	err := s.db.WithContext(ctx).Where("lobby_id = ?", lobbyID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: lobby %d", ErrNotFound, lobbyID)
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRow(row)
}

// LoadClaim returns the claim of address in lobbyID.
func (s *SQLStore) LoadClaim(ctx context.Context, lobbyID uint64, address string) (Claim, error) {
	rec, err := s.Load(ctx, lobbyID)
	if err != nil {
		return Claim{}, err
	}
	return rec.Claim(address)
}

// List returns every record ordered by lobby id.
func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	var rows []resultRow
	if err := s.db.WithContext(ctx).Order("lobby_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeRow(row resultRow) (Record, error) {
	var rec Record
	if err := json.Unmarshal(row.Payload, &rec); err != nil {
		return Record{}, fmt.Errorf("archive: decode lobby %d: %w", row.LobbyID, err)
	}
	if rec.Checksum != row.Checksum {
		return Record{}, fmt.Errorf("%w: lobby %d", ErrChecksumMismatch, row.LobbyID)
	}
	if err := rec.Verify(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
