package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketResults = []byte("lobby_results")

// BoltStore persists archive records as JSON documents in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt initialises (and migrates) the bbolt-backed archive.
func OpenBolt(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func lobbyKey(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}

// Save writes or overwrites the record of its lobby.
func (s *BoltStore) Save(_ context.Context, record Record) error {
	if record.Checksum == "" {
		if err := record.Seal(); err != nil {
			return err
		}
	}
	if err := record.Verify(); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put(lobbyKey(record.LobbyID), encoded)
	})
}

// Load returns the record of lobbyID.
func (s *BoltStore) Load(_ context.Context, lobbyID uint64) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketResults).Get(lobbyKey(lobbyID))
		if raw == nil {
			return fmt.Errorf("%w: lobby %d", ErrNotFound, lobbyID)
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	if err := rec.Verify(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// LoadClaim returns the claim of address in lobbyID.
func (s *BoltStore) LoadClaim(ctx context.Context, lobbyID uint64, address string) (Claim, error) {
	rec, err := s.Load(ctx, lobbyID)
	if err != nil {
		return Claim{}, err
	}
	return rec.Claim(address)
}

// List returns every record ordered by lobby id.
func (s *BoltStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).ForEach(func(_, raw []byte) error {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if err := rec.Verify(); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
