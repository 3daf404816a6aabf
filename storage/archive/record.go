package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"stakearena/core/ledger"
	"stakearena/core/settlement"
)

var (
	// ErrNotFound is returned when a lobby or claim does not exist.
	ErrNotFound = errors.New("archive: record not found")
	// ErrChecksumMismatch is returned when a stored record fails its content checksum.
	ErrChecksumMismatch = errors.New("archive: checksum mismatch")
)

// Store persists one immutable result per finalized lobby.
type Store interface {
	Save(ctx context.Context, record Record) error
	Load(ctx context.Context, lobbyID uint64) (Record, error)
	LoadClaim(ctx context.Context, lobbyID uint64, address string) (Claim, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Payout is a single archived recipient.
type Payout struct {
	Address string   `json:"address"`
	Amount  uint64   `json:"amount"`
	Proof   []string `json:"proof,omitempty"`
}

// Record is the archived outcome of a finalized lobby.
type Record struct {
	LobbyID          uint64         `json:"lobbyId"`
	FinalizedAt      time.Time      `json:"finalizedAt"`
	FeeBps           uint32         `json:"feeBps"`
	Balances         []ledger.Entry `json:"balances"`
	Payouts          []Payout       `json:"payouts"`
	TotalDeposits    uint64         `json:"totalDeposits"`
	TotalPayout      uint64         `json:"totalPayout"`
	TotalFee         uint64         `json:"totalFee"`
	Dust             uint64         `json:"dust"`
	DeadMoney        uint64         `json:"deadMoney"`
	Strategy         string         `json:"strategy"`
	MerkleRoot       string         `json:"merkleRoot,omitempty"`
	TxHash           string         `json:"txHash,omitempty"`
	Block            uint64         `json:"block,omitempty"`
	AlreadyFinalized bool           `json:"alreadyFinalized,omitempty"`
	Checksum         string         `json:"checksum"`
}

// Claim is the read model served to claim and verification clients.
type Claim struct {
	LobbyID uint64   `json:"lobbyId"`
	Address string   `json:"address"`
	Amount  uint64   `json:"amount"`
	Status  string   `json:"status"`
	Proof   []string `json:"proof,omitempty"`
	Root    string   `json:"root,omitempty"`
}

// Settlement identifies the external acknowledgement attached to a record.
type Settlement struct {
	Strategy         string
	TxHash           string
	Block            uint64
	AlreadyFinalized bool
}

// NewRecord builds a sealed archive record from a validated payout. tree may be nil
// when the payout was pushed directly.
func NewRecord(p *settlement.Payout, tree *settlement.Tree, ref Settlement, finalizedAt time.Time) (Record, error) {
	if p == nil {
		return Record{}, fmt.Errorf("archive: payout required")
	}
	rec := Record{
		LobbyID:          p.LobbyID,
		FinalizedAt:      finalizedAt.UTC(),
		FeeBps:           p.FeeBps,
		Balances:         append([]ledger.Entry(nil), p.Balances...),
		Payouts:          make([]Payout, len(p.Recipients)),
		TotalDeposits:    p.TotalDeposits,
		TotalPayout:      p.TotalPayout,
		TotalFee:         p.TotalFee,
		Dust:             p.Dust,
		DeadMoney:        p.DeadMoney,
		Strategy:         ref.Strategy,
		TxHash:           ref.TxHash,
		Block:            ref.Block,
		AlreadyFinalized: ref.AlreadyFinalized,
	}
	var proofs map[string][]string
	if tree != nil {
		rec.MerkleRoot = tree.Root().Hex()
		proofs = tree.Proofs()
	}
	for i, addr := range p.Recipients {
		rec.Payouts[i] = Payout{Address: addr, Amount: p.Amounts[i], Proof: proofs[addr]}
	}
	if err := rec.Seal(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Digest returns the blake3 content hash of the record with the checksum cleared.
func (r Record) Digest() (string, error) {
	r.Checksum = ""
	encoded, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("archive: encode record: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Seal stamps the record with its content checksum.
func (r *Record) Seal() error {
	digest, err := r.Digest()
	if err != nil {
		return err
	}
	r.Checksum = digest
	return nil
}

// Verify checks the record against its stored checksum.
func (r Record) Verify() error {
	digest, err := r.Digest()
	if err != nil {
		return err
	}
	if digest != r.Checksum {
		return fmt.Errorf("%w: lobby %d", ErrChecksumMismatch, r.LobbyID)
	}
	return nil
}

// Claim resolves the claim of address. Addresses absent from the final snapshot
// return ErrNotFound; addresses with a zero payout return a zero claim.
func (r Record) Claim(address string) (Claim, error) {
	addr, err := ledger.NormalizeAddress(address)
	if err != nil {
		return Claim{}, err
	}
	idx := sort.Search(len(r.Balances), func(i int) bool { return r.Balances[i].Address >= addr })
	if idx == len(r.Balances) || r.Balances[idx].Address != addr {
		return Claim{}, fmt.Errorf("%w: %s in lobby %d", ErrNotFound, addr, r.LobbyID)
	}
	claim := Claim{LobbyID: r.LobbyID, Address: addr, Status: r.Balances[idx].Status, Root: r.MerkleRoot}
	for _, p := range r.Payouts {
		if strings.EqualFold(p.Address, addr) {
			claim.Amount = p.Amount
			claim.Proof = append([]string(nil), p.Proof...)
			break
		}
	}
	return claim, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].LobbyID < records[j].LobbyID })
}
