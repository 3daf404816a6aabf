package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle of a participant row inside a lobby ledger.
type Status uint8

const (
	StatusActive Status = iota
	StatusFrozen
	StatusTemporarilyDisconnected
	StatusDead
)

// String returns the wire representation used by the APIs and the archive.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFrozen:
		return "frozen"
	case StatusTemporarilyDisconnected:
		return "temporarily_disconnected"
	case StatusDead:
		return "dead"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFrozen, StatusTemporarilyDisconnected, StatusDead:
		return true
	default:
		return false
	}
}

// Receipt identifies a single confirmed on-chain deposit.
type Receipt struct {
	LobbyID     uint64    `json:"lobbyId"`
	Address     string    `json:"address"`
	TxHash      string    `json:"txHash"`
	LogIndex    uint      `json:"logIndex"`
	BlockNumber uint64    `json:"blockNumber"`
	Amount      uint64    `json:"amount"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Key returns the deduplication key of the receipt.
func (r Receipt) Key() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(strings.TrimSpace(r.TxHash)), r.LogIndex)
}

// Participant is the live view of a ledger row bound to a connection.
type Participant struct {
	ID             string
	Address        string
	Balance        uint64
	Status         Status
	DepositReceipt Receipt
}

// BalanceEntry is the address keyed portion of a participant that survives reconnects.
type BalanceEntry struct {
	Amount uint64
	Status Status
}

// Entry is a single row of a deterministic ledger snapshot.
type Entry struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	Status  string `json:"status"`
}

// PendingPolicy selects how rows still temporarily disconnected are treated by Snapshot.
type PendingPolicy uint8

const (
	// PendingForfeit reports unresolved disconnected rows with a zero amount.
	PendingForfeit PendingPolicy = iota
	// PendingPreserve reports the preserved balance of unresolved disconnected rows.
	PendingPreserve
)

// ParsePendingPolicy converts a configuration string into a PendingPolicy.
func ParsePendingPolicy(raw string) (PendingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "forfeit":
		return PendingForfeit, nil
	case "preserve":
		return PendingPreserve, nil
	default:
		return PendingForfeit, fmt.Errorf("ledger: unknown pending disconnect policy %q", raw)
	}
}

// String returns the configuration name of the policy.
func (p PendingPolicy) String() string {
	if p == PendingPreserve {
		return "preserve"
	}
	return "forfeit"
}

// NormalizeAddress validates a hex account identifier and returns its lower-case form.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}
