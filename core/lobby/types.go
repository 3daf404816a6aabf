package lobby

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stakearena/core/ledger"
)

// State represents the lifecycle of a lobby. States only advance forward.
type State uint8

const (
	StateWaiting State = iota
	StateActive
	StateFinalizable
	StateFinalized
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateFinalizable:
		return "finalizable"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateFinalizable, StateFinalized:
		return true
	default:
		return false
	}
}

var (
	// ErrLobbyNotActive is returned for game mutations against a lobby outside its active window.
	ErrLobbyNotActive = errors.New("lobby: not active")
	// ErrUnknownLobby is returned when a lobby has never been referenced.
	ErrUnknownLobby = errors.New("lobby: unknown lobby")
	// ErrDifferentLobby is returned when killer and victim belong to different lobbies.
	ErrDifferentLobby = errors.New("lobby: participants in different lobbies")
	// ErrCashOutTooEarly is returned when a cash-out arrives before the cash-out grace window elapsed.
	ErrCashOutTooEarly = errors.New("lobby: cash-out grace period not elapsed")
	// ErrInvalidTransition is returned when a state change would move a lobby backwards or skip a state.
	ErrInvalidTransition = errors.New("lobby: invalid state transition")
)

// Config controls round timing and ledger policy for every lobby of a Manager.
type Config struct {
	RoundDuration  time.Duration
	GracePeriod    time.Duration
	CashOutGrace   time.Duration
	ReconnectGrace time.Duration
	Stake          uint64
	PendingPolicy  ledger.PendingPolicy
}

// DefaultReconnectGrace is the window a network-disconnected participant has to return.
const DefaultReconnectGrace = 30 * time.Second

func (c Config) validate() error {
	if c.RoundDuration < time.Second {
		return fmt.Errorf("lobby: round duration must be at least 1s")
	}
	if c.GracePeriod < 0 || c.CashOutGrace < 0 || c.ReconnectGrace < 0 {
		return fmt.Errorf("lobby: grace periods must not be negative")
	}
	if c.CashOutGrace >= c.RoundDuration {
		return fmt.Errorf("lobby: cash-out grace must be shorter than the round")
	}
	if c.Stake == 0 {
		return fmt.Errorf("lobby: stake must be positive")
	}
	return nil
}

// SettlementRef identifies the external acknowledgement of a lobby payout.
type SettlementRef struct {
	TxHash           string `json:"txHash,omitempty"`
	Block            uint64 `json:"block,omitempty"`
	Strategy         string `json:"strategy,omitempty"`
	AlreadyFinalized bool   `json:"alreadyFinalized,omitempty"`
}

// Info is a point-in-time read model of a lobby.
type Info struct {
	ID               uint64
	State            State
	StartTime        time.Time
	EndTime          time.Time
	FinalizeDeadline time.Time
	TotalDeposits    uint64
	TotalBalance     uint64
	ParticipantCount int
	PendingGrace     int
	FinalizedAt      time.Time
	Settlement       SettlementRef
}

// DisconnectResult describes the ledger effect of a disconnect.
type DisconnectResult struct {
	LobbyID   uint64
	Address   string
	Temporary bool
	Deadline  time.Time
	Forfeited uint64
	Changed   bool
}

// Expiry reports a grace deadline that removed a participant.
type Expiry struct {
	LobbyID   uint64
	Address   string
	Forfeited uint64
}

// networkReasons are transport-level disconnects that earn a reconnect grace window.
var networkReasons = map[string]struct{}{
	"transport close": {},
	"transport error": {},
	"ping timeout":    {},
}

// IsNetworkReason reports whether a disconnect reason is a transient network failure.
func IsNetworkReason(reason string) bool {
	_, ok := networkReasons[strings.ToLower(strings.TrimSpace(reason))]
	return ok
}
