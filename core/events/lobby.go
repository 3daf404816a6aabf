package events

import (
	"strconv"
	"time"
)

const (
	// TypeDepositConfirmed is emitted when a verified deposit is applied to a lobby.
	TypeDepositConfirmed = "lobby.deposit"
	// TypeBalanceChanged is emitted whenever a participant balance or status moves.
	TypeBalanceChanged = "lobby.balance"
	// TypeElimination is emitted after a kill transfer.
	TypeElimination = "lobby.elimination"
	// TypeLobbyState is emitted on every lobby state transition.
	TypeLobbyState = "lobby.state"
	// TypeSettlement is emitted once a lobby payout has been acknowledged.
	TypeSettlement = "lobby.settlement"
)

// DepositConfirmed reports a deposit receipt applied to the ledger.
type DepositConfirmed struct {
	LobbyID       uint64
	Address       string
	TxHash        string
	Amount        uint64
	TotalDeposits uint64
	NewRow        bool
}

func (DepositConfirmed) EventType() string { return TypeDepositConfirmed }

func (e DepositConfirmed) Attributes() map[string]string {
	attrs := map[string]string{
		"lobbyId":       formatUint(e.LobbyID),
		"address":       e.Address,
		"amount":        formatUint(e.Amount),
		"totalDeposits": formatUint(e.TotalDeposits),
		"newRow":        strconv.FormatBool(e.NewRow),
	}
	if e.TxHash != "" {
		attrs["txHash"] = e.TxHash
	}
	return attrs
}

// BalanceChanged carries the latest balance and status of one participant row.
type BalanceChanged struct {
	LobbyID uint64
	Address string
	Balance uint64
	Status  string
	Reason  string
}

func (BalanceChanged) EventType() string { return TypeBalanceChanged }

func (e BalanceChanged) Attributes() map[string]string {
	attrs := map[string]string{
		"lobbyId": formatUint(e.LobbyID),
		"address": e.Address,
		"balance": formatUint(e.Balance),
		"status":  e.Status,
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return attrs
}

// Elimination reports a zero-sum kill transfer.
type Elimination struct {
	LobbyID uint64
	Killer  string
	Victim  string
	Amount  uint64
}

func (Elimination) EventType() string { return TypeElimination }

func (e Elimination) Attributes() map[string]string {
	return map[string]string{
		"lobbyId": formatUint(e.LobbyID),
		"killer":  e.Killer,
		"victim":  e.Victim,
		"amount":  formatUint(e.Amount),
	}
}

// LobbyState reports a forward state transition.
type LobbyState struct {
	LobbyID uint64
	From    string
	To      string
	At      time.Time
}

func (LobbyState) EventType() string { return TypeLobbyState }

func (e LobbyState) Attributes() map[string]string {
	return map[string]string{
		"lobbyId": formatUint(e.LobbyID),
		"from":    e.From,
		"to":      e.To,
		"at":      e.At.UTC().Format(time.RFC3339),
	}
}

// Settlement reports the acknowledged payout of a lobby.
type Settlement struct {
	LobbyID          uint64
	Strategy         string
	TxHash           string
	Block            uint64
	TotalPayout      uint64
	TotalFee         uint64
	AlreadyFinalized bool
}

func (Settlement) EventType() string { return TypeSettlement }

func (e Settlement) Attributes() map[string]string {
	attrs := map[string]string{
		"lobbyId":          formatUint(e.LobbyID),
		"strategy":         e.Strategy,
		"totalPayout":      formatUint(e.TotalPayout),
		"totalFee":         formatUint(e.TotalFee),
		"alreadyFinalized": strconv.FormatBool(e.AlreadyFinalized),
	}
	if e.TxHash != "" {
		attrs["txHash"] = e.TxHash
		attrs["block"] = formatUint(e.Block)
	}
	return attrs
}
