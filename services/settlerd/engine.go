package settlerd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stakearena/core/deposit"
	"stakearena/core/ledger"
	"stakearena/core/lobby"
)

// Engine is the game-event facade. The game server calls it for every deposit,
// kill, cash-out, disconnect and reconnect.
type Engine struct {
	manager  *lobby.Manager
	verifier *deposit.Verifier
	logger   *slog.Logger
}

// NewEngine binds the lobby manager to the deposit verifier.
func NewEngine(manager *lobby.Manager, verifier *deposit.Verifier, logger *slog.Logger) (*Engine, error) {
	if manager == nil || verifier == nil {
		return nil, fmt.Errorf("settlerd: manager and verifier are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{manager: manager, verifier: verifier, logger: logger}, nil
}

// Manager exposes the lobby manager backing the engine.
func (e *Engine) Manager() *lobby.Manager { return e.manager }

// OnDeposit applies the confirmed deposits of address to lobbyID. Cached receipts
// are used when present; otherwise the chain is queried once. A deposit that cannot
// be confirmed yet returns deposit.ErrNotDeposited and is never treated as a denial.
func (e *Engine) OnDeposit(ctx context.Context, participantID, address string, lobbyID uint64) (ledger.DepositResult, error) {
	receipts := e.verifier.Receipts(address, lobbyID)
	if len(receipts) == 0 {
		ok, err := e.verifier.VerifyDeposit(ctx, address, lobbyID)
		if err != nil {
			return ledger.DepositResult{}, err
		}
		if !ok {
			return ledger.DepositResult{}, fmt.Errorf("%w: %s in lobby %d", deposit.ErrNotDeposited, address, lobbyID)
		}
		receipts = e.verifier.Receipts(address, lobbyID)
	}

	var out ledger.DepositResult
	applied := 0
	for _, receipt := range receipts {
		res, err := e.manager.Deposit(lobbyID, participantID, address, receipt)
		if err != nil {
			return out, err
		}
		created := out.Created || res.Created
		out = res
		out.Created = created
		if !res.Duplicate {
			applied++
		}
	}
	out.Duplicate = applied == 0
	if applied > 0 {
		e.logger.Debug("deposit applied",
			slog.Uint64("lobby", lobbyID),
			slog.String("address", out.Address),
			slog.Int("receipts", applied),
			slog.Uint64("total_deposits", out.Total))
	}
	return out, nil
}

// OnElimination moves the victim's balance to the killer.
func (e *Engine) OnElimination(killerID, victimID string) (ledger.Transfer, error) {
	return e.manager.Eliminate(killerID, victimID)
}

// OnCashOutRequest freezes the participant's balance and returns it.
func (e *Engine) OnCashOutRequest(participantID string) (uint64, error) {
	return e.manager.CashOut(participantID)
}

// OnDisconnect records a dropped connection with its transport reason.
func (e *Engine) OnDisconnect(participantID, reason string) (lobby.DisconnectResult, error) {
	return e.manager.Disconnect(participantID, reason)
}

// OnReconnectAttempt resumes a parked row. It reports false when there is nothing
// to resume.
func (e *Engine) OnReconnectAttempt(address string, lobbyID uint64, newParticipantID string) (bool, error) {
	return e.manager.Reconnect(address, lobbyID, newParticipantID)
}

// CurrentBalance returns the live balance bound to participantID.
func (e *Engine) CurrentBalance(participantID string) (uint64, error) {
	return e.manager.CurrentBalance(participantID)
}

// LobbyEndTime returns the end of round lobbyID.
func (e *Engine) LobbyEndTime(lobbyID uint64) time.Time {
	return e.manager.LobbyEndTime(lobbyID)
}

// CurrentLobby returns the id of the round in progress.
func (e *Engine) CurrentLobby() uint64 {
	return e.manager.CurrentID()
}
