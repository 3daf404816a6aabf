package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"stakearena/core/ledger"
	"stakearena/core/lobby"
	"stakearena/storage/archive"
)

// LobbyReader is the live lobby view consulted before the archive.
type LobbyReader interface {
	Info(id uint64) (lobby.Info, bool)
	Bounds(id uint64) (start, end, finalizeDeadline time.Time)
}

type lobbyRoutes struct {
	live    LobbyReader
	archive archive.Store
}

func (l *lobbyRoutes) mount(r chi.Router) {
	r.Get("/{id}", l.getLobby)
	r.Get("/{id}/claims/{address}", l.getClaim)
}

type settlementRef struct {
	Strategy         string `json:"strategy"`
	TxHash           string `json:"txHash,omitempty"`
	Block            uint64 `json:"block,omitempty"`
	MerkleRoot       string `json:"merkleRoot,omitempty"`
	AlreadyFinalized bool   `json:"alreadyFinalized"`
}

type lobbyResponse struct {
	LobbyID          uint64         `json:"lobbyId"`
	State            string         `json:"state"`
	StartTime        time.Time      `json:"startTime"`
	EndTime          time.Time      `json:"endTime"`
	FinalizeDeadline time.Time      `json:"finalizeDeadline"`
	TotalDeposits    uint64         `json:"totalDeposits"`
	TotalPayout      *uint64        `json:"totalPayout,omitempty"`
	TotalFee         *uint64        `json:"totalFee,omitempty"`
	ParticipantCount int            `json:"participantCount"`
	FinalizedAt      *time.Time     `json:"finalizedAt,omitempty"`
	SettlementRef    *settlementRef `json:"settlementRef,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (l *lobbyRoutes) getLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLobbyID(w, r)
	if !ok {
		return
	}
	var (
		resp  lobbyResponse
		found bool
	)
	if l.live != nil {
		if info, ok := l.live.Info(id); ok {
			found = true
			resp = lobbyResponse{
				LobbyID:          id,
				State:            info.State.String(),
				StartTime:        info.StartTime,
				EndTime:          info.EndTime,
				FinalizeDeadline: info.FinalizeDeadline,
				TotalDeposits:    info.TotalDeposits,
				ParticipantCount: info.ParticipantCount,
			}
			if info.State == lobby.StateFinalized {
				finalizedAt := info.FinalizedAt
				resp.FinalizedAt = &finalizedAt
				resp.SettlementRef = &settlementRef{
					Strategy:         info.Settlement.Strategy,
					TxHash:           info.Settlement.TxHash,
					Block:            info.Settlement.Block,
					AlreadyFinalized: info.Settlement.AlreadyFinalized,
				}
			}
		}
	}

	var rec archive.Record
	archived := false
	if l.archive != nil && (!found || resp.State == lobby.StateFinalized.String()) {
		loaded, err := l.archive.Load(r.Context(), id)
		switch {
		case err == nil:
			rec, archived = loaded, true
		case errors.Is(err, archive.ErrNotFound):
		default:
			writeError(w, http.StatusInternalServerError, "archive unavailable")
			return
		}
	}
	if !found && !archived {
		writeError(w, http.StatusNotFound, "lobby not found")
		return
	}
	if archived {
		if !found {
			resp = lobbyResponse{
				LobbyID:          id,
				State:            lobby.StateFinalized.String(),
				TotalDeposits:    rec.TotalDeposits,
				ParticipantCount: len(rec.Balances),
			}
			if l.live != nil {
				resp.StartTime, resp.EndTime, resp.FinalizeDeadline = l.live.Bounds(id)
			}
			finalizedAt := rec.FinalizedAt
			resp.FinalizedAt = &finalizedAt
		}
		payout, fee := rec.TotalPayout, rec.TotalFee
		resp.TotalPayout = &payout
		resp.TotalFee = &fee
		resp.SettlementRef = &settlementRef{
			Strategy:         rec.Strategy,
			TxHash:           rec.TxHash,
			Block:            rec.Block,
			MerkleRoot:       rec.MerkleRoot,
			AlreadyFinalized: rec.AlreadyFinalized,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (l *lobbyRoutes) getClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLobbyID(w, r)
	if !ok {
		return
	}
	address, err := ledger.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if l.archive == nil {
		writeError(w, http.StatusNotFound, "claim not found")
		return
	}
	claim, err := l.archive.LoadClaim(r.Context(), id, address)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, "claim not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func parseLobbyID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lobby id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
