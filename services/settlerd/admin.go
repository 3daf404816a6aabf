package settlerd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"stakearena/core/lobby"
)

// AdminServer exposes operator controls for the settlement pipeline.
type AdminServer struct {
	submitter *Submitter
	finalizer *Finalizer
	manager   *lobby.Manager
	mux       *http.ServeMux
	timeout   time.Duration
}

// NewAdminServer constructs the admin handler. Wrap it with Authenticator.Middleware.
func NewAdminServer(submitter *Submitter, finalizer *Finalizer, manager *lobby.Manager) *AdminServer {
	mux := http.NewServeMux()
	server := &AdminServer{submitter: submitter, finalizer: finalizer, manager: manager, mux: mux, timeout: 2 * time.Minute}
	mux.HandleFunc("POST /admin/pause", server.handlePause)
	mux.HandleFunc("POST /admin/resume", server.handleResume)
	mux.HandleFunc("POST /admin/settle/{id}", server.handleSettle)
	mux.HandleFunc("GET /admin/status", server.handleStatus)
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.submitter.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.submitter.Resume()
	w.WriteHeader(http.StatusNoContent)
}

type settleResponse struct {
	LobbyID          uint64 `json:"lobbyId"`
	AlreadySettled   bool   `json:"alreadySettled"`
	TxHash           string `json:"txHash,omitempty"`
	MerkleRoot       string `json:"merkleRoot,omitempty"`
	TotalPayout      uint64 `json:"totalPayout"`
	TotalFee         uint64 `json:"totalFee"`
	AlreadyFinalized bool   `json:"alreadyFinalized"`
}

func (s *AdminServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid lobby id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	record, err := s.finalizer.Settle(ctx, id)
	switch {
	case errors.Is(err, lobby.ErrUnknownLobby):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, lobby.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrSubmissionsPaused), errors.Is(err, ErrSubmissionInFlight):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	resp := settleResponse{LobbyID: id, AlreadySettled: record == nil}
	if record != nil {
		resp.TxHash = record.TxHash
		resp.MerkleRoot = record.MerkleRoot
		resp.TotalPayout = record.TotalPayout
		resp.TotalFee = record.TotalFee
		resp.AlreadyFinalized = record.AlreadyFinalized
	}
	writeJSON(w, http.StatusOK, resp)
}

type lobbyStatus struct {
	ID               uint64    `json:"lobbyId"`
	State            string    `json:"state"`
	EndTime          time.Time `json:"endTime"`
	FinalizeDeadline time.Time `json:"finalizeDeadline"`
	TotalDeposits    uint64    `json:"totalDeposits"`
	Participants     int       `json:"participants"`
	PendingGrace     int       `json:"pendingGrace"`
}

type adminStatus struct {
	Submitter SubmitterStatus `json:"submitter"`
	Current   uint64          `json:"currentLobby"`
	Lobbies   []lobbyStatus   `json:"lobbies"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := adminStatus{Submitter: s.submitter.Status(), Current: s.manager.CurrentID()}
	for _, info := range s.manager.Lobbies() {
		status.Lobbies = append(status.Lobbies, lobbyStatus{
			ID:               info.ID,
			State:            info.State.String(),
			EndTime:          info.EndTime,
			FinalizeDeadline: info.FinalizeDeadline,
			TotalDeposits:    info.TotalDeposits,
			Participants:     info.ParticipantCount,
			PendingGrace:     info.PendingGrace,
		})
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
