package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"stakearena/core/deposit"
	"stakearena/core/ledger"
	"stakearena/core/lobby"
	"stakearena/observability"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 16 << 10
)

// GameEvents is the engine surface driven by ingress frames.
type GameEvents interface {
	OnDeposit(ctx context.Context, participantID, address string, lobbyID uint64) (ledger.DepositResult, error)
	OnElimination(killerID, victimID string) (ledger.Transfer, error)
	OnCashOutRequest(participantID string) (uint64, error)
	OnDisconnect(participantID, reason string) (lobby.DisconnectResult, error)
	OnReconnectAttempt(address string, lobbyID uint64, newParticipantID string) (bool, error)
	CurrentBalance(participantID string) (uint64, error)
}

// Request is a game-event frame sent by the game server.
type Request struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ParticipantID    string `json:"participantId,omitempty"`
	Address          string `json:"address,omitempty"`
	LobbyID          uint64 `json:"lobbyId,omitempty"`
	KillerID         string `json:"killerId,omitempty"`
	VictimID         string `json:"victimId,omitempty"`
	Reason           string `json:"reason,omitempty"`
	NewParticipantID string `json:"newParticipantId,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// Handler upgrades game-server connections, dispatches their frames to the engine
// and pushes hub events back on the same connection.
type Handler struct {
	engine         GameEvents
	hub            *Hub
	logger         *slog.Logger
	originPatterns []string
}

// NewHandler constructs the websocket ingress handler.
func NewHandler(engine GameEvents, hub *Hub, logger *slog.Logger, originPatterns []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Handler{engine: engine, hub: hub, logger: logger, originPatterns: originPatterns}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	metrics := observability.Gateway()
	metrics.SessionOpened()
	defer metrics.SessionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan any, 32)
	var pushes <-chan Push
	if h.hub != nil {
		ch, unsubscribe := h.hub.Subscribe()
		defer unsubscribe()
		pushes = ch
	}
	writerDone := make(chan error, 1)
	go func() { writerDone <- h.writeLoop(ctx, conn, out, pushes) }()

	err = h.readLoop(ctx, conn, out)
	cancel()
	<-writerDone
	if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
		h.logger.Debug("game event session ended", slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- any) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var resp Response
		if typ != websocket.MessageText {
			resp = Response{OK: false, Code: "invalid", Error: "text frames only"}
		} else {
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				resp = Response{OK: false, Code: "invalid", Error: "malformed frame"}
			} else {
				resp = h.Dispatch(ctx, req)
			}
		}
		select {
		case out <- resp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan any, pushes <-chan Push) error {
	for {
		var frame any
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame = <-out:
		case push := <-pushes:
			frame = push
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return err
		}
	}
}

// Dispatch applies one request to the engine.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, Type: req.Type}
	var (
		result any
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "deposit":
		var res ledger.DepositResult
		res, err = h.engine.OnDeposit(ctx, req.ParticipantID, req.Address, req.LobbyID)
		result = map[string]any{"address": res.Address, "created": res.Created, "duplicate": res.Duplicate, "balance": res.Balance, "totalDeposits": res.Total}
	case "elimination":
		var t ledger.Transfer
		t, err = h.engine.OnElimination(req.KillerID, req.VictimID)
		result = map[string]any{"killer": t.Killer, "victim": t.Victim, "amount": t.Amount, "killerBalance": t.KillerBalance}
	case "cash_out":
		var amount uint64
		amount, err = h.engine.OnCashOutRequest(req.ParticipantID)
		result = map[string]any{"frozen": amount}
	case "disconnect":
		var res lobby.DisconnectResult
		res, err = h.engine.OnDisconnect(req.ParticipantID, req.Reason)
		body := map[string]any{"lobbyId": res.LobbyID, "address": res.Address, "temporary": res.Temporary, "forfeited": res.Forfeited}
		if res.Temporary {
			body["deadline"] = res.Deadline.UTC().Format(time.RFC3339)
		}
		result = body
	case "reconnect":
		var resumed bool
		resumed, err = h.engine.OnReconnectAttempt(req.Address, req.LobbyID, req.NewParticipantID)
		result = map[string]any{"resumed": resumed}
	case "balance":
		var balance uint64
		balance, err = h.engine.CurrentBalance(req.ParticipantID)
		result = map[string]any{"balance": balance}
	default:
		err = fmt.Errorf("unknown frame type %q", req.Type)
		resp.Code = "invalid"
	}
	if err != nil {
		resp.Error = err.Error()
		if resp.Code == "" {
			resp.Code, resp.Retryable = classify(err)
		}
		return resp
	}
	resp.OK = true
	resp.Result = result
	return resp
}

func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, deposit.ErrVerificationUnavailable):
		return "verification_unavailable", true
	case errors.Is(err, deposit.ErrNotDeposited):
		return "not_deposited", true
	case errors.Is(err, lobby.ErrCashOutTooEarly):
		return "too_early", false
	case errors.Is(err, lobby.ErrLobbyNotActive), errors.Is(err, ledger.ErrNotActive),
		errors.Is(err, ledger.ErrKillerNotActive), errors.Is(err, ledger.ErrVictimNotActive):
		return "not_active", false
	case errors.Is(err, ledger.ErrUnknownParticipant), errors.Is(err, lobby.ErrUnknownLobby):
		return "unknown", false
	default:
		return "invalid", false
	}
}
