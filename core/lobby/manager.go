package lobby

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stakearena/core/events"
	"stakearena/core/ledger"
)

// Manager owns every live lobby. The map lock only guards lobby pointers and the
// participant index; ledger state is always mutated under the owning lobby's lock.
type Manager struct {
	cfg     Config
	nowFn   func() time.Time
	emitter events.Emitter
	logger  *slog.Logger

	mu           sync.RWMutex
	lobbies      map[uint64]*Lobby
	participants map[string]uint64

	graceMu sync.Mutex
	grace   graceQueue
}

// Option customises the manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// WithEmitter configures the event sink used for balance and state broadcasts.
func WithEmitter(emitter events.Emitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a lobby manager for the supplied round configuration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.ReconnectGrace == 0 {
		cfg.ReconnectGrace = DefaultReconnectGrace
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:          cfg,
		nowFn:        time.Now,
		emitter:      events.NoopEmitter{},
		logger:       slog.Default(),
		lobbies:      make(map[uint64]*Lobby),
		participants: make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Config returns the round configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) now() time.Time { return m.nowFn().UTC() }

// CurrentID returns the identifier of the round in progress.
func (m *Manager) CurrentID() uint64 {
	return IDForTime(m.now(), m.cfg.RoundDuration)
}

// Bounds returns the start, end and finalize deadline of lobby id.
func (m *Manager) Bounds(id uint64) (start, end, finalizeDeadline time.Time) {
	return bounds(id, m.cfg)
}

// LobbyEndTime returns the end of the round identified by id.
func (m *Manager) LobbyEndTime(id uint64) time.Time {
	_, end, _ := bounds(id, m.cfg)
	return end
}

// acquire returns the locked lobby for id, creating it on first reference.
func (m *Manager) acquire(id uint64) *Lobby {
	for {
		m.mu.RLock()
		l, ok := m.lobbies[id]
		m.mu.RUnlock()
		if !ok {
			m.mu.Lock()
			if l, ok = m.lobbies[id]; !ok {
				l = newLobby(id, m.cfg)
				m.lobbies[id] = l
			}
			m.mu.Unlock()
		}
		l.mu.Lock()
		if !l.evicted {
			return l
		}
		l.mu.Unlock()
		m.mu.Lock()
		if current, ok := m.lobbies[id]; ok && current == l {
			delete(m.lobbies, id)
		}
		m.mu.Unlock()
	}
}

// acquireExisting returns the locked lobby for id without creating it.
func (m *Manager) acquireExisting(id uint64) (*Lobby, bool) {
	m.mu.RLock()
	l, ok := m.lobbies[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	l.mu.Lock()
	if l.evicted {
		l.mu.Unlock()
		return nil, false
	}
	return l, true
}

func (m *Manager) all() []*Lobby {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Lobby, 0, len(m.lobbies))
	for _, l := range m.lobbies {
		out = append(out, l)
	}
	return out
}

func (m *Manager) lobbyOf(participantID string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.participants[participantID]
	return id, ok
}

func (m *Manager) bind(participantID string, id uint64) {
	m.mu.Lock()
	m.participants[participantID] = id
	m.mu.Unlock()
}

func (m *Manager) unbind(participantID string, id uint64) {
	m.mu.Lock()
	if current, ok := m.participants[participantID]; ok && current == id {
		delete(m.participants, participantID)
	}
	m.mu.Unlock()
}

func (m *Manager) emit(evs []events.Event) {
	for _, ev := range evs {
		if ev != nil {
			m.emitter.Emit(ev)
		}
	}
}

// Activate moves a waiting lobby to Active. It is the only Waiting to Active
// transition and is a no-op for lobbies that already advanced.
func (m *Manager) Activate(id uint64) (bool, error) {
	l := m.acquire(id)
	if l.state != StateWaiting {
		l.mu.Unlock()
		return false, nil
	}
	ev, changed, err := l.advance(StateActive, m.now())
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	m.emit([]events.Event{ev})
	return changed, nil
}

// Deposit applies a confirmed deposit receipt to the lobby ledger and activates the
// lobby on its first deposit.
func (m *Manager) Deposit(id uint64, participantID, address string, receipt ledger.Receipt) (ledger.DepositResult, error) {
	l := m.acquire(id)
	if l.state >= StateFinalizable {
		state := l.state
		l.mu.Unlock()
		return ledger.DepositResult{}, fmt.Errorf("%w: lobby %d is %s", ErrLobbyNotActive, id, state)
	}
	if now := m.now(); !now.Before(l.end) {
		end := l.end
		l.mu.Unlock()
		return ledger.DepositResult{}, fmt.Errorf("%w: lobby %d ended at %s", ErrLobbyNotActive, id, end.UTC().Format(time.RFC3339))
	}
	receipt.LobbyID = id
	res, err := l.ledger.Deposit(participantID, address, receipt)
	if err != nil {
		l.mu.Unlock()
		return res, err
	}
	var evs []events.Event
	if !res.Duplicate {
		if l.state == StateWaiting {
			ev, _, advErr := l.advance(StateActive, m.now())
			if advErr != nil {
				l.mu.Unlock()
				return res, advErr
			}
			evs = append(evs, ev)
		}
		evs = append(evs, events.DepositConfirmed{
			LobbyID:       id,
			Address:       res.Address,
			TxHash:        receipt.TxHash,
			Amount:        l.ledger.Stake(),
			TotalDeposits: res.Total,
			NewRow:        res.Created,
		})
		if res.Created {
			evs = append(evs, l.balanceEvent(res.Address, "deposit"))
		}
	}
	bound, _ := l.ledger.AddressOf(participantID)
	l.mu.Unlock()

	if bound == res.Address {
		m.bind(participantID, id)
	}
	m.emit(evs)
	return res, nil
}

// Eliminate transfers the victim's balance to the killer. Both must belong to the same
// active lobby.
func (m *Manager) Eliminate(killerID, victimID string) (ledger.Transfer, error) {
	killerLobby, ok := m.lobbyOf(killerID)
	if !ok {
		return ledger.Transfer{}, fmt.Errorf("killer: %w: %s", ledger.ErrUnknownParticipant, killerID)
	}
	victimLobby, ok := m.lobbyOf(victimID)
	if !ok {
		return ledger.Transfer{}, fmt.Errorf("victim: %w: %s", ledger.ErrUnknownParticipant, victimID)
	}
	if killerLobby != victimLobby {
		return ledger.Transfer{}, fmt.Errorf("%w: %d and %d", ErrDifferentLobby, killerLobby, victimLobby)
	}
	l, ok := m.acquireExisting(killerLobby)
	if !ok {
		return ledger.Transfer{}, fmt.Errorf("%w: %d", ErrUnknownLobby, killerLobby)
	}
	if err := l.acceptsGameEvents(m.now()); err != nil {
		l.mu.Unlock()
		return ledger.Transfer{}, err
	}
	transfer, err := l.ledger.TransferOnElimination(killerID, victimID)
	if err != nil {
		l.mu.Unlock()
		return ledger.Transfer{}, err
	}
	evs := []events.Event{
		events.Elimination{LobbyID: l.id, Killer: transfer.Killer, Victim: transfer.Victim, Amount: transfer.Amount},
		l.balanceEvent(transfer.Killer, "elimination"),
		l.balanceEvent(transfer.Victim, "elimination"),
	}
	l.mu.Unlock()
	m.emit(evs)
	return transfer, nil
}

// CashOut freezes the balance of an active participant once the cash-out grace window
// of the round has elapsed.
func (m *Manager) CashOut(participantID string) (uint64, error) {
	id, ok := m.lobbyOf(participantID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
	}
	l, ok := m.acquireExisting(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownLobby, id)
	}
	now := m.now()
	if err := l.acceptsGameEvents(now); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if opens := l.start.Add(m.cfg.CashOutGrace); now.Before(opens) {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: opens at %s", ErrCashOutTooEarly, opens.Format(time.RFC3339))
	}
	amount, err := l.ledger.Freeze(participantID)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	addr, _ := l.ledger.AddressOf(participantID)
	ev := l.balanceEvent(addr, "cash_out")
	l.mu.Unlock()
	m.emit([]events.Event{ev})
	return amount, nil
}

// Disconnect handles a dropped connection. Network failures park the row for the
// reconnect grace window; every other reason removes the participant permanently.
// Frozen and dead rows are left untouched.
func (m *Manager) Disconnect(participantID, reason string) (DisconnectResult, error) {
	id, ok := m.lobbyOf(participantID)
	if !ok {
		return DisconnectResult{}, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
	}
	defer m.unbind(participantID, id)

	l, ok := m.acquireExisting(id)
	if !ok {
		return DisconnectResult{}, fmt.Errorf("%w: %d", ErrUnknownLobby, id)
	}
	now := m.now()
	if err := l.acceptsGameEvents(now); err != nil {
		l.mu.Unlock()
		return DisconnectResult{}, err
	}
	p, ok := l.ledger.Participant(participantID)
	if !ok {
		l.mu.Unlock()
		return DisconnectResult{}, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
	}
	res := DisconnectResult{LobbyID: id, Address: p.Address}
	if p.Status != ledger.StatusActive {
		l.mu.Unlock()
		return res, nil
	}

	var evs []events.Event
	if IsNetworkReason(reason) {
		if _, err := l.ledger.MarkTemporarilyDisconnected(participantID); err != nil {
			l.mu.Unlock()
			return res, err
		}
		res.Temporary = true
		res.Changed = true
		res.Deadline = now.Add(m.cfg.ReconnectGrace)
		l.graceDeadlines[p.Address] = res.Deadline
		m.graceMu.Lock()
		m.grace.push(graceEntry{deadline: res.Deadline, lobbyID: id, address: p.Address})
		m.graceMu.Unlock()
		evs = append(evs, l.balanceEvent(p.Address, "disconnect"))
	} else {
		forfeited, changed, err := l.ledger.RemovePermanently(participantID)
		if err != nil {
			l.mu.Unlock()
			return res, err
		}
		res.Forfeited = forfeited
		res.Changed = changed
		evs = append(evs, l.balanceEvent(p.Address, "leave"))
	}
	l.mu.Unlock()
	m.emit(evs)
	return res, nil
}

// Reconnect resumes a temporarily disconnected row under a new connection identifier.
// It reports false when the address has no pending row in the lobby. A reconnect at or
// past the grace deadline forfeits the row even if ExpireGrace has not run yet.
func (m *Manager) Reconnect(address string, id uint64, newParticipantID string) (bool, error) {
	addr, err := ledger.NormalizeAddress(address)
	if err != nil {
		return false, err
	}
	l, ok := m.acquireExisting(id)
	if !ok {
		return false, nil
	}
	now := m.now()
	if err := l.acceptsGameEvents(now); err != nil {
		l.mu.Unlock()
		return false, err
	}
	if deadline, pending := l.graceDeadlines[addr]; pending && !now.Before(deadline) {
		delete(l.graceDeadlines, addr)
		if row, ok := l.ledger.Entry(addr); !ok || row.Status != ledger.StatusTemporarilyDisconnected {
			l.mu.Unlock()
			return false, nil
		}
		forfeited, changed, err := l.ledger.RemovePermanentlyByAddress(addr)
		if err != nil || !changed {
			l.mu.Unlock()
			return false, err
		}
		ev := l.balanceEvent(addr, "grace_expired")
		l.mu.Unlock()

		m.logger.Info("reconnect after grace deadline",
			slog.Uint64("lobby", id),
			slog.String("address", addr),
			slog.Uint64("forfeited", forfeited))
		m.emit([]events.Event{ev})
		return false, nil
	}
	if !l.ledger.Reconnect(addr, newParticipantID) {
		l.mu.Unlock()
		return false, nil
	}
	delete(l.graceDeadlines, addr)
	ev := l.balanceEvent(addr, "reconnect")
	l.mu.Unlock()

	m.bind(newParticipantID, id)
	m.emit([]events.Event{ev})
	return true, nil
}

// ExpireGrace removes every participant whose reconnect deadline passed without a
// reconnect. Entries whose row was resumed or re-parked since are skipped.
func (m *Manager) ExpireGrace(now time.Time) []Expiry {
	m.graceMu.Lock()
	due := m.grace.popDue(now)
	m.graceMu.Unlock()

	var expired []Expiry
	for _, entry := range due {
		l, ok := m.acquireExisting(entry.lobbyID)
		if !ok {
			continue
		}
		deadline, pending := l.graceDeadlines[entry.address]
		if !pending || !deadline.Equal(entry.deadline) {
			l.mu.Unlock()
			continue
		}
		delete(l.graceDeadlines, entry.address)
		row, ok := l.ledger.Entry(entry.address)
		if l.state != StateActive || !ok || row.Status != ledger.StatusTemporarilyDisconnected {
			l.mu.Unlock()
			continue
		}
		forfeited, changed, err := l.ledger.RemovePermanentlyByAddress(entry.address)
		if err != nil || !changed {
			l.mu.Unlock()
			continue
		}
		ev := l.balanceEvent(entry.address, "grace_expired")
		l.mu.Unlock()

		m.logger.Info("reconnect grace expired",
			slog.Uint64("lobby", entry.lobbyID),
			slog.String("address", entry.address),
			slog.Uint64("forfeited", forfeited))
		m.emit([]events.Event{ev})
		expired = append(expired, Expiry{LobbyID: entry.lobbyID, Address: entry.address, Forfeited: forfeited})
	}
	return expired
}

// ListFinalizable returns every Active lobby whose round ended at or before now.
func (m *Manager) ListFinalizable(now time.Time) []uint64 {
	return m.collect(func(l *Lobby) bool {
		return l.state == StateActive && !now.Before(l.end)
	})
}

// PendingSettlement returns lobbies already marked Finalizable whose payout has not been
// acknowledged yet.
func (m *Manager) PendingSettlement() []uint64 {
	return m.collect(func(l *Lobby) bool { return l.state == StateFinalizable })
}

func (m *Manager) collect(match func(*Lobby) bool) []uint64 {
	var ids []uint64
	for _, l := range m.all() {
		l.mu.Lock()
		if !l.evicted && match(l) {
			ids = append(ids, l.id)
		}
		l.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkFinalizable closes the lobby to game events. Repeating the call is a no-op.
func (m *Manager) MarkFinalizable(id uint64) (bool, error) {
	l, ok := m.acquireExisting(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownLobby, id)
	}
	now := m.now()
	if l.state >= StateFinalizable {
		l.mu.Unlock()
		return false, nil
	}
	if now.Before(l.end) {
		l.mu.Unlock()
		return false, fmt.Errorf("%w: lobby %d ends at %s", ErrInvalidTransition, id, l.end.Format(time.RFC3339))
	}
	ev, changed, err := l.advance(StateFinalizable, now)
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	m.emit([]events.Event{ev})
	return changed, nil
}

// Snapshot is the settlement input copied out of a lobby under its lock.
type Snapshot struct {
	LobbyID          uint64
	State            State
	Entries          []ledger.Entry
	TotalDeposits    uint64
	EndTime          time.Time
	FinalizeDeadline time.Time
}

// Snapshot copies the deterministic ledger view and deposit total of lobby id.
func (m *Manager) Snapshot(id uint64) (Snapshot, error) {
	l, ok := m.acquireExisting(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnknownLobby, id)
	}
	defer l.mu.Unlock()
	return Snapshot{
		LobbyID:          id,
		State:            l.state,
		Entries:          l.ledger.Snapshot(m.cfg.PendingPolicy),
		TotalDeposits:    l.ledger.TotalDeposits(),
		EndTime:          l.end,
		FinalizeDeadline: l.finalizeDeadline,
	}, nil
}

// MarkFinalized records the external acknowledgement of the lobby payout. It is
// re-validated against the current state and is a no-op for finalized lobbies.
func (m *Manager) MarkFinalized(id uint64, ref SettlementRef, at time.Time) (bool, error) {
	l, ok := m.acquireExisting(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownLobby, id)
	}
	if l.state == StateFinalized {
		l.mu.Unlock()
		return false, nil
	}
	if l.state != StateFinalizable {
		state := l.state
		l.mu.Unlock()
		return false, fmt.Errorf("%w: lobby %d is %s", ErrInvalidTransition, id, state)
	}
	ev, _, err := l.advance(StateFinalized, at)
	if err != nil {
		l.mu.Unlock()
		return false, err
	}
	l.settlement = ref
	l.finalizedAt = at.UTC()
	l.graceDeadlines = make(map[string]time.Time)
	l.mu.Unlock()
	m.emit([]events.Event{ev})
	return true, nil
}

// Evict drops finalized lobbies whose retention elapsed and lobbies that never
// received a deposit once their round plus retention passed.
func (m *Manager) Evict(now time.Time, retention time.Duration) []uint64 {
	var gone []*Lobby
	for _, l := range m.all() {
		l.mu.Lock()
		switch {
		case l.state == StateFinalized && !now.Before(l.finalizedAt.Add(retention)):
			gone = append(gone, l)
		case l.state == StateWaiting && !now.Before(l.end.Add(retention)):
			gone = append(gone, l)
		default:
			l.mu.Unlock()
			continue
		}
		l.evicted = true
		l.mu.Unlock()
	}
	if len(gone) == 0 {
		return nil
	}

	ids := make([]uint64, 0, len(gone))
	m.mu.Lock()
	for _, l := range gone {
		if current, ok := m.lobbies[l.id]; ok && current == l {
			delete(m.lobbies, l.id)
		}
		ids = append(ids, l.id)
	}
	for pid, id := range m.participants {
		for _, l := range gone {
			if l.id == id {
				delete(m.participants, pid)
				break
			}
		}
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Info returns the read model of a lobby that is still held in memory.
func (m *Manager) Info(id uint64) (Info, bool) {
	l, ok := m.acquireExisting(id)
	if !ok {
		return Info{}, false
	}
	defer l.mu.Unlock()
	return l.info(), true
}

// Lobbies returns the read models of every lobby in memory ordered by id.
func (m *Manager) Lobbies() []Info {
	var out []Info
	for _, l := range m.all() {
		l.mu.Lock()
		if !l.evicted {
			out = append(out, l.info())
		}
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Participant returns the live row bound to participantID and its lobby.
func (m *Manager) Participant(participantID string) (ledger.Participant, uint64, error) {
	id, ok := m.lobbyOf(participantID)
	if !ok {
		return ledger.Participant{}, 0, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
	}
	l, ok := m.acquireExisting(id)
	if !ok {
		return ledger.Participant{}, 0, fmt.Errorf("%w: %d", ErrUnknownLobby, id)
	}
	defer l.mu.Unlock()
	p, ok := l.ledger.Participant(participantID)
	if !ok {
		return ledger.Participant{}, id, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
	}
	return p, id, nil
}

// CurrentBalance returns the live balance of the participant.
func (m *Manager) CurrentBalance(participantID string) (uint64, error) {
	p, _, err := m.Participant(participantID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}
