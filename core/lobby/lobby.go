package lobby

import (
	"fmt"
	"sync"
	"time"

	"stakearena/core/events"
	"stakearena/core/ledger"
)

// Lobby is one time-boxed wagering round. Every field is guarded by mu, which is the
// single serialization point for ledger mutations of the round.
type Lobby struct {
	mu sync.Mutex

	id               uint64
	start            time.Time
	end              time.Time
	finalizeDeadline time.Time
	state            State
	ledger           *ledger.Ledger
	// graceDeadlines holds the live reconnect deadline per address. Heap entries that
	// no longer match are stale and ignored when popped.
	graceDeadlines map[string]time.Time
	finalizedAt    time.Time
	settlement     SettlementRef
	evicted        bool
}

func newLobby(id uint64, cfg Config) *Lobby {
	start, end, deadline := bounds(id, cfg)
	return &Lobby{
		id:               id,
		start:            start,
		end:              end,
		finalizeDeadline: deadline,
		state:            StateWaiting,
		ledger:           ledger.New(cfg.Stake),
		graceDeadlines:   make(map[string]time.Time),
	}
}

// ID returns the time-bucket identifier of the lobby.
func (l *Lobby) ID() uint64 { return l.id }

// advance moves the lobby to next if that is the immediate successor of the current
// state. Repeating the current state is a no-op.
func (l *Lobby) advance(next State, now time.Time) (events.Event, bool, error) {
	if l.state == next {
		return nil, false, nil
	}
	if next != l.state+1 {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, next)
	}
	prev := l.state
	l.state = next
	return events.LobbyState{LobbyID: l.id, From: prev.String(), To: next.String(), At: now}, true, nil
}

// acceptsGameEvents reports whether in-round mutations may touch the ledger at now.
func (l *Lobby) acceptsGameEvents(now time.Time) error {
	if l.state != StateActive {
		return fmt.Errorf("%w: lobby %d is %s", ErrLobbyNotActive, l.id, l.state)
	}
	if !now.Before(l.end) {
		return fmt.Errorf("%w: lobby %d ended at %s", ErrLobbyNotActive, l.id, l.end.UTC().Format(time.RFC3339))
	}
	return nil
}

func (l *Lobby) info() Info {
	return Info{
		ID:               l.id,
		State:            l.state,
		StartTime:        l.start,
		EndTime:          l.end,
		FinalizeDeadline: l.finalizeDeadline,
		TotalDeposits:    l.ledger.TotalDeposits(),
		TotalBalance:     l.ledger.TotalBalance(),
		ParticipantCount: l.ledger.ParticipantCount(),
		PendingGrace:     len(l.graceDeadlines),
		FinalizedAt:      l.finalizedAt,
		Settlement:       l.settlement,
	}
}

func (l *Lobby) balanceEvent(address, reason string) events.Event {
	entry, _ := l.ledger.Entry(address)
	return events.BalanceChanged{
		LobbyID: l.id,
		Address: address,
		Balance: entry.Amount,
		Status:  entry.Status.String(),
		Reason:  reason,
	}
}

// IDForTime returns the lobby identifier of the round containing t.
func IDForTime(t time.Time, roundDuration time.Duration) uint64 {
	secs := int64(roundDuration / time.Second)
	if secs <= 0 {
		secs = 1
	}
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix / secs)
}

func bounds(id uint64, cfg Config) (time.Time, time.Time, time.Time) {
	secs := int64(cfg.RoundDuration / time.Second)
	start := time.Unix(int64(id)*secs, 0).UTC()
	end := start.Add(time.Duration(secs) * time.Second)
	return start, end, end.Add(cfg.GracePeriod)
}
