package ledger

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Ledger tracks participant balances for a single lobby. It performs no locking:
// the owning lobby serialises every call.
type Ledger struct {
	stake         uint64
	rows          map[string]*row
	byParticipant map[string]string
	receipts      map[string]struct{}
	totalDeposits uint64
}

type row struct {
	address       string
	participantID string
	entry         BalanceEntry
	receipt       Receipt
}

// DepositResult describes the effect of applying a deposit receipt.
type DepositResult struct {
	Address   string
	Created   bool
	Duplicate bool
	Balance   uint64
	Total     uint64
}

// Transfer describes a completed elimination transfer.
type Transfer struct {
	Killer        string
	Victim        string
	Amount        uint64
	KillerBalance uint64
}

// New constructs an empty ledger crediting stake for every new participant.
func New(stake uint64) *Ledger {
	return &Ledger{
		stake:         stake,
		rows:          make(map[string]*row),
		byParticipant: make(map[string]string),
		receipts:      make(map[string]struct{}),
	}
}

// Stake returns the per-participant deposit amount.
func (l *Ledger) Stake() uint64 { return l.stake }

// Deposit applies a confirmed deposit receipt. Unseen addresses receive a new active row
// holding the stake; known addresses only raise the lobby deposit total. A receipt that
// was already applied is reported as a duplicate and changes nothing.
func (l *Ledger) Deposit(participantID, address string, receipt Receipt) (DepositResult, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return DepositResult{}, ErrParticipantRequired
	}
	addr, err := NormalizeAddress(address)
	if err != nil {
		return DepositResult{}, err
	}
	if receipt.Amount != 0 && receipt.Amount != l.stake {
		return DepositResult{}, fmt.Errorf("%w: got %d want %d", ErrStakeMismatch, receipt.Amount, l.stake)
	}
	key := receipt.Key()
	if _, seen := l.receipts[key]; seen {
		res := DepositResult{Address: addr, Duplicate: true, Total: l.totalDeposits}
		if existing, ok := l.rows[addr]; ok {
			res.Balance = existing.entry.Amount
		}
		return res, nil
	}
	if l.totalDeposits > math.MaxUint64-l.stake {
		return DepositResult{}, ErrOverflow
	}

	existing, ok := l.rows[addr]
	if ok {
		l.receipts[key] = struct{}{}
		l.totalDeposits += l.stake
		return DepositResult{Address: addr, Balance: existing.entry.Amount, Total: l.totalDeposits}, nil
	}
	if bound, taken := l.byParticipant[participantID]; taken && bound != addr {
		return DepositResult{}, ErrParticipantBound
	}

	receipt.Address = addr
	l.receipts[key] = struct{}{}
	l.totalDeposits += l.stake
	l.rows[addr] = &row{
		address:       addr,
		participantID: participantID,
		entry:         BalanceEntry{Amount: l.stake, Status: StatusActive},
		receipt:       receipt,
	}
	l.byParticipant[participantID] = addr
	return DepositResult{Address: addr, Created: true, Balance: l.stake, Total: l.totalDeposits}, nil
}

// TransferOnElimination moves the entire balance of the victim to the killer and marks
// the victim dead. Both rows must be active.
func (l *Ledger) TransferOnElimination(killerID, victimID string) (Transfer, error) {
	killer, err := l.lookup(killerID)
	if err != nil {
		return Transfer{}, fmt.Errorf("killer: %w", err)
	}
	victim, err := l.lookup(victimID)
	if err != nil {
		return Transfer{}, fmt.Errorf("victim: %w", err)
	}
	if killer == victim {
		return Transfer{}, ErrSelfElimination
	}
	if victim.entry.Status != StatusActive {
		return Transfer{}, fmt.Errorf("%w: %s", ErrVictimNotActive, victim.entry.Status)
	}
	if killer.entry.Status != StatusActive {
		return Transfer{}, fmt.Errorf("%w: %s", ErrKillerNotActive, killer.entry.Status)
	}
	amount := victim.entry.Amount
	if killer.entry.Amount > math.MaxUint64-amount {
		return Transfer{}, ErrOverflow
	}
	killer.entry.Amount += amount
	victim.entry.Amount = 0
	victim.entry.Status = StatusDead
	return Transfer{
		Killer:        killer.address,
		Victim:        victim.address,
		Amount:        amount,
		KillerBalance: killer.entry.Amount,
	}, nil
}

// MarkTemporarilyDisconnected moves an active row into the disconnected state. The
// balance is left untouched. It returns the address of the row.
func (l *Ledger) MarkTemporarilyDisconnected(participantID string) (string, error) {
	r, err := l.lookup(participantID)
	if err != nil {
		return "", err
	}
	if r.entry.Status != StatusActive {
		return r.address, fmt.Errorf("%w: %s", ErrNotActive, r.entry.Status)
	}
	r.entry.Status = StatusTemporarilyDisconnected
	return r.address, nil
}

// Reconnect rebinds a temporarily disconnected row to a new connection identifier and
// reactivates it. It reports false when the address has no such row.
func (l *Ledger) Reconnect(address, newParticipantID string) bool {
	newParticipantID = strings.TrimSpace(newParticipantID)
	if newParticipantID == "" {
		return false
	}
	addr, err := NormalizeAddress(address)
	if err != nil {
		return false
	}
	r, ok := l.rows[addr]
	if !ok || r.entry.Status != StatusTemporarilyDisconnected {
		return false
	}
	if bound, taken := l.byParticipant[newParticipantID]; taken && bound != addr {
		return false
	}
	if r.participantID != newParticipantID {
		delete(l.byParticipant, r.participantID)
	}
	r.participantID = newParticipantID
	r.entry.Status = StatusActive
	l.byParticipant[newParticipantID] = addr
	return true
}

// RemovePermanently zeroes the row bound to participantID and marks it dead. It returns
// the forfeited amount and whether the row changed.
func (l *Ledger) RemovePermanently(participantID string) (uint64, bool, error) {
	r, err := l.lookup(participantID)
	if err != nil {
		return 0, false, err
	}
	forfeited, changed := r.kill()
	return forfeited, changed, nil
}

// RemovePermanentlyByAddress zeroes the row of address and marks it dead.
func (l *Ledger) RemovePermanentlyByAddress(address string) (uint64, bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return 0, false, err
	}
	r, ok := l.rows[addr]
	if !ok {
		return 0, false, ErrUnknownParticipant
	}
	forfeited, changed := r.kill()
	return forfeited, changed, nil
}

func (r *row) kill() (uint64, bool) {
	if r.entry.Status == StatusDead {
		return 0, false
	}
	forfeited := r.entry.Amount
	r.entry.Amount = 0
	r.entry.Status = StatusDead
	return forfeited, true
}

// Freeze locks the balance of an active participant for cash-out. Frozen rows are immune
// to elimination transfers.
func (l *Ledger) Freeze(participantID string) (uint64, error) {
	r, err := l.lookup(participantID)
	if err != nil {
		return 0, err
	}
	if r.entry.Status != StatusActive {
		return 0, fmt.Errorf("%w: %s", ErrNotActive, r.entry.Status)
	}
	r.entry.Status = StatusFrozen
	return r.entry.Amount, nil
}

// Participant returns the live row bound to participantID.
func (l *Ledger) Participant(participantID string) (Participant, bool) {
	r, err := l.lookup(participantID)
	if err != nil {
		return Participant{}, false
	}
	return r.participant(), true
}

// Entry returns the address keyed balance entry.
func (l *Ledger) Entry(address string) (BalanceEntry, bool) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return BalanceEntry{}, false
	}
	r, ok := l.rows[addr]
	if !ok {
		return BalanceEntry{}, false
	}
	return r.entry, true
}

// AddressOf resolves the address bound to a connection identifier.
func (l *Ledger) AddressOf(participantID string) (string, bool) {
	addr, ok := l.byParticipant[strings.TrimSpace(participantID)]
	return addr, ok
}

// Snapshot returns an address sorted view of every row ever seen in the lobby.
func (l *Ledger) Snapshot(policy PendingPolicy) []Entry {
	out := make([]Entry, 0, len(l.rows))
	for addr, r := range l.rows {
		amount := r.entry.Amount
		if r.entry.Status == StatusTemporarilyDisconnected && policy == PendingForfeit {
			amount = 0
		}
		out = append(out, Entry{Address: addr, Amount: amount, Status: r.entry.Status.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// TotalDeposits returns the sum of every confirmed deposit applied to the lobby.
func (l *Ledger) TotalDeposits() uint64 { return l.totalDeposits }

// TotalBalance returns the sum of all row balances.
func (l *Ledger) TotalBalance() uint64 {
	var total uint64
	for _, r := range l.rows {
		total += r.entry.Amount
	}
	return total
}

// ParticipantCount returns the number of distinct addresses in the ledger.
func (l *Ledger) ParticipantCount() int { return len(l.rows) }

func (l *Ledger) lookup(participantID string) (*row, error) {
	id := strings.TrimSpace(participantID)
	if id == "" {
		return nil, ErrParticipantRequired
	}
	addr, ok := l.byParticipant[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	r, ok := l.rows[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	return r, nil
}

func (r *row) participant() Participant {
	return Participant{
		ID:             r.participantID,
		Address:        r.address,
		Balance:        r.entry.Amount,
		Status:         r.entry.Status,
		DepositReceipt: r.receipt,
	}
}
