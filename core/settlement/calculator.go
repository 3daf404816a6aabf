package settlement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"stakearena/core/ledger"
)

// BasisPoints is the denominator used by fee rates.
const BasisPoints = 10_000

var (
	// ErrInvariantViolation reports computed totals that would fail the settlement
	// contract's arithmetic checks. It always indicates a programming error.
	ErrInvariantViolation = errors.New("settlement: invariant violation")
	// ErrInvalidFee is returned when the fee rate is outside [0, 10000).
	ErrInvalidFee = errors.New("settlement: invalid fee rate")
	// ErrInvalidSnapshot is returned for unsorted, duplicated or overflowing snapshots.
	ErrInvalidSnapshot = errors.New("settlement: invalid snapshot")
)

// Payout is the fee-adjusted distribution of a lobby's final balances.
type Payout struct {
	LobbyID       uint64         `json:"lobbyId"`
	FeeBps        uint32         `json:"feeBps"`
	Balances      []ledger.Entry `json:"balances"`
	Recipients    []string       `json:"recipients"`
	Amounts       []uint64       `json:"amounts"`
	TotalDeposits uint64         `json:"totalDeposits"`
	ActiveTotal   uint64         `json:"activeTotal"`
	TotalPayout   uint64         `json:"totalPayout"`
	TotalFee      uint64         `json:"totalFee"`
	DeadMoney     uint64         `json:"deadMoney"`
	Dust          uint64         `json:"dust"`
	// Eligible counts snapshot rows holding a positive balance. Rows whose share
	// floors to zero are eligible but receive no recipient slot.
	Eligible int `json:"eligible"`
}

// Calculate converts a deterministic ledger snapshot into a payout. The payout total is
// back-solved from the active balance so that fee and payout reconcile against deposits:
//
//	totalPayout = floor(active * 10000 / (10000 + feeBps))
//	totalFee    = totalDeposits - totalPayout
//	amount_i    = floor(balance_i * totalPayout / active)
//
// Floor losses are recorded as dust and never redistributed.
func Calculate(lobbyID uint64, snapshot []ledger.Entry, totalDeposits uint64, feeBps uint32) (*Payout, error) {
	if feeBps >= BasisPoints {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFee, feeBps)
	}
	balances := append([]ledger.Entry(nil), snapshot...)
	if !sort.SliceIsSorted(balances, func(i, j int) bool { return balances[i].Address < balances[j].Address }) {
		return nil, fmt.Errorf("%w: entries not sorted by address", ErrInvalidSnapshot)
	}

	active := new(uint256.Int)
	eligible := 0
	for i, entry := range balances {
		if i > 0 && balances[i-1].Address == entry.Address {
			return nil, fmt.Errorf("%w: duplicate address %s", ErrInvalidSnapshot, entry.Address)
		}
		if entry.Amount == 0 {
			continue
		}
		eligible++
		if _, overflow := active.AddOverflow(active, uint256.NewInt(entry.Amount)); overflow {
			return nil, fmt.Errorf("%w: balance overflow", ErrInvalidSnapshot)
		}
	}
	if !active.IsUint64() {
		return nil, fmt.Errorf("%w: active balance exceeds uint64", ErrInvalidSnapshot)
	}
	activeTotal := active.Uint64()
	if activeTotal > totalDeposits {
		return nil, fmt.Errorf("%w: active balance %d exceeds deposits %d", ErrInvariantViolation, activeTotal, totalDeposits)
	}

	p := &Payout{
		LobbyID:       lobbyID,
		FeeBps:        feeBps,
		Balances:      balances,
		TotalDeposits: totalDeposits,
		ActiveTotal:   activeTotal,
		DeadMoney:     totalDeposits - activeTotal,
		Eligible:      eligible,
		Recipients:    []string{},
		Amounts:       []uint64{},
	}
	if activeTotal == 0 {
		p.TotalFee = totalDeposits
		return p, p.Validate()
	}

	payout := new(uint256.Int).Mul(active, uint256.NewInt(BasisPoints))
	payout.Div(payout, uint256.NewInt(BasisPoints+uint64(feeBps)))
	p.TotalPayout = payout.Uint64()
	p.TotalFee = totalDeposits - p.TotalPayout

	var distributed uint64
	for _, entry := range balances {
		if entry.Amount == 0 {
			continue
		}
		share := new(uint256.Int).Mul(uint256.NewInt(entry.Amount), payout)
		share.Div(share, active)
		amount := share.Uint64()
		if amount == 0 {
			continue
		}
		p.Recipients = append(p.Recipients, entry.Address)
		p.Amounts = append(p.Amounts, amount)
		distributed += amount
	}
	p.Dust = p.TotalPayout - distributed
	return p, p.Validate()
}

// Validate re-checks the arithmetic contract of the settlement layer. Any failure wraps
// ErrInvariantViolation and the payout must not be submitted.
func (p *Payout) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil payout", ErrInvariantViolation)
	}
	if len(p.Recipients) != len(p.Amounts) {
		return fmt.Errorf("%w: %d recipients but %d amounts", ErrInvariantViolation, len(p.Recipients), len(p.Amounts))
	}
	if p.TotalPayout > p.TotalDeposits || p.TotalPayout+p.TotalFee != p.TotalDeposits {
		return fmt.Errorf("%w: payout %d + fee %d != deposits %d", ErrInvariantViolation, p.TotalPayout, p.TotalFee, p.TotalDeposits)
	}
	if p.ActiveTotal > p.TotalDeposits {
		return fmt.Errorf("%w: active %d exceeds deposits %d", ErrInvariantViolation, p.ActiveTotal, p.TotalDeposits)
	}
	if p.TotalPayout > p.ActiveTotal {
		return fmt.Errorf("%w: payout %d exceeds active %d", ErrInvariantViolation, p.TotalPayout, p.ActiveTotal)
	}

	// Dead money sits inside the fee; the rate check applies to the remainder.
	if p.TotalFee < p.DeadMoney {
		return fmt.Errorf("%w: fee %d below dead money %d", ErrInvariantViolation, p.TotalFee, p.DeadMoney)
	}
	rateFee := new(uint256.Int).Mul(uint256.NewInt(p.TotalPayout), uint256.NewInt(uint64(p.FeeBps)))
	rateFee.Div(rateFee, uint256.NewInt(BasisPoints))
	expected := rateFee.Uint64()
	actual := p.TotalFee - p.DeadMoney
	if diff(actual, expected) > 1 {
		return fmt.Errorf("%w: fee %d outside tolerance of %d", ErrInvariantViolation, actual, expected)
	}

	var sum uint64
	for i, amount := range p.Amounts {
		if amount == 0 {
			return fmt.Errorf("%w: zero amount for %s", ErrInvariantViolation, p.Recipients[i])
		}
		if i > 0 && p.Recipients[i-1] >= p.Recipients[i] {
			return fmt.Errorf("%w: recipients not strictly sorted", ErrInvariantViolation)
		}
		sum += amount
	}
	if sum > p.TotalPayout {
		return fmt.Errorf("%w: distributed %d exceeds payout %d", ErrInvariantViolation, sum, p.TotalPayout)
	}
	if p.TotalPayout-sum != p.Dust {
		return fmt.Errorf("%w: dust %d does not match remainder %d", ErrInvariantViolation, p.Dust, p.TotalPayout-sum)
	}
	if p.TotalPayout > 0 && p.Dust >= uint64(p.Eligible) {
		return fmt.Errorf("%w: dust %d not below %d eligible rows", ErrInvariantViolation, p.Dust, p.Eligible)
	}
	return nil
}

// Distributed returns the sum of all recipient amounts.
func (p *Payout) Distributed() uint64 {
	var sum uint64
	for _, amount := range p.Amounts {
		sum += amount
	}
	return sum
}

// AmountOf returns the payout of address, or zero when it is not a recipient.
func (p *Payout) AmountOf(address string) (uint64, bool) {
	idx := sort.SearchStrings(p.Recipients, address)
	if idx < len(p.Recipients) && p.Recipients[idx] == address {
		return p.Amounts[idx], true
	}
	return 0, false
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
