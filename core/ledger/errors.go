package ledger

import "errors"

var (
	// ErrInvalidAddress is returned when an address is not a 20-byte hex account.
	ErrInvalidAddress = errors.New("ledger: invalid address")
	// ErrParticipantRequired is returned when a connection identifier is missing.
	ErrParticipantRequired = errors.New("ledger: participant id required")
	// ErrUnknownParticipant is returned when no row is bound to the connection identifier.
	ErrUnknownParticipant = errors.New("ledger: unknown participant")
	// ErrParticipantBound is returned when a connection identifier already belongs to another address.
	ErrParticipantBound = errors.New("ledger: participant id bound to another address")
	// ErrStakeMismatch is returned when a deposit receipt does not carry the lobby stake.
	ErrStakeMismatch = errors.New("ledger: deposit amount does not match stake")
	// ErrOverflow is returned when a deposit would overflow the lobby totals.
	ErrOverflow = errors.New("ledger: amount overflow")

	// ErrVictimNotActive reports an elimination whose victim is frozen, disconnected or dead.
	ErrVictimNotActive = errors.New("ledger: victim not active")
	// ErrKillerNotActive reports an elimination whose killer cannot receive funds.
	ErrKillerNotActive = errors.New("ledger: killer not active")
	// ErrSelfElimination reports an elimination where killer and victim are the same row.
	ErrSelfElimination = errors.New("ledger: killer and victim are the same participant")
	// ErrNotActive is returned when a transition requires the participant to be active.
	ErrNotActive = errors.New("ledger: participant not active")
)
