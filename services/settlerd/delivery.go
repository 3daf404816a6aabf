package settlerd

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"stakearena/chain"
	"stakearena/core/settlement"
)

const (
	// StrategyDirect pushes every recipient and amount in one transaction.
	StrategyDirect = "direct"
	// StrategyMerkle commits a Merkle root; players claim with archived proofs.
	StrategyMerkle = "merkle"
)

// Escrow is the settlement contract surface used by the delivery strategies.
type Escrow interface {
	IsFinalized(ctx context.Context, lobbyID uint64) (bool, error)
	DistributeOrFinalize(ctx context.Context, lobbyID uint64, recipients []common.Address, amounts []*big.Int, totalPayout, totalFee *big.Int) (common.Hash, error)
	FinalizeWithRoot(ctx context.Context, lobbyID uint64, root common.Hash, totalPayout, totalFee *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Receipt is the acknowledgement of a delivered payout.
type Receipt struct {
	LobbyID          uint64 `json:"lobbyId"`
	Strategy         string `json:"strategy"`
	TxHash           string `json:"txHash,omitempty"`
	ConfirmedBlock   uint64 `json:"confirmedBlock,omitempty"`
	AlreadyFinalized bool   `json:"alreadyFinalized"`
	AttemptID        string `json:"attemptId"`
	Attempts         int    `json:"attempts"`
	// Tree is set by the Merkle strategy so proofs can be archived.
	Tree *settlement.Tree `json:"-"`
}

// Delivery hands a validated payout to the external settlement system.
type Delivery interface {
	Strategy() string
	Deliver(ctx context.Context, payout *settlement.Payout) (Receipt, error)
}

// NewDelivery returns the delivery for strategy.
func NewDelivery(strategy string, escrow Escrow) (Delivery, error) {
	if escrow == nil {
		return nil, fmt.Errorf("settlerd: escrow required")
	}
	switch strategy {
	case StrategyDirect, "":
		return &DirectDelivery{escrow: escrow}, nil
	case StrategyMerkle:
		return &MerkleDelivery{escrow: escrow}, nil
	default:
		return nil, fmt.Errorf("settlerd: unknown settlement strategy %q", strategy)
	}
}

// DirectDelivery calls distributeOrFinalize with the full recipient list.
type DirectDelivery struct {
	escrow Escrow
}

func (d *DirectDelivery) Strategy() string { return StrategyDirect }

func (d *DirectDelivery) Deliver(ctx context.Context, p *settlement.Payout) (Receipt, error) {
	recipients := make([]common.Address, len(p.Recipients))
	amounts := make([]*big.Int, len(p.Amounts))
	for i, raw := range p.Recipients {
		addr, err := chain.ParseAddress(raw)
		if err != nil {
			return Receipt{}, err
		}
		recipients[i] = addr
		amounts[i] = new(big.Int).SetUint64(p.Amounts[i])
	}
	return deliver(ctx, d.escrow, p.LobbyID, StrategyDirect, nil, func() (common.Hash, error) {
		return d.escrow.DistributeOrFinalize(ctx, p.LobbyID, recipients, amounts, units(p.TotalPayout), units(p.TotalFee))
	})
}

// MerkleDelivery commits the root of the payout tree with finalizeWithRoot.
type MerkleDelivery struct {
	escrow Escrow
}

func (d *MerkleDelivery) Strategy() string { return StrategyMerkle }

func (d *MerkleDelivery) Deliver(ctx context.Context, p *settlement.Payout) (Receipt, error) {
	tree, err := settlement.BuildTree(p)
	var root common.Hash
	switch {
	case errors.Is(err, settlement.ErrEmptyTree):
		// Nobody survived; the zero root leaves nothing claimable and the fee is still collected.
		tree = nil
	case err != nil:
		return Receipt{}, err
	default:
		root = tree.Root()
	}
	return deliver(ctx, d.escrow, p.LobbyID, StrategyMerkle, tree, func() (common.Hash, error) {
		return d.escrow.FinalizeWithRoot(ctx, p.LobbyID, root, units(p.TotalPayout), units(p.TotalFee))
	})
}

// deliver checks isFinalized before sending and again after a revert, so a lobby
// finalized by another operator counts as delivered.
func deliver(ctx context.Context, escrow Escrow, lobbyID uint64, strategy string, tree *settlement.Tree, send func() (common.Hash, error)) (Receipt, error) {
	out := Receipt{LobbyID: lobbyID, Strategy: strategy, Tree: tree}
	finalized, err := escrow.IsFinalized(ctx, lobbyID)
	if err != nil {
		return Receipt{}, err
	}
	if finalized {
		out.AlreadyFinalized = true
		return out, nil
	}
	hash, err := send()
	if err != nil {
		return Receipt{}, err
	}
	out.TxHash = hash.Hex()
	mined, err := escrow.WaitMined(ctx, hash)
	if err != nil {
		if !errors.Is(err, chain.ErrReverted) {
			return Receipt{}, err
		}
		finalized, checkErr := escrow.IsFinalized(ctx, lobbyID)
		if checkErr != nil || !finalized {
			return Receipt{}, err
		}
		out.AlreadyFinalized = true
	}
	if mined != nil && mined.BlockNumber != nil {
		out.ConfirmedBlock = mined.BlockNumber.Uint64()
	}
	return out, nil
}

func units(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
