package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyTree is returned when a commitment is requested for a payout without recipients.
var ErrEmptyTree = errors.New("settlement: no recipients to commit")

// Tree is a keccak256 Merkle commitment over a payout. Pairs are hashed in sorted
// order so proofs verify with OpenZeppelin's MerkleProof library.
type Tree struct {
	lobbyID uint64
	leaves  []common.Hash
	index   map[string]int
	layers  [][]common.Hash
}

// Leaf hashes abi.encodePacked(uint256 lobbyId, address account, uint256 amount).
func Leaf(lobbyID uint64, account string, amount uint64) common.Hash {
	addr := common.HexToAddress(account)
	return ethcrypto.Keccak256Hash(
		common.LeftPadBytes(new(big.Int).SetUint64(lobbyID).Bytes(), 32),
		addr.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(amount).Bytes(), 32),
	)
}

// BuildTree commits to every recipient of the payout.
func BuildTree(p *Payout) (*Tree, error) {
	if p == nil || len(p.Recipients) == 0 {
		return nil, ErrEmptyTree
	}
	if len(p.Recipients) != len(p.Amounts) {
		return nil, fmt.Errorf("%w: recipients and amounts differ in length", ErrInvariantViolation)
	}
	t := &Tree{
		lobbyID: p.LobbyID,
		leaves:  make([]common.Hash, len(p.Recipients)),
		index:   make(map[string]int, len(p.Recipients)),
	}
	for i, recipient := range p.Recipients {
		t.leaves[i] = Leaf(p.LobbyID, recipient, p.Amounts[i])
		t.index[recipient] = i
	}
	layer := t.leaves
	t.layers = append(t.layers, layer)
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t, nil
}

// Root returns the commitment root.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Proof returns the sibling path for account, bottom-up.
func (t *Tree) Proof(account string) ([]common.Hash, bool) {
	idx, ok := t.index[account]
	if !ok {
		return nil, false
	}
	proof := make([]common.Hash, 0, len(t.layers))
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof, true
}

// Proofs returns hex encoded proofs for every recipient.
func (t *Tree) Proofs() map[string][]string {
	out := make(map[string][]string, len(t.index))
	for account := range t.index {
		proof, _ := t.Proof(account)
		encoded := make([]string, len(proof))
		for i, node := range proof {
			encoded[i] = node.Hex()
		}
		out[account] = encoded
	}
	return out
}

// VerifyProof folds proof into leaf and compares the result with root.
func VerifyProof(root, leaf common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, node := range proof {
		computed = hashPair(computed, node)
	}
	return computed == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}
