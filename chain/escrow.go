package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrReadOnly is returned when a transaction is requested from an escrow without a signer.
	ErrReadOnly = errors.New("chain: escrow has no signing key")
	// ErrReverted is returned when a submitted transaction was mined with a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
)

// Backend defines the subset of the Ethereum RPC used by the escrow binding.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Deposit is a decoded Deposited log.
type Deposit struct {
	LobbyID     uint64
	Player      common.Address
	Amount      *big.Int
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// DepositFilter narrows a Deposited log query. Nil fields are wildcards.
type DepositFilter struct {
	FromBlock uint64
	ToBlock   *uint64
	LobbyID   *uint64
	Player    *common.Address
}

// Escrow binds the lobby escrow contract.
type Escrow struct {
	backend       Backend
	address       common.Address
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	gasLimit      uint64
	confirmations uint64
	pollInterval  time.Duration

	// nonces from PendingNonceAt are only safe with one sender in flight.
	sendMu sync.Mutex
}

// EscrowOption customises the escrow binding.
type EscrowOption func(*Escrow)

// WithSigner enables transactions signed by key for chainID using EIP-155.
func WithSigner(key *ecdsa.PrivateKey, chainID *big.Int) EscrowOption {
	return func(e *Escrow) {
		if key == nil || chainID == nil {
			return
		}
		e.key = key
		e.from = gethcrypto.PubkeyToAddress(key.PublicKey)
		e.chainID = new(big.Int).Set(chainID)
	}
}

// WithGasLimit pins the gas limit instead of estimating it.
func WithGasLimit(limit uint64) EscrowOption {
	return func(e *Escrow) { e.gasLimit = limit }
}

// WithConfirmations sets how many blocks must include a transaction before it counts.
func WithConfirmations(n uint64, poll time.Duration) EscrowOption {
	return func(e *Escrow) {
		e.confirmations = n
		if poll > 0 {
			e.pollInterval = poll
		}
	}
}

// NewEscrow constructs an escrow binding at address.
func NewEscrow(backend Backend, address common.Address, opts ...EscrowOption) (*Escrow, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("chain: escrow address required")
	}
	if _, err := escrowABI(); err != nil {
		return nil, err
	}
	e := &Escrow{backend: backend, address: address, pollInterval: 2 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Address returns the contract address.
func (e *Escrow) Address() common.Address { return e.address }

// Sender returns the operator account, or the zero address for read-only bindings.
func (e *Escrow) Sender() common.Address { return e.from }

// Confirmations returns the configured confirmation depth.
func (e *Escrow) Confirmations() uint64 { return e.confirmations }

// LatestBlock returns the current head height.
func (e *Escrow) LatestBlock(ctx context.Context) (uint64, error) {
	return e.backend.BlockNumber(ctx)
}

// FilterDeposits returns decoded Deposited logs matching filter in block order.
func (e *Escrow) FilterDeposits(ctx context.Context, filter DepositFilter) ([]Deposit, error) {
	parsed, err := escrowABI()
	if err != nil {
		return nil, err
	}
	topics := [][]common.Hash{{DepositedTopic}, nil, nil}
	if filter.LobbyID != nil {
		topics[1] = []common.Hash{common.BigToHash(new(big.Int).SetUint64(*filter.LobbyID))}
	}
	if filter.Player != nil {
		topics[2] = []common.Hash{common.BytesToHash(filter.Player.Bytes())}
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		Addresses: []common.Address{e.address},
		Topics:    topics,
	}
	if filter.ToBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*filter.ToBlock)
	}
	logs, err := e.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter deposits: %w", err)
	}
	out := make([]Deposit, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != DepositedTopic {
			continue
		}
		lobby := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !lobby.IsUint64() {
			continue
		}
		values, err := parsed.Unpack("Deposited", lg.Data)
		if err != nil || len(values) != 1 {
			return nil, fmt.Errorf("chain: decode deposit %s:%d: %v", lg.TxHash.Hex(), lg.Index, err)
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("chain: decode deposit %s:%d: unexpected amount type", lg.TxHash.Hex(), lg.Index)
		}
		out = append(out, Deposit{
			LobbyID:     lobby.Uint64(),
			Player:      common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:      amount,
			TxHash:      lg.TxHash,
			LogIndex:    lg.Index,
			BlockNumber: lg.BlockNumber,
		})
	}
	return out, nil
}

// IsFinalized reports whether the contract already settled lobbyID.
func (e *Escrow) IsFinalized(ctx context.Context, lobbyID uint64) (bool, error) {
	parsed, err := escrowABI()
	if err != nil {
		return false, err
	}
	input, err := parsed.Pack("isFinalized", new(big.Int).SetUint64(lobbyID))
	if err != nil {
		return false, fmt.Errorf("chain: pack isFinalized: %w", err)
	}
	to := e.address
	output, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: e.from, To: &to, Data: input}, nil)
	if err != nil {
		return false, fmt.Errorf("chain: call isFinalized: %w", err)
	}
	values, err := parsed.Unpack("isFinalized", output)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("chain: decode isFinalized: %v", err)
	}
	finalized, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: decode isFinalized: unexpected type %T", values[0])
	}
	return finalized, nil
}

// DistributeOrFinalize pushes the full payout list to the contract.
func (e *Escrow) DistributeOrFinalize(ctx context.Context, lobbyID uint64, recipients []common.Address, amounts []*big.Int, totalPayout, totalFee *big.Int) (common.Hash, error) {
	if len(recipients) != len(amounts) {
		return common.Hash{}, fmt.Errorf("chain: %d recipients but %d amounts", len(recipients), len(amounts))
	}
	return e.transact(ctx, "distributeOrFinalize", new(big.Int).SetUint64(lobbyID), recipients, amounts, totalPayout, totalFee)
}

// FinalizeWithRoot commits a Merkle root of the payout; recipients claim with proofs.
func (e *Escrow) FinalizeWithRoot(ctx context.Context, lobbyID uint64, root common.Hash, totalPayout, totalFee *big.Int) (common.Hash, error) {
	return e.transact(ctx, "finalizeWithRoot", new(big.Int).SetUint64(lobbyID), [32]byte(root), totalPayout, totalFee)
}

func (e *Escrow) transact(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if e.key == nil {
		return common.Hash{}, ErrReadOnly
	}
	parsed, err := escrowABI()
	if err != nil {
		return common.Hash{}, err
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price: %w", err)
	}
	to := e.address
	gas := e.gasLimit
	if gas == 0 {
		estimated, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &to, GasPrice: gasPrice, Data: input})
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: estimate %s: %w", method, err)
		}
		gas = estimated + estimated/5
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign %s: %w", method, err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

// WaitMined polls until txHash has a successful receipt buried under the configured
// confirmation depth. A failed receipt returns ErrReverted.
func (e *Escrow) WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if (txHash == common.Hash{}) {
		return nil, fmt.Errorf("chain: tx hash required")
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.confirmed(ctx, txHash)
		if err != nil {
			return receipt, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Escrow) confirmed(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())
	}
	if e.confirmations == 0 {
		return receipt, nil
	}
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < e.confirmations {
		return nil, nil
	}
	return receipt, nil
}
