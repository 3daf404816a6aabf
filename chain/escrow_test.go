package chain

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	head      uint64
	logs      []gethtypes.Log
	queries   []ethereum.FilterQuery
	finalized bool
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return append([]gethtypes.Log(nil), f.logs...), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	parsed, err := escrowABI()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return parsed.Methods["isFinalized"].Outputs.Pack(f.finalized)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

var escrowAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")

func depositLog(lobby uint64, player common.Address, amount int64, block uint64, index uint) gethtypes.Log {
	data := common.LeftPadBytes(big.NewInt(amount).Bytes(), 32)
	return gethtypes.Log{
		Address:     escrowAddr,
		Topics:      []common.Hash{DepositedTopic, common.BigToHash(new(big.Int).SetUint64(lobby)), common.BytesToHash(player.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
		Index:       index,
	}
}

func TestFilterDepositsDecodesLogsAndTopics(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	backend := &fakeBackend{logs: []gethtypes.Log{
		depositLog(42, player, 1_000_000, 10, 0),
		{Address: escrowAddr, Topics: []common.Hash{common.HexToHash("0x01")}},
	}}
	escrow, err := NewEscrow(backend, escrowAddr)
	require.NoError(t, err)

	lobby := uint64(42)
	deposits, err := escrow.FilterDeposits(context.Background(), DepositFilter{LobbyID: &lobby, Player: &player})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, uint64(42), deposits[0].LobbyID)
	require.Equal(t, player, deposits[0].Player)
	require.Equal(t, int64(1_000_000), deposits[0].Amount.Int64())
	require.Equal(t, uint64(10), deposits[0].BlockNumber)

	require.Len(t, backend.queries, 1)
	q := backend.queries[0]
	require.Equal(t, []common.Address{escrowAddr}, q.Addresses)
	require.Equal(t, DepositedTopic, q.Topics[0][0])
	require.Equal(t, common.BigToHash(big.NewInt(42)), q.Topics[1][0])
	require.Equal(t, common.BytesToHash(player.Bytes()), q.Topics[2][0])
	require.Nil(t, q.ToBlock)
}

func TestIsFinalizedDecodesBool(t *testing.T) {
	backend := &fakeBackend{finalized: true}
	escrow, err := NewEscrow(backend, escrowAddr)
	require.NoError(t, err)
	done, err := escrow.IsFinalized(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, done)
}

func TestTransactionsRequireSigner(t *testing.T) {
	escrow, err := NewEscrow(&fakeBackend{}, escrowAddr)
	require.NoError(t, err)
	_, err = escrow.FinalizeWithRoot(context.Background(), 1, common.Hash{}, big.NewInt(1), big.NewInt(0))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestDistributeSignsAndWaitsForConfirmations(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{head: 100, receipts: map[common.Hash]*gethtypes.Receipt{}}
	escrow, err := NewEscrow(backend, escrowAddr,
		WithSigner(key, big.NewInt(31337)),
		WithConfirmations(3, time.Millisecond))
	require.NoError(t, err)

	recipients := []common.Address{common.HexToAddress("0xaa"), common.HexToAddress("0xcc")}
	amounts := []*big.Int{big.NewInt(1_904_761), big.NewInt(952_380)}
	hash, err := escrow.DistributeOrFinalize(context.Background(), 7, recipients, amounts, big.NewInt(2_857_142), big.NewInt(142_858))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint64(120_000), tx.Gas())
	sender, err := gethtypes.Sender(gethtypes.NewEIP155Signer(big.NewInt(31337)), tx)
	require.NoError(t, err)
	require.Equal(t, escrow.Sender(), sender)

	parsed, err := escrowABI()
	require.NoError(t, err)
	method, err := parsed.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "distributeOrFinalize", method.Name)

	backend.mu.Lock()
	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)}
	backend.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = escrow.WaitMined(ctx, hash)
	require.ErrorIs(t, err, context.DeadlineExceeded, "two confirmations are not enough")

	backend.mu.Lock()
	backend.head = 101
	backend.mu.Unlock()
	receipt, err := escrow.WaitMined(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, uint64(99), receipt.BlockNumber.Uint64())
}

func TestWaitMinedReportsRevert(t *testing.T) {
	hash := common.HexToHash("0xdead")
	backend := &fakeBackend{receipts: map[common.Hash]*gethtypes.Receipt{
		hash: {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(5)},
	}}
	escrow, err := NewEscrow(backend, escrowAddr)
	require.NoError(t, err)
	_, err = escrow.WaitMined(context.Background(), hash)
	require.ErrorIs(t, err, ErrReverted)
}

func TestLoadKeySources(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(gethcrypto.FromECDSA(key))
	want := gethcrypto.PubkeyToAddress(key.PublicKey)

	loaded, err := LoadKey(KeySource{Hex: "0x" + hexKey})
	require.NoError(t, err)
	require.Equal(t, want, gethcrypto.PubkeyToAddress(loaded.PublicKey))

	t.Setenv("SETTLERD_TEST_KEY", hexKey)
	loaded, err = LoadKey(KeySource{Env: "SETTLERD_TEST_KEY"})
	require.NoError(t, err)
	require.Equal(t, want, gethcrypto.PubkeyToAddress(loaded.PublicKey))

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, SaveKeystore(path, key, "correct horse"))
	loaded, err = LoadKey(KeySource{Keystore: path, Passphrase: func() (string, error) { return "correct horse", nil }})
	require.NoError(t, err)
	require.Equal(t, want, gethcrypto.PubkeyToAddress(loaded.PublicKey))

	_, err = LoadKey(KeySource{})
	require.ErrorIs(t, err, ErrNoSigner)
	_, err = LoadKey(KeySource{Hex: hexKey, Env: "X"})
	require.Error(t, err)
}
