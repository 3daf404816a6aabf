package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EscrowABI is the call surface of the lobby escrow contract used by the engine.
const EscrowABI = `[
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[
    {"name":"lobbyId","type":"uint256","indexed":true},
    {"name":"player","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"isFinalized","stateMutability":"view",
    "inputs":[{"name":"lobbyId","type":"uint256"}],
    "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"distributeOrFinalize","stateMutability":"nonpayable",
    "inputs":[
      {"name":"lobbyId","type":"uint256"},
      {"name":"recipients","type":"address[]"},
      {"name":"amounts","type":"uint256[]"},
      {"name":"totalPayout","type":"uint256"},
      {"name":"totalFee","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"finalizeWithRoot","stateMutability":"nonpayable",
    "inputs":[
      {"name":"lobbyId","type":"uint256"},
      {"name":"root","type":"bytes32"},
      {"name":"totalPayout","type":"uint256"},
      {"name":"totalFee","type":"uint256"}],
    "outputs":[]}
]`

// DepositedTopic is the keccak256 signature of the Deposited event.
var DepositedTopic = gethcrypto.Keccak256Hash([]byte("Deposited(uint256,address,uint256)"))

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parseErr   error
)

func escrowABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(EscrowABI))
		if parseErr != nil {
			parseErr = fmt.Errorf("chain: parse escrow abi: %w", parseErr)
		}
	})
	return parsedABI, parseErr
}

// ParseAddress validates a hex account identifier.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("chain: invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}
