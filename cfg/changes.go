package cfg

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceChange is the chronological stream of causal asset movements
// observed during replay: either an outright ETH transfer or a signed
// ERC20 balance delta reconstructed from an SLOAD/SSTORE pair.
type BalanceChange interface {
	balanceChange()
}

// EthTransfer is a value-bearing CALL. Both parties are already known, so
// it never needs pairing downstream.
type EthTransfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int // wei
	PC    uint64
}

// Erc20Change is one user's balance delta inside a token contract:
// Delta = stored value - loaded value, non-zero by construction.
type Erc20Change struct {
	Token     common.Address
	TokenName string
	User      common.Address
	Delta     *big.Int
	SloadPC   uint64
	SstorePC  uint64
}

func (*EthTransfer) balanceChange() {}
func (*Erc20Change) balanceChange() {}

// TableRow is one line of the per-step semantic table kept alongside the
// graph: every detected ETH transfer and attributed storage access, in
// trace order. The table is the single source the node annotations are
// filled from, and what the operation-table renderer consumes.
type TableRow struct {
	PC        uint64
	Op        string
	From      common.Address
	To        common.Address
	HasFrom   bool
	HasTo     bool
	TokenName string
	TokenAddr common.Address
	IsEth     bool
	Amount    string // 0x-hex balance or transfer value
}
