package cfg

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/evmtrace/txcfg/disasm"
	"github.com/evmtrace/txcfg/slotmap"
	"github.com/evmtrace/txcfg/trace"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrT = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	userU = common.HexToAddress("0x0000000000000000000000000000000000000011")
)

func mkStep(addr common.Address, pc uint64, op string, gas uint64, stack ...string) *trace.Step {
	return &trace.Step{Address: addr, PC: pc, Op: op, GasCost: gas, Stack: stack}
}

func mkTrace(steps ...*trace.Step) *trace.Trace {
	return &trace.Trace{TxHash: "0xtest", Steps: steps}
}

func indexFor(code map[common.Address][]byte) *disasm.Index {
	return disasm.BuildIndex(code)
}

func TestConstructJumpEdge(t *testing.T) {
	// PUSH1 0x06, JUMP, 3x STOP (dead), JUMPDEST, PUSH1 0x00, POP, STOP
	code := []byte{0x60, 0x06, 0x56, 0x00, 0x00, 0x00, 0x5b, 0x60, 0x00, 0x50, 0x00}
	ctor := &Constructor{Index: indexFor(map[common.Address][]byte{addrA: code})}
	res, err := ctor.Construct(mkTrace(
		mkStep(addrA, 0, "PUSH1", 3),
		mkStep(addrA, 2, "JUMP", 8, "0x6"),
		mkStep(addrA, 6, "JUMPDEST", 1),
		mkStep(addrA, 7, "PUSH1", 3),
		mkStep(addrA, 9, "POP", 2),
		mkStep(addrA, 10, "STOP", 0),
	))
	require.NoError(t, err)
	g := res.Graph

	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	require.Equal(t, EdgeJump, g.Edges[0].Type)
	require.Equal(t, 1, g.Edges[0].ID)

	entry, ok := g.NodeByKey(addrA, 0)
	require.True(t, ok)
	require.Equal(t, uint64(11), entry.TotalGas) // 3 + 8
	dest, ok := g.NodeByKey(addrA, 6)
	require.True(t, ok)
	require.Equal(t, uint64(6), dest.TotalGas) // 1 + 3 + 2 + 0
	require.Zero(t, res.SkippedSteps)
}

func TestConstructNotJumpFallthrough(t *testing.T) {
	// PUSH1 0x01, POP, JUMPDEST, STOP: control falls through into the
	// JUMPDEST without a jump.
	code := []byte{0x60, 0x01, 0x50, 0x5b, 0x00}
	ctor := &Constructor{Index: indexFor(map[common.Address][]byte{addrA: code})}
	res, err := ctor.Construct(mkTrace(
		mkStep(addrA, 0, "PUSH1", 3),
		mkStep(addrA, 2, "POP", 2),
		mkStep(addrA, 3, "JUMPDEST", 1),
		mkStep(addrA, 4, "STOP", 0),
	))
	require.NoError(t, err)
	g := res.Graph
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	require.Equal(t, EdgeNotJump, g.Edges[0].Type)
	require.Equal(t, uint64(0), g.Edges[0].Source.StartPC)
	require.Equal(t, uint64(3), g.Edges[0].Target.StartPC)
}

func TestConstructNodeUniquenessOnLoop(t *testing.T) {
	// JUMPDEST, PUSH1 0x00, JUMP back to 0: the block is interned once,
	// every iteration adds a new self-loop edge with a fresh id.
	code := []byte{0x5b, 0x60, 0x00, 0x56}
	ctor := &Constructor{Index: indexFor(map[common.Address][]byte{addrA: code})}
	res, err := ctor.Construct(mkTrace(
		mkStep(addrA, 0, "JUMPDEST", 1),
		mkStep(addrA, 1, "PUSH1", 3),
		mkStep(addrA, 3, "JUMP", 8, "0x0"),
		mkStep(addrA, 0, "JUMPDEST", 1),
		mkStep(addrA, 1, "PUSH1", 3),
		mkStep(addrA, 3, "JUMP", 8, "0x0"),
		mkStep(addrA, 0, "JUMPDEST", 1),
	))
	require.NoError(t, err)
	g := res.Graph
	require.Len(t, g.Nodes, 1)
	require.Len(t, g.Edges, 2)
	require.Equal(t, []int{1, 2}, []int{g.Edges[0].ID, g.Edges[1].ID})

	// Revisited PCs contribute gas exactly once.
	n := g.Nodes[0]
	require.Equal(t, uint64(12), n.TotalGas) // 1 + 3 + 8
}

func TestGasDedupByAddrPC(t *testing.T) {
	n := newNode(1, &disasm.Block{Address: addrA, StartPC: 0, EndPC: 4})
	n.AddGas(addrA, 0, 3)
	n.AddGas(addrA, 2, 5)
	n.AddGas(addrA, 0, 3) // revisit, ignored
	require.Equal(t, uint64(8), n.TotalGas)
	// Same PC under a different contract is a distinct key.
	n.AddGas(addrT, 0, 7)
	require.Equal(t, uint64(15), n.TotalGas)
}

func TestConstructEthTransfer(t *testing.T) {
	// PUSH1 0x00, CALL, STOP; the CALL carries 1 ETH to 0x..bb.
	code := []byte{0x60, 0x00, 0xf1, 0x00}
	ctor := &Constructor{Index: indexFor(map[common.Address][]byte{addrA: code})}
	res, err := ctor.Construct(mkTrace(
		mkStep(addrA, 0, "PUSH1", 3),
		mkStep(addrA, 2, "CALL", 9700, "0xde0b6b3a7640000", "0xbb", "0x5208"),
		mkStep(addrA, 3, "STOP", 0),
	))
	require.NoError(t, err)

	require.Len(t, res.Changes, 1)
	eth, ok := res.Changes[0].(*EthTransfer)
	require.True(t, ok)
	require.Equal(t, addrA, eth.From)
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000bb"), eth.To)
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	require.Zero(t, eth.Value.Cmp(oneEther))
	require.Equal(t, uint64(2), eth.PC)

	// The CALL also produced a CALL-typed edge and an eth_transfer action
	// on the block containing the CALL.
	g := res.Graph
	require.Len(t, g.Edges, 1)
	require.Equal(t, EdgeCall, g.Edges[0].Type)
	callNode, ok := g.NodeByKey(addrA, 0)
	require.True(t, ok)
	require.Len(t, callNode.Actions, 1)
	require.Equal(t, ActionEthTransfer, callNode.Actions[0].Type)
	require.True(t, callNode.Actions[0].SendEth)
}

func TestConstructZeroValueCallIgnored(t *testing.T) {
	code := []byte{0x60, 0x00, 0xf1, 0x00}
	ctor := &Constructor{Index: indexFor(map[common.Address][]byte{addrA: code})}
	res, err := ctor.Construct(mkTrace(
		mkStep(addrA, 0, "PUSH1", 3),
		mkStep(addrA, 2, "CALL", 9700, "0x0", "0xbb", "0x5208"),
		mkStep(addrA, 3, "STOP", 0),
	))
	require.NoError(t, err)
	require.Empty(t, res.Changes)
	require.Empty(t, res.Table)
}

func erc20Fixture() (*Constructor, *trace.Trace) {
	// PUSH1 0xaa, SLOAD, PUSH1 (loaded 0x64 visible), PUSH1, SSTORE 0x32, STOP
	code := []byte{0x60, 0xaa, 0x54, 0x60, 0x64, 0x60, 0xaa, 0x55, 0x00}
	ctor := &Constructor{
		Index:      indexFor(map[common.Address][]byte{addrT: code}),
		Slots:      slotmap.Map{slotmap.Key("0xaa"): userU},
		TokenNames: map[common.Address]string{addrT: "TestToken"},
	}
	tr := mkTrace(
		mkStep(addrT, 0, "PUSH1", 3),
		mkStep(addrT, 2, "SLOAD", 2100, "0xaa"),
		mkStep(addrT, 3, "PUSH1", 3, "0x64"), // SLOAD result on top
		mkStep(addrT, 5, "PUSH1", 3, "0x64", "0x32"),
		mkStep(addrT, 7, "SSTORE", 5000, "0x32", "0xaa"),
		mkStep(addrT, 8, "STOP", 0),
	)
	return ctor, tr
}

func TestConstructErc20BalanceChange(t *testing.T) {
	ctor, tr := erc20Fixture()
	res, err := ctor.Construct(tr)
	require.NoError(t, err)

	require.Len(t, res.Changes, 1)
	ch, ok := res.Changes[0].(*Erc20Change)
	require.True(t, ok)
	require.Equal(t, addrT, ch.Token)
	require.Equal(t, "TestToken", ch.TokenName)
	require.Equal(t, userU, ch.User)
	require.Equal(t, int64(-50), ch.Delta.Int64()) // 0x32 - 0x64
	require.Equal(t, uint64(2), ch.SloadPC)
	require.Equal(t, uint64(7), ch.SstorePC)

	// Read and write actions attached to the single block.
	require.Len(t, res.Table, 2)
	node, ok := res.Graph.NodeByKey(addrT, 0)
	require.True(t, ok)
	require.Len(t, node.Actions, 2)
	require.Equal(t, ActionRead, node.Actions[0].Type)
	require.Equal(t, ActionWrite, node.Actions[1].Type)
	require.Equal(t, "0x64", node.Actions[0].Erc20[0].BalanceHex)
	require.Equal(t, "0x32", node.Actions[1].Erc20[0].BalanceHex)
}

func TestConstructUnnamedContractStorageIgnored(t *testing.T) {
	ctor, tr := erc20Fixture()
	ctor.TokenNames = nil
	res, err := ctor.Construct(tr)
	require.NoError(t, err)
	require.Empty(t, res.Changes)
	require.Empty(t, res.Table)
}

func TestConstructZeroDeltaClearsPending(t *testing.T) {
	ctor, tr := erc20Fixture()
	// Store the same value back: no change emitted, pending cleared so a
	// later SSTORE cannot cross-pair with the stale read.
	tr.Steps[4].Stack = []string{"0x64", "0xaa"}
	res, err := ctor.Construct(tr)
	require.NoError(t, err)
	require.Empty(t, res.Changes)
}

func TestConstructFirstStepMismatchFatal(t *testing.T) {
	ctor := &Constructor{Index: disasm.NewIndex()}
	_, err := ctor.Construct(mkTrace(mkStep(addrA, 0, "PUSH1", 3)))
	require.Error(t, err)

	_, err = ctor.Construct(mkTrace())
	require.ErrorIs(t, err, trace.ErrEmptyTrace)
}

func TestConstructMidTraceMismatchRecoverable(t *testing.T) {
	// Contract B's bytecode was never supplied (proxy delegate, say).
	// The CALL edge into it is skipped, replay continues on return.
	code := []byte{0x60, 0x00, 0xf1, 0x00} // PUSH1, CALL, STOP
	addrB := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	ctor := &Constructor{Index: indexFor(map[common.Address][]byte{addrA: code})}
	res, err := ctor.Construct(mkTrace(
		mkStep(addrA, 0, "PUSH1", 3),
		mkStep(addrA, 2, "CALL", 9700, "0x0", "0xbb", "0x5208"),
		mkStep(addrB, 0, "PUSH1", 3),
		mkStep(addrB, 2, "RETURN", 0),
		mkStep(addrA, 3, "STOP", 0),
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.SkippedSteps) // the CALL edge into B
	// B's RETURN still lands back in A's continuation block, so the replay
	// resumes with a TERMINATE edge out of the caller block.
	require.Len(t, res.Graph.Nodes, 2)
	require.Len(t, res.Graph.Edges, 1)
	require.Equal(t, EdgeTerminate, res.Graph.Edges[0].Type)
}
