package render

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/evmtrace/txcfg/cfg"
	"github.com/evmtrace/txcfg/disasm"
	"github.com/evmtrace/txcfg/flow"
)

var (
	contractA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	userC     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	userD     = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

func sampleGraph() *cfg.Graph {
	g := cfg.NewGraph("0xtx")
	n1 := g.Intern(&disasm.Block{Address: contractA, StartPC: 0, EndPC: 10})
	n2 := g.Intern(&disasm.Block{Address: contractA, StartPC: 11, EndPC: 20})
	n3 := g.Intern(&disasm.Block{Address: tokenB, StartPC: 0, EndPC: 5})
	g.AddEdge(n1, n2, cfg.EdgeJump)
	g.AddEdge(n2, n3, cfg.EdgeCall)
	return g
}

func TestTransactionDOT(t *testing.T) {
	g := sampleGraph()
	out, colors := TransactionDOT(g, Config{
		Names: map[common.Address]string{contractA: "Router"},
		Erc20: map[common.Address]string{tokenB: "USDX"},
	})
	s := string(out)

	require.True(t, strings.HasPrefix(s, "digraph CFG {"))
	require.Contains(t, s, "rankdir=TB;")
	require.Contains(t, s, "node_1 [shape=record")
	require.Contains(t, s, "node_3 [shape=ellipse") // token contracts draw as ellipses
	require.Contains(t, s, "Router")
	require.Contains(t, s, `node_1 -> node_2 [label="(1) JUMP"`)
	require.Contains(t, s, `node_2 -> node_3 [label="(2) CALL"`)

	// One color per contract, assigned by first appearance.
	require.Len(t, colors, 2)
	require.Equal(t, contractColors[0], colors[contractA])
	require.Equal(t, contractColors[1], colors[tokenB])
}

func TestTransactionDOTSkipsHidden(t *testing.T) {
	g := sampleGraph()
	cfg.FoldLinearChains(g)
	// The two contractA blocks folded; only the root and the re-pointed
	// CALL edge may render.
	out, _ := TransactionDOT(g, Config{})
	s := string(out)
	require.Contains(t, s, "node_1 ")
	require.NotContains(t, s, "node_2 [")
	require.Contains(t, s, "2 blocks")
	require.Contains(t, s, `node_1 -> node_3 [label="(2) CALL"`)
	require.NotContains(t, s, "node_1 -> node_2")
}

func TestTransactionDOTRankDir(t *testing.T) {
	out, _ := TransactionDOT(sampleGraph(), Config{RankDir: "LR"})
	require.Contains(t, string(out), "rankdir=LR;")
}

func TestNodeLabelEscaping(t *testing.T) {
	g := cfg.NewGraph("0xtx")
	n := g.Intern(&disasm.Block{Address: contractA, StartPC: 0, EndPC: 4})
	n.Actions = append(n.Actions, cfg.Action{
		Type:    cfg.ActionEthTransfer,
		SendEth: true,
		Eth:     &cfg.EthEvent{From: contractA, To: userC, ValueHex: "0xde0b6b3a7640000"},
	})
	out, _ := TransactionDOT(g, Config{})
	s := string(out)
	require.Contains(t, s, `ETH `)
	require.NotContains(t, s, "\"{") // braces must be escaped inside record labels
}

func TestAssetFlowDOT(t *testing.T) {
	amount := new(big.Float).SetFloat64(1.5)
	res := &flow.Result{
		Transfers: []*flow.PairedTransfer{
			{Order: 1, From: userC, To: userD, Amount: amount, Token: "USDX", TokenAddr: tokenB},
		},
		Annotations: map[common.Address][]string{
			userD: {"(2) DAI: +1.00×10<sup><font point-size='8'>2</font></sup>"},
		},
		Pending: map[common.Address]*flow.Pending{},
	}
	out := AssetFlowDOT(res, []common.Address{userC, userD}, Config{
		Erc20: map[common.Address]string{tokenB: "USDX"},
	}, map[common.Address]string{tokenB: "#81C784"})
	s := string(out)

	require.Contains(t, s, "digraph AssetFlow {")
	require.Contains(t, s, "shape=diamond") // users
	require.Contains(t, s, "User 1")
	require.Contains(t, s, "User 2")
	require.Contains(t, s, "(1) USDX: 1.50×10")
	require.Contains(t, s, "(2) DAI:") // annotation joined into the holder's label
	require.Contains(t, s, `color="#81C784"`)
}

func TestAssetFlowDOTWethMintBurn(t *testing.T) {
	res := &flow.Result{
		Annotations: map[common.Address][]string{},
		Pending: map[common.Address]*flow.Pending{
			tokenB: {Order: 1, User: userC, Value: big.NewInt(-5), Token: "WETH", TokenAddr: tokenB, Decimals: 0},
		},
	}
	out := AssetFlowDOT(res, []common.Address{userC}, Config{}, nil)
	s := string(out)
	require.Contains(t, s, "WETH(burn)")
	require.Contains(t, s, "style=dashed")
	// burn: user -> token
	require.Contains(t, s,
		"\""+strings.ToLower(userC.Hex())+"\" -> \""+strings.ToLower(tokenB.Hex())+"\"")

	res.Pending[tokenB].Value = big.NewInt(5)
	s = string(AssetFlowDOT(res, []common.Address{userC}, Config{}, nil))
	require.Contains(t, s, "WETH(mint)")
	require.Contains(t, s,
		"\""+strings.ToLower(tokenB.Hex())+"\" -> \""+strings.ToLower(userC.Hex())+"\"")
}

func TestAssetFlowDOTWethEdgesChronological(t *testing.T) {
	tokenW := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	res := &flow.Result{
		Annotations: map[common.Address][]string{},
		Pending: map[common.Address]*flow.Pending{
			tokenW: {Order: 2, User: userC, Value: big.NewInt(3), Token: "WETH", TokenAddr: tokenW, Decimals: 0},
			tokenB: {Order: 1, User: userC, Value: big.NewInt(-5), Token: "WETH", TokenAddr: tokenB, Decimals: 0},
		},
	}
	s := string(AssetFlowDOT(res, []common.Address{userC}, Config{}, nil))
	burn := strings.Index(s, "(1) WETH(burn)")
	mint := strings.Index(s, "(2) WETH(mint)")
	require.GreaterOrEqual(t, burn, 0)
	require.Greater(t, mint, burn)
}

func TestTransactionTable(t *testing.T) {
	var buf bytes.Buffer
	TransactionTable(&buf, []cfg.TableRow{
		{PC: 0x2a, Op: "CALL", From: contractA, HasFrom: true, To: userC, HasTo: true, IsEth: true, Amount: "0xde0b6b3a7640000"},
		{PC: 0x10, Op: "SLOAD", From: userC, HasFrom: true, TokenName: "USDX", TokenAddr: tokenB, Amount: "0x64"},
	})
	s := buf.String()
	require.Contains(t, s, "0x2a")
	require.Contains(t, s, "CALL")
	require.Contains(t, s, "ETH")
	require.Contains(t, s, "0x64")
	require.Contains(t, s, "USDX")
	require.Contains(t, s, strings.ToLower(userC.Hex()))
	// The missing counterparty prints as a dash.
	require.Contains(t, s, "-")
}
