// Package cfg builds the control-flow graph actually exercised by one
// transaction: a single linear replay of the trace against precomputed
// basic blocks, with node/edge deduplication, per-node gas accounting,
// semantic annotations (ETH transfers, ERC20 balance reads/writes), and a
// linear-chain folding pass for compact rendering.
package cfg

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmtrace/txcfg/disasm"
)

// EdgeType classifies an edge by the opcode that caused the transition.
type EdgeType string

const (
	EdgeNormal    EdgeType = "NORMAL"
	EdgeJump      EdgeType = "JUMP"
	EdgeNotJump   EdgeType = "NOTJUMP"
	EdgeCall      EdgeType = "CALL"
	EdgeTerminate EdgeType = "TERMINATE"
)

// ActionType tags the semantic annotation attached to a node.
type ActionType string

const (
	ActionRead        ActionType = "read"
	ActionWrite       ActionType = "write"
	ActionEthTransfer ActionType = "eth_transfer"
	ActionNone        ActionType = "none"
)

// Erc20Event is one attributed balance-slot access.
type Erc20Event struct {
	Kind       ActionType // ActionRead or ActionWrite
	Token      common.Address
	TokenName  string
	User       common.Address
	BalanceHex string
}

// EthEvent is one value-bearing CALL.
type EthEvent struct {
	From     common.Address
	To       common.Address
	ValueHex string
}

// Action is a tagged variant: exactly one of the payloads matches Type.
type Action struct {
	Type    ActionType
	Erc20   []Erc20Event
	Eth     *EthEvent
	SendEth bool
}

// FoldInfo is attached to a node when it becomes the representative of a
// folded linear chain. Absent, the node's own fields apply.
type FoldInfo struct {
	EndPC        uint64
	BlockCount   int
	TotalGas     uint64
	Actions      []Action
	Instructions []disasm.Instruction
	Folded       bool
}

type gasKey struct {
	addr common.Address
	pc   uint64
}

// Node wraps exactly one basic block by identity. ID is assigned from the
// owning graph's counter at creation and is stable across folding.
type Node struct {
	ID      int
	Block   *disasm.Block
	Address common.Address
	StartPC uint64
	EndPC   uint64

	TotalGas uint64
	Actions  []Action

	Folded     bool
	Visible    bool
	IsFoldRoot bool
	Fold       *FoldInfo

	seenGas map[gasKey]struct{}
}

func newNode(id int, b *disasm.Block) *Node {
	return &Node{
		ID:      id,
		Block:   b,
		Address: b.Address,
		StartPC: b.StartPC,
		EndPC:   b.EndPC,
		Visible: true,
		seenGas: make(map[gasKey]struct{}),
	}
}

// AddGas attributes a step's gas cost to the node, at most once per
// (contract, pc) key. Revisiting a PC inside the same node, e.g. a loop
// collapsed into one block, must not double count.
func (n *Node) AddGas(addr common.Address, pc uint64, cost uint64) {
	k := gasKey{addr, pc}
	if _, dup := n.seenGas[k]; dup {
		return
	}
	n.seenGas[k] = struct{}{}
	n.TotalGas += cost
}

// EffectiveEndPC is the folded end PC when the node roots a chain.
func (n *Node) EffectiveEndPC() uint64 {
	if n.Fold != nil && n.Fold.Folded {
		return n.Fold.EndPC
	}
	return n.EndPC
}

// EffectiveGas is the merged gas when the node roots a chain.
func (n *Node) EffectiveGas() uint64 {
	if n.Fold != nil && n.Fold.Folded {
		return n.Fold.TotalGas
	}
	return n.TotalGas
}

// EffectiveActions is the merged action list when the node roots a chain.
func (n *Node) EffectiveActions() []Action {
	if n.Fold != nil && n.Fold.Folded {
		return n.Fold.Actions
	}
	return n.Actions
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(%d %s@%#x..%#x gas=%d)", n.ID, n.Address.Hex(), n.StartPC, n.EndPC, n.TotalGas)
}

// Edge connects two nodes. IDs strictly increase in discovery order and
// are never renumbered, even when folding re-points an edge; the ordering
// is how chronology is restored after folding.
type Edge struct {
	ID      int
	Source  *Node
	Target  *Node
	Type    EdgeType
	Folded  bool
	Visible bool
}

type nodeKey struct {
	addr common.Address
	pc   uint64
}

// Graph is the transaction CFG. Node identity is (address, startPC);
// insertion order is preserved for deterministic rendering. The id
// counters live on the instance so concurrent analyses never couple.
type Graph struct {
	TxHash string
	Nodes  []*Node
	Edges  []*Edge

	byKey      map[nodeKey]*Node
	nextNodeID int
	nextEdgeID int
}

func NewGraph(txHash string) *Graph {
	return &Graph{
		TxHash:     txHash,
		byKey:      make(map[nodeKey]*Node),
		nextNodeID: 1,
		nextEdgeID: 1,
	}
}

// Intern returns the unique node for the block, creating it on first use.
func (g *Graph) Intern(b *disasm.Block) *Node {
	k := nodeKey{b.Address, b.StartPC}
	if n, ok := g.byKey[k]; ok {
		return n
	}
	n := newNode(g.nextNodeID, b)
	g.nextNodeID++
	g.byKey[k] = n
	g.Nodes = append(g.Nodes, n)
	return n
}

// NodeByKey looks a node up by its (address, startPC) identity.
func (g *Graph) NodeByKey(addr common.Address, startPC uint64) (*Node, bool) {
	n, ok := g.byKey[nodeKey{addr, startPC}]
	return n, ok
}

// NodeByPC finds the node whose base block range contains (addr, pc).
// Folded ranges are deliberately ignored: semantic rows and transfer PCs
// always attach to the block that really executed them.
func (g *Graph) NodeByPC(addr common.Address, pc uint64) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.Address == addr && pc >= n.StartPC && pc <= n.EndPC {
			return n, true
		}
	}
	return nil, false
}

// AddEdge appends an edge with the next id.
func (g *Graph) AddEdge(src, dst *Node, typ EdgeType) *Edge {
	e := &Edge{ID: g.nextEdgeID, Source: src, Target: dst, Type: typ, Visible: true}
	g.nextEdgeID++
	g.Edges = append(g.Edges, e)
	return e
}

// addEdgeWithID re-points a folded edge while preserving its original id.
func (g *Graph) addEdgeWithID(id int, src, dst *Node, typ EdgeType) *Edge {
	e := &Edge{ID: id, Source: src, Target: dst, Type: typ, Visible: true}
	g.Edges = append(g.Edges, e)
	return e
}

func (g *Graph) String() string {
	return fmt.Sprintf("CFG(tx=%s nodes=%d edges=%d)", g.TxHash, len(g.Nodes), len(g.Edges))
}
