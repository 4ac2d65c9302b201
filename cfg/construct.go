package cfg

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/evmtrace/txcfg/disasm"
	"github.com/evmtrace/txcfg/slotmap"
	"github.com/evmtrace/txcfg/trace"
)

// Constructor replays a trace against the basic-block index and produces
// the annotated graph plus the balance-change stream. One instance per
// transaction; nothing is shared across calls.
type Constructor struct {
	Index      *disasm.Index
	Slots      slotmap.Map
	TokenNames map[common.Address]string
}

// Result bundles the graph with the semantic by-products of the replay
// and the completeness counters callers should surface (a signal of
// trace/bytecode mismatch, not a failure).
type Result struct {
	Graph        *Graph
	Changes      []BalanceChange
	Table        []TableRow
	SkippedSteps int // steps whose structural effect was dropped
	OrphanRows   int // table rows that matched no node
}

var jumpOps = map[string]struct{}{"JUMP": {}, "JUMPI": {}}

func edgeTypeFor(op string) EdgeType {
	switch op {
	case "JUMP", "JUMPI":
		return EdgeJump
	case "CALL", "CALLCODE", "DELEGATECALL", "STATICCALL":
		return EdgeCall
	case "RETURN", "STOP", "REVERT", "INVALID", "SELFDESTRUCT":
		return EdgeTerminate
	default:
		return EdgeNormal
	}
}

// pendingRW tracks an unconsumed SLOAD per (token, user) until the
// matching SSTORE arrives.
type pendingRW struct {
	readHex string
	readPC  uint64
	hasRead bool
}

type rwKey struct {
	token common.Address
	user  common.Address
}

// Construct runs the single linear replay. It fails only on an empty
// trace or when the very first step matches no basic block; every later
// mismatch degrades by omission.
func (c *Constructor) Construct(t *trace.Trace) (*Result, error) {
	if t == nil || len(t.Steps) == 0 {
		return nil, trace.ErrEmptyTrace
	}
	g := NewGraph(t.TxHash)
	res := &Result{Graph: g}

	first := t.Steps[0]
	firstBlock, ok := c.Index.ByStart(first.Address, first.PC)
	if !ok {
		return nil, fmt.Errorf("no basic block for first step %s pc=%#x", first.Address.Hex(), first.PC)
	}
	current := g.Intern(firstBlock)

	pending := make(map[rwKey]*pendingRW)

	for i, step := range t.Steps {
		// Fallthrough into a JUMPDEST that no jump took us to is control
		// flow the block splitting alone cannot express.
		if step.Op == "JUMPDEST" {
			jdBlock, ok := c.Index.ByStart(step.Address, step.PC)
			if !ok {
				res.SkippedSteps++
				log.Debug("no block for JUMPDEST step", "addr", step.Address, "pc", step.PC)
				continue
			}
			jdNode := g.Intern(jdBlock)
			if i > 0 {
				prev := t.Steps[i-1]
				if _, jumped := jumpOps[prev.Op]; !jumped {
					if prevBlock, ok := c.Index.ByEnd(prev.Address, prev.PC); ok {
						g.AddEdge(g.Intern(prevBlock), jdNode, EdgeNotJump)
					}
				}
			}
			current = jdNode
		}

		switch step.Op {
		case "CALL":
			c.onCall(step, res)
		case "SLOAD":
			c.onSload(t, i, res, pending)
		case "SSTORE":
			c.onSstore(step, res, pending)
		}

		current.AddGas(step.Address, step.PC, step.GasCost)

		if disasm.IsTerminator(step.Op) && i+1 < len(t.Steps) {
			next := t.Steps[i+1]
			nextBlock, ok := c.Index.ByStart(next.Address, next.PC)
			if !ok {
				res.SkippedSteps++
				log.Debug("no block for step after terminator", "addr", next.Address, "pc", next.PC, "op", step.Op)
				continue
			}
			nextNode := g.Intern(nextBlock)
			g.AddEdge(current, nextNode, edgeTypeFor(step.Op))
			current = nextNode
		}
	}

	c.fillActions(g, res)
	return res, nil
}

// onCall records a value-bearing CALL as both a table row and an
// immediate ETH transfer event.
func (c *Constructor) onCall(step *trace.Step, res *Result) {
	if len(step.Stack) < 3 {
		return
	}
	valueHex := step.StackBack(2)
	value := trace.Word(valueHex)
	if value.IsZero() {
		return
	}
	to, _ := trace.HexToAddress(step.StackBack(1))
	res.Table = append(res.Table, TableRow{
		PC: step.PC, Op: "CALL",
		From: step.Address, HasFrom: true,
		To: to, HasTo: true,
		TokenName: "ETH", IsEth: true,
		Amount: normHex(valueHex),
	})
	res.Changes = append(res.Changes, &EthTransfer{
		From:  step.Address,
		To:    to,
		Value: value.ToBig(),
		PC:    step.PC,
	})
}

// onSload records a pending balance read when the slot resolves to a user
// and the executing contract has a known ERC20 name. The loaded value is
// what the next step's stack top shows.
func (c *Constructor) onSload(t *trace.Trace, i int, res *Result, pending map[rwKey]*pendingRW) {
	step := t.Steps[i]
	if len(step.Stack) < 1 {
		return
	}
	user, ok := c.Slots.Resolved(step.StackBack(0))
	if !ok {
		return
	}
	tokenName := c.TokenNames[step.Address]
	if tokenName == "" {
		return
	}
	balanceHex := "0x0"
	if i+1 < len(t.Steps) {
		if top := t.Steps[i+1].StackBack(0); top != "" {
			balanceHex = top
		}
	}
	balanceHex = normHex(balanceHex)
	res.Table = append(res.Table, TableRow{
		PC: step.PC, Op: "SLOAD",
		From: user, HasFrom: true,
		TokenName: tokenName, TokenAddr: step.Address,
		Amount: balanceHex,
	})
	pending[rwKey{step.Address, user}] = &pendingRW{readHex: balanceHex, readPC: step.PC, hasRead: true}
}

// onSstore records the write and, when an unconsumed read exists for the
// same (token, user), emits the signed delta. The pair is cleared even
// when the delta is zero so stale reads never cross-pair.
func (c *Constructor) onSstore(step *trace.Step, res *Result, pending map[rwKey]*pendingRW) {
	if len(step.Stack) < 2 {
		return
	}
	user, ok := c.Slots.Resolved(step.StackBack(0))
	if !ok {
		return
	}
	tokenName := c.TokenNames[step.Address]
	if tokenName == "" {
		return
	}
	writeHex := normHex(step.StackBack(1))
	res.Table = append(res.Table, TableRow{
		PC: step.PC, Op: "SSTORE",
		To: user, HasTo: true,
		TokenName: tokenName, TokenAddr: step.Address,
		Amount: writeHex,
	})
	k := rwKey{step.Address, user}
	rw := pending[k]
	if rw == nil || !rw.hasRead {
		return
	}
	delta := trace.WordBig(writeHex)
	delta.Sub(delta, trace.WordBig(rw.readHex))
	if delta.Sign() != 0 {
		res.Changes = append(res.Changes, &Erc20Change{
			Token:     step.Address,
			TokenName: tokenName,
			User:      user,
			Delta:     delta,
			SloadPC:   rw.readPC,
			SstorePC:  step.PC,
		})
	}
	delete(pending, k)
}

// fillActions folds the table rows into per-node Action values, locating
// each row by its PC against base block ranges.
func (c *Constructor) fillActions(g *Graph, res *Result) {
	perNode := make(map[*Node][]TableRow)
	var order []*Node
	for _, row := range res.Table {
		addr := row.TokenAddr
		if row.IsEth {
			addr = row.From
		}
		node, ok := g.NodeByPC(addr, row.PC)
		if !ok {
			res.OrphanRows++
			log.Debug("semantic row matched no node", "addr", addr, "pc", row.PC, "op", row.Op)
			continue
		}
		if _, seen := perNode[node]; !seen {
			order = append(order, node)
		}
		perNode[node] = append(perNode[node], row)
	}
	for _, node := range order {
		for _, row := range perNode[node] {
			switch {
			case row.IsEth:
				node.Actions = append(node.Actions, Action{
					Type:    ActionEthTransfer,
					SendEth: true,
					Eth:     &EthEvent{From: row.From, To: row.To, ValueHex: row.Amount},
				})
			case row.Op == "SLOAD" || row.Op == "SSTORE":
				kind := ActionRead
				user := row.From
				if row.Op == "SSTORE" {
					kind = ActionWrite
					user = row.To
				}
				node.Actions = append(node.Actions, Action{
					Type: kind,
					Erc20: []Erc20Event{{
						Kind:       kind,
						Token:      row.TokenAddr,
						TokenName:  row.TokenName,
						User:       user,
						BalanceHex: row.Amount,
					}},
				})
			}
		}
	}
}

func normHex(s string) string {
	if s == "" {
		return "0x0"
	}
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}
