package cfg

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/evmtrace/txcfg/disasm"
)

// FoldLinearChains collapses maximal single-parent/single-child runs of
// same-contract nodes into their head node for display. Nothing is
// deleted: interior nodes and edges are marked invisible, the head gets a
// FoldInfo with the merged data, and re-pointed edges keep their original
// ids so chronological ordering survives.
func FoldLinearChains(g *Graph) {
	processed := mapset.NewThreadUnsafeSet[*Node]()
	for _, n := range g.Nodes {
		if processed.Contains(n) {
			continue
		}
		chain := linearChain(g, n)
		if len(chain) <= 1 {
			processed.Add(n)
			continue
		}
		head, rest := chain[0], chain[1:]
		mergeFoldInfo(head, rest)

		// The tail's outgoing edges move onto the head, id preserved.
		tail := chain[len(chain)-1]
		var tailOut []*Edge
		for _, e := range g.Edges {
			if e.Source == tail {
				tailOut = append(tailOut, e)
			}
		}
		for _, e := range tailOut {
			g.addEdgeWithID(e.ID, head, e.Target, e.Type)
		}

		for _, m := range rest {
			m.Folded = true
			m.Visible = false
			processed.Add(m)
			for _, e := range g.Edges {
				if e.Source == m || e.Target == m {
					e.Folded = true
					e.Visible = false
				}
			}
		}
		processed.Add(head)
		head.Folded = true
		head.IsFoldRoot = true
	}
}

// linearChain walks from start through unique same-address children whose
// only parent is the previous chain member. A revisit of a chain member
// (a loop) also ends the walk.
func linearChain(g *Graph, start *Node) []*Node {
	chain := []*Node{start}
	inChain := map[*Node]struct{}{start: {}}
	cur := start
	for {
		children := uniqueChildren(g, cur)
		var next *Node
		count := 0
		for c := range children {
			if c.Address == start.Address {
				next = c
				count++
			}
		}
		if count != 1 {
			break
		}
		parents := uniqueParents(g, next)
		if len(parents) != 1 {
			break
		}
		if _, ok := parents[cur]; !ok {
			break
		}
		if _, looped := inChain[next]; looped {
			break
		}
		chain = append(chain, next)
		inChain[next] = struct{}{}
		cur = next
	}
	return chain
}

func uniqueChildren(g *Graph, n *Node) map[*Node]struct{} {
	out := make(map[*Node]struct{})
	for _, e := range g.Edges {
		if e.Source == n {
			out[e.Target] = struct{}{}
		}
	}
	return out
}

func uniqueParents(g *Graph, n *Node) map[*Node]struct{} {
	out := make(map[*Node]struct{})
	for _, e := range g.Edges {
		if e.Target == n {
			out[e.Source] = struct{}{}
		}
	}
	return out
}

func mergeFoldInfo(head *Node, rest []*Node) {
	last := rest[len(rest)-1]
	fi := &FoldInfo{
		EndPC:        last.EndPC,
		BlockCount:   1 + len(rest),
		TotalGas:     head.TotalGas,
		Actions:      append([]Action(nil), head.Actions...),
		Instructions: append([]disasm.Instruction(nil), head.Block.Instructions...),
		Folded:       true,
	}
	for _, m := range rest {
		fi.TotalGas += m.TotalGas
		fi.Actions = append(fi.Actions, m.Actions...)
		fi.Instructions = append(fi.Instructions, m.Block.Instructions...)
	}
	head.Fold = fi
}
