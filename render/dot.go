// Package render turns the analyzer's data structures into Graphviz DOT
// text and a plain-text operation table. It only reads core outputs; all
// file and image handling stays with the caller.
package render

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmtrace/txcfg/cfg"
)

var contractColors = []string{
	"#FF9E9E", "#81C784", "#64B5F6", "#FFF176", "#BA68C8",
	"#4DD0E1", "#FFB74D", "#F48FB1", "#AED581", "#7986CB",
}

var edgeColors = map[cfg.EdgeType]string{
	cfg.EdgeNormal:    "#939393",
	cfg.EdgeJump:      "#575757",
	cfg.EdgeNotJump:   "#B5B5B5",
	cfg.EdgeCall:      "#0DFF00",
	cfg.EdgeTerminate: "#FF5100",
}

// Config controls CFG rendering. Names maps addresses to display names;
// Erc20 marks which contracts draw as ellipses (tokens).
type Config struct {
	RankDir string
	Names   map[common.Address]string
	Erc20   map[common.Address]string
}

// TransactionDOT renders the (possibly folded) CFG. Hidden nodes and
// edges are skipped; fold roots show their merged range, gas and block
// count. The returned color map (contract address -> fill color, assigned
// by first appearance) is reused by the asset-flow renderer so one
// contract keeps one color across both graphs.
func TransactionDOT(g *cfg.Graph, conf Config) ([]byte, map[common.Address]string) {
	rankdir := conf.RankDir
	if rankdir == "" {
		rankdir = "TB"
	}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	fmt.Fprintln(w, "digraph CFG {")
	fmt.Fprintf(w, "  rankdir=%s;\n", rankdir)
	fmt.Fprintln(w, `  node [fontname="Arial", fontsize=7, color=black, style=filled, margin=0.1];`)
	fmt.Fprintln(w, `  edge [fontname="Arial", fontsize=4];`)
	fmt.Fprintln(w, `  graph [nodesep=0.3, ranksep=0.3, charset="utf-8", maxiter=100000, dpi=96, ratio=compress];`)

	colorByAddr := make(map[common.Address]string)
	rendered := make(map[int]bool)
	for _, n := range g.Nodes {
		if n.Folded && !n.IsFoldRoot {
			continue
		}
		color, ok := colorByAddr[n.Address]
		if !ok {
			color = contractColors[len(colorByAddr)%len(contractColors)]
			colorByAddr[n.Address] = color
		}
		shape := "record"
		if _, isToken := conf.Erc20[n.Address]; isToken {
			shape = "ellipse"
		}
		fmt.Fprintf(w, "  node_%d [shape=%s, fillcolor=\"%s\", label=\"%s\"];\n",
			n.ID, shape, color, escapeDOT(nodeLabel(n, conf)))
		rendered[n.ID] = true
	}

	for _, e := range g.Edges {
		if !e.Visible || !rendered[e.Source.ID] || !rendered[e.Target.ID] {
			continue
		}
		color := edgeColors[e.Type]
		if color == "" {
			color = edgeColors[cfg.EdgeNormal]
		}
		fmt.Fprintf(w, "  node_%d -> node_%d [label=\"(%d) %s\", color=\"%s\", fontcolor=\"%s\"];\n",
			e.Source.ID, e.Target.ID, e.ID, e.Type, color, color)
	}
	fmt.Fprintln(w, "}")
	w.Flush()
	return buf.Bytes(), colorByAddr
}

func nodeLabel(n *cfg.Node, conf Config) string {
	name := conf.Names[n.Address]
	if name == "" {
		name = shortAddr(n.Address)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nPC %#x..%#x", name, n.StartPC, n.EffectiveEndPC())
	fmt.Fprintf(&b, "\ngas %d", n.EffectiveGas())
	if n.IsFoldRoot && n.Fold != nil {
		fmt.Fprintf(&b, " | %d blocks", n.Fold.BlockCount)
	}
	for _, a := range n.EffectiveActions() {
		switch a.Type {
		case cfg.ActionEthTransfer:
			if a.Eth != nil {
				fmt.Fprintf(&b, "\nETH %s -> %s (%s)", shortHex(a.Eth.From.Hex()), shortHex(a.Eth.To.Hex()), a.Eth.ValueHex)
			}
		default:
			for _, ev := range a.Erc20 {
				fmt.Fprintf(&b, "\n%s %s %s = %s", ev.Kind, ev.TokenName, shortHex(ev.User.Hex()), ev.BalanceHex)
			}
		}
	}
	return b.String()
}

func shortAddr(a common.Address) string {
	return shortHex(strings.ToLower(a.Hex()))
}

func shortHex(s string) string {
	if strings.HasPrefix(s, "0x") && len(s) > 12 {
		return s[:8] + "..." + s[len(s)-4:]
	}
	return s
}

func escapeDOT(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "{", `\{`)
	s = strings.ReplaceAll(s, "}", `\}`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
