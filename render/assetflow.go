package render

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmtrace/txcfg/flow"
)

// AssetFlowDOT renders the paired-transfer graph: users as diamonds,
// tokens as ellipses, other contracts as records. Paired transfers draw
// in order; unpaired changes annotate their holder's node, except WETH
// entries which draw as dashed mint/burn edges between the token contract
// and the user. colorByAddr comes from TransactionDOT so contracts keep
// the colors the CFG assigned them.
func AssetFlowDOT(res *flow.Result, users []common.Address, conf Config, colorByAddr map[common.Address]string) []byte {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	fmt.Fprintln(w, "digraph AssetFlow {")
	fmt.Fprintln(w, "  rankdir=LR;")

	userSet := make(map[common.Address]bool, len(users))
	for _, u := range users {
		userSet[u] = true
	}
	// Stable "User N" aliases.
	sorted := append([]common.Address(nil), users...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Hex()) < strings.ToLower(sorted[j].Hex())
	})
	alias := make(map[common.Address]string, len(sorted))
	for i, u := range sorted {
		alias[u] = fmt.Sprintf("User %d", i+1)
	}

	// Every address the graph touches.
	addrs := make(map[common.Address]bool)
	for _, t := range res.Transfers {
		addrs[t.From] = true
		addrs[t.To] = true
	}
	for a := range res.Annotations {
		addrs[a] = true
	}
	for _, p := range res.Pending {
		addrs[p.User] = true
		addrs[p.TokenAddr] = true
	}
	var ordered []common.Address
	for a := range addrs {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.ToLower(ordered[i].Hex()) < strings.ToLower(ordered[j].Hex())
	})

	for _, a := range ordered {
		shape := "record"
		display := conf.Names[a]
		switch {
		case userSet[a]:
			shape = "diamond"
			display = alias[a]
			if display == "" {
				display = "Unknown User"
			}
		default:
			if _, isToken := conf.Erc20[a]; isToken {
				shape = "ellipse"
			}
			if display == "" {
				display = shortAddr(a)
			}
		}
		color := colorByAddr[a]
		if color == "" {
			color = "#FFFFFF"
		}
		lines := []string{escapeHTML(display)}
		lines = append(lines, res.Annotations[a]...)
		fmt.Fprintf(w, "  \"%s\" [label=<%s>, shape=%s, fillcolor=\"%s\", style=filled];\n",
			strings.ToLower(a.Hex()), strings.Join(lines, "<br/>"), shape, color)
	}

	for _, t := range res.Transfers {
		color := colorByAddr[t.TokenAddr]
		if t.IsEth {
			color = colorByAddr[t.From]
		}
		if color == "" {
			color = "#FFFFFF"
		}
		label := fmt.Sprintf("(%d) %s: %s", t.Order, escapeHTML(t.Token), flow.FormatAmountHTML(t.Amount, 2, 8))
		fmt.Fprintf(w, "  \"%s\" -> \"%s\" [label=<%s>, color=\"%s\", fontcolor=\"%s\"];\n",
			strings.ToLower(t.From.Hex()), strings.ToLower(t.To.Hex()), label, color, color)
	}

	// WETH mint/burn edges from unpaired changes, in chronological order.
	for _, p := range res.SortedPending() {
		if !flow.IsWrappedEther(p.Token) {
			continue
		}
		amount := flow.FormatAmountHTML(flow.Scaled(p.Value, p.Decimals), 2, 8)
		color := colorByAddr[p.TokenAddr]
		if color == "" {
			color = "#FFFFFF"
		}
		src, dst, verb := p.TokenAddr, p.User, "mint"
		if p.Value.Sign() < 0 {
			src, dst, verb = p.User, p.TokenAddr, "burn"
		}
		fmt.Fprintf(w, "  \"%s\" -> \"%s\" [label=<(%d) WETH(%s): %s>, color=\"%s\", fontcolor=\"%s\", style=dashed];\n",
			strings.ToLower(src.Hex()), strings.ToLower(dst.Hex()), p.Order, verb, amount, color, color)
	}

	fmt.Fprintln(w, "}")
	w.Flush()
	return buf.Bytes()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
