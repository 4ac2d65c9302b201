package flow

import (
	"encoding/json"
	"sort"

	"github.com/evmtrace/txcfg/cfg"
)

// Link types, by transfer kind.
const (
	LinkEthTransfer   = "ETH_TRANSFER"
	LinkErc20Transfer = "ERC20_TOKEN_TRANSFER"
	LinkErc20Change   = "ERC20_BALANCE_CHANGE"
)

// EdgeLink resolves one asset-flow edge back onto the CFG node(s) whose
// base PC ranges contain its source PCs. Consumed only by rendering.
type EdgeLink struct {
	EdgeID int
	Type   string

	// Exactly one group is populated, by Type.
	Eth      *cfg.Node
	Sender   [2]*cfg.Node // SLOAD node, SSTORE node
	Receiver [2]*cfg.Node
	Change   [2]*cfg.Node // may contain nils for unmatched PCs
}

// Link builds the edge-to-node linkage for every paired transfer and
// every still-pending change. ERC20 pairs require all four PC lookups to
// succeed; pending changes are reported even when a lookup misses.
func Link(res *Result, g *cfg.Graph) []*EdgeLink {
	var links []*EdgeLink
	for _, t := range res.Transfers {
		if t.IsEth {
			if n, ok := g.NodeByPC(t.From, t.PCs.EthPC); ok {
				links = append(links, &EdgeLink{EdgeID: t.Order, Type: LinkEthTransfer, Eth: n})
			}
			continue
		}
		sl, ok1 := g.NodeByPC(t.TokenAddr, t.PCs.SenderSloadPC)
		ss, ok2 := g.NodeByPC(t.TokenAddr, t.PCs.SenderSstorePC)
		rl, ok3 := g.NodeByPC(t.TokenAddr, t.PCs.ReceiverSloadPC)
		rs, ok4 := g.NodeByPC(t.TokenAddr, t.PCs.ReceiverSstorePC)
		if ok1 && ok2 && ok3 && ok4 {
			links = append(links, &EdgeLink{
				EdgeID:   t.Order,
				Type:     LinkErc20Transfer,
				Sender:   [2]*cfg.Node{sl, ss},
				Receiver: [2]*cfg.Node{rl, rs},
			})
		}
	}
	for _, p := range res.Pending {
		sl, _ := g.NodeByPC(p.TokenAddr, p.SloadPC)
		ss, _ := g.NodeByPC(p.TokenAddr, p.SstorePC)
		links = append(links, &EdgeLink{
			EdgeID: p.Order,
			Type:   LinkErc20Change,
			Change: [2]*cfg.Node{sl, ss},
		})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].EdgeID < links[j].EdgeID })
	return links
}

type linkJSON struct {
	EdgeID        int         `json:"edge_id"`
	Type          string      `json:"type"`
	MatchedBlocks interface{} `json:"matched_blocks"`
}

type blockRef struct {
	BlockID int `json:"BlockID"`
}

func refOf(n *cfg.Node) *blockRef {
	if n == nil {
		return nil
	}
	return &blockRef{BlockID: n.ID}
}

func (l *EdgeLink) MarshalJSON() ([]byte, error) {
	out := linkJSON{EdgeID: l.EdgeID, Type: l.Type}
	switch l.Type {
	case LinkEthTransfer:
		out.MatchedBlocks = refOf(l.Eth)
	case LinkErc20Transfer:
		out.MatchedBlocks = map[string][]*blockRef{
			"sender":   {refOf(l.Sender[0]), refOf(l.Sender[1])},
			"receiver": {refOf(l.Receiver[0]), refOf(l.Receiver[1])},
		}
	case LinkErc20Change:
		out.MatchedBlocks = []*blockRef{refOf(l.Change[0]), refOf(l.Change[1])}
	}
	return json.Marshal(out)
}

// LinksJSON serializes the linkage the way the downstream renderer
// expects it on disk.
func LinksJSON(links []*EdgeLink) ([]byte, error) {
	return json.MarshalIndent(links, "", "    ")
}
