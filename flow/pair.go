// Package flow reconciles the balance-change stream into an asset-flow
// data set: ETH transfers pass straight through, opposite-signed ERC20
// deltas of one token pair into a transfer, and whatever never cancels is
// reported as an unpaired annotation. Results are finally linked back to
// CFG nodes through the recorded PCs.
package flow

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmtrace/txcfg/cfg"
)

// DefaultDecimals applies when a token is missing from the decimals map,
// matching ERC20's overwhelmingly common precision.
const DefaultDecimals = 18

var weiPerEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// SourcePCs carries the trace PCs a transfer was reconstructed from.
// EthPC is set for ETH; the four SLOAD/SSTORE PCs for ERC20 pairs.
type SourcePCs struct {
	EthPC            uint64
	SenderSloadPC    uint64
	SenderSstorePC   uint64
	ReceiverSloadPC  uint64
	ReceiverSstorePC uint64
}

// PairedTransfer is one resolved leg of the asset flow. Order is the
// global chronological sequence number assigned when the flow first
// appeared, so a late-completing pair keeps its original position.
type PairedTransfer struct {
	Order     int
	From      common.Address
	To        common.Address
	Amount    *big.Float // already divided by token decimals (wei->ether for ETH)
	Token     string
	TokenAddr common.Address
	IsEth     bool
	PCs       SourcePCs
}

// Pending is an ERC20 change still waiting for its cancelling opposite.
type Pending struct {
	Order     int
	User      common.Address
	Value     *big.Int
	Token     string
	TokenAddr common.Address
	SloadPC   uint64
	SstorePC  uint64
	Decimals  int
}

// Result is the full pairing output. Dropped counts ERC20 changes that
// arrived while a non-cancelling entry was pending for their token; the
// pairer does not aggregate multi-leg flows, so these are potential
// under-reporting callers may want to surface.
type Result struct {
	Transfers   []*PairedTransfer
	Annotations map[common.Address][]string
	Pending     map[common.Address]*Pending
	Dropped     int
}

// SortedPending returns the still-pending changes in chronological
// order. Annotation and render output follow this order; iterating the
// map directly would scramble it run to run.
func (r *Result) SortedPending() []*Pending {
	out := make([]*Pending, 0, len(r.Pending))
	for _, p := range r.Pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Pair processes the balance changes in chronological order.
func Pair(changes []cfg.BalanceChange, decimals map[common.Address]int) *Result {
	res := &Result{
		Annotations: make(map[common.Address][]string),
		Pending:     make(map[common.Address]*Pending),
	}
	order := 0

	for _, change := range changes {
		switch c := change.(type) {
		case *cfg.EthTransfer:
			// ETH never needs pairing: the CALL names both parties.
			order++
			amount := new(big.Float).SetInt(new(big.Int).Abs(c.Value))
			amount.Quo(amount, weiPerEther)
			res.Transfers = append(res.Transfers, &PairedTransfer{
				Order: order, From: c.From, To: c.To,
				Amount: amount, Token: "ETH", IsEth: true,
				PCs: SourcePCs{EthPC: c.PC},
			})

		case *cfg.Erc20Change:
			dec := DefaultDecimals
			if d, ok := decimals[c.Token]; ok {
				dec = d
			}
			prev, exists := res.Pending[c.Token]
			if !exists {
				order++
				res.Pending[c.Token] = &Pending{
					Order: order, User: c.User, Value: new(big.Int).Set(c.Delta),
					Token: c.TokenName, TokenAddr: c.Token,
					SloadPC: c.SloadPC, SstorePC: c.SstorePC,
					Decimals: dec,
				}
				continue
			}
			sum := new(big.Int).Add(prev.Value, c.Delta)
			if sum.Sign() != 0 {
				// No accumulation: the pending entry keeps waiting for an
				// eventual cancelling change, this one leaves pairing.
				res.Dropped++
				continue
			}
			pt := &PairedTransfer{
				Order:     prev.Order,
				Amount:    Scaled(c.Delta, dec),
				Token:     c.TokenName,
				TokenAddr: c.Token,
			}
			if prev.Value.Sign() < 0 {
				pt.From, pt.To = prev.User, c.User
				pt.PCs = SourcePCs{
					SenderSloadPC: prev.SloadPC, SenderSstorePC: prev.SstorePC,
					ReceiverSloadPC: c.SloadPC, ReceiverSstorePC: c.SstorePC,
				}
			} else {
				pt.From, pt.To = c.User, prev.User
				pt.PCs = SourcePCs{
					SenderSloadPC: c.SloadPC, SenderSstorePC: c.SstorePC,
					ReceiverSloadPC: prev.SloadPC, ReceiverSstorePC: prev.SstorePC,
				}
			}
			res.Transfers = append(res.Transfers, pt)
			delete(res.Pending, c.Token)
		}
	}

	// Whatever is still pending is an unpaired change, annotated in
	// chronological order. WETH entries are kept out of the generic
	// annotations; the renderer draws them as explicit mint/burn edges
	// instead.
	for _, p := range res.SortedPending() {
		if IsWrappedEther(p.Token) {
			continue
		}
		sign := "+"
		if p.Value.Sign() < 0 {
			sign = "-"
		}
		res.Annotations[p.User] = append(res.Annotations[p.User],
			fmt.Sprintf("(%d) %s: %s%s", p.Order, p.Token, sign, FormatAmountHTML(Scaled(p.Value, p.Decimals), 2, 8)))
	}

	sort.SliceStable(res.Transfers, func(i, j int) bool {
		return res.Transfers[i].Order < res.Transfers[j].Order
	})
	return res
}

// IsWrappedEther matches the token names the WETH special-casing applies to.
func IsWrappedEther(name string) bool {
	n := strings.ToLower(name)
	return n == "weth" || n == "wrapped ether"
}

// Scaled divides |v| by 10^decimals.
func Scaled(v *big.Int, decimals int) *big.Float {
	amount := new(big.Float).SetInt(new(big.Int).Abs(v))
	div := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return amount.Quo(amount, div)
}

// FormatAmountHTML renders a value in scientific notation with the
// exponent in a smaller font, for Graphviz HTML-like labels.
func FormatAmountHTML(v *big.Float, precision, supSize int) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	s := v.Text('e', precision) // e.g. 1.23e+05
	i := strings.IndexByte(s, 'e')
	if i < 0 {
		return s
	}
	mantissa := s[:i]
	exp := strings.TrimPrefix(s[i+1:], "+")
	neg := strings.HasPrefix(exp, "-")
	exp = strings.TrimLeft(strings.TrimPrefix(exp, "-"), "0")
	if exp == "" {
		exp, neg = "0", false
	}
	if neg {
		exp = "-" + exp
	}
	return fmt.Sprintf("%s×10<sup><font point-size='%d'>%s</font></sup>", mantissa, supSize, exp)
}
