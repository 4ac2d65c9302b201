package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"

	"github.com/evmtrace/txcfg/cfg"
)

// TransactionTable writes the per-step semantic table: every ETH transfer
// and attributed storage access, in trace order.
func TransactionTable(w io.Writer, rows []cfg.TableRow) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"pc", "op", "from", "to", "token", "balance/amount"})
	t.SetAutoFormatHeaders(false)
	t.SetAlignment(tablewriter.ALIGN_CENTER)
	for _, r := range rows {
		token := r.TokenName
		if r.IsEth {
			token = "ETH"
		}
		t.Append([]string{
			hexPC(r.PC),
			r.Op,
			addrOrDash(r.From, r.HasFrom),
			addrOrDash(r.To, r.HasTo),
			token,
			r.Amount,
		})
	}
	t.Render()
}

func addrOrDash(a common.Address, ok bool) string {
	if !ok {
		return "-"
	}
	return strings.ToLower(a.Hex())
}

func hexPC(pc uint64) string {
	return fmt.Sprintf("%#x", pc)
}
