// txcfgdraw builds the transaction CFG and asset-flow graph from a
// standardized trace dump and a bytecode map, and writes the DOT files,
// the edge linkage JSON, and the operation table. Trace and bytecode
// acquisition happen elsewhere; this tool only consumes materialized
// JSON inputs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/evmtrace/txcfg/cfg"
	"github.com/evmtrace/txcfg/disasm"
	"github.com/evmtrace/txcfg/flow"
	"github.com/evmtrace/txcfg/render"
	"github.com/evmtrace/txcfg/slotmap"
	"github.com/evmtrace/txcfg/trace"
)

func main() {
	app := &cli.App{
		Name:  "txcfgdraw",
		Usage: "render a transaction's control-flow graph and asset flow",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trace", Usage: "standardized trace JSON `FILE`", Required: true},
			&cli.StringFlag{Name: "bytecode", Usage: "address->bytecode JSON `FILE`", Required: true},
			&cli.StringFlag{Name: "decimals", Usage: "address->token decimals JSON `FILE` (optional)"},
			&cli.StringFlag{Name: "out", Usage: "output `DIR` (default Result/<txhash>)"},
			&cli.StringFlag{Name: "rankdir", Value: "TB", Usage: "CFG layout direction (TB, LR, ...)"},
			&cli.BoolFlag{Name: "verbosity", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "txcfgdraw: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.Bool("verbosity") {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelDebug, true)))
	}

	var std trace.Standardized
	if err := readJSON(ctx.String("trace"), &std); err != nil {
		return fmt.Errorf("load trace: %w", err)
	}
	t := std.Trace()
	if len(t.Steps) == 0 {
		return trace.ErrEmptyTrace
	}

	bytecode, err := loadBytecodeMap(ctx.String("bytecode"))
	if err != nil {
		return fmt.Errorf("load bytecode: %w", err)
	}
	decimals, err := loadDecimals(ctx.String("decimals"))
	if err != nil {
		return fmt.Errorf("load decimals: %w", err)
	}

	outDir := ctx.String("out")
	if outDir == "" {
		outDir = filepath.Join("Result", strings.TrimPrefix(t.TxHash, "0x"))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	index := disasm.BuildIndex(bytecode)
	log.Info("segmented bytecode", "contracts", len(bytecode), "blocks", index.Len())

	slots := slotmap.Resolve(t)
	log.Info("resolved storage slots", "resolved", len(slots))

	ctor := &cfg.Constructor{Index: index, Slots: slots, TokenNames: std.TokenNames()}
	res, err := ctor.Construct(t)
	if err != nil {
		return fmt.Errorf("construct CFG: %w", err)
	}
	cfg.FoldLinearChains(res.Graph)
	log.Info("constructed CFG", "nodes", len(res.Graph.Nodes), "edges", len(res.Graph.Edges),
		"changes", len(res.Changes), "skippedSteps", res.SkippedSteps, "orphanRows", res.OrphanRows)

	pairRes := flow.Pair(res.Changes, decimals)
	links := flow.Link(pairRes, res.Graph)

	conf := render.Config{
		RankDir: ctx.String("rankdir"),
		Names:   addressKeyed(std.ContractNameMap),
		Erc20:   addressKeyed(std.Erc20TokenMap),
	}
	dot, colors := render.TransactionDOT(res.Graph, conf)
	if err := os.WriteFile(filepath.Join(outDir, "transaction_cfg.dot"), dot, 0o644); err != nil {
		return err
	}

	users := make([]common.Address, 0, len(std.Users))
	for _, u := range std.Users {
		if a, ok := trace.HexToAddress(u); ok {
			users = append(users, a)
		}
	}
	afg := render.AssetFlowDOT(pairRes, users, conf, colors)
	if err := os.WriteFile(filepath.Join(outDir, "asset_flow.dot"), afg, 0o644); err != nil {
		return err
	}

	linkJSON, err := flow.LinksJSON(links)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "edge_link.json"), linkJSON, 0o644); err != nil {
		return err
	}

	tableFile, err := os.Create(filepath.Join(outDir, "transaction_table.txt"))
	if err != nil {
		return err
	}
	render.TransactionTable(tableFile, res.Table)
	tableFile.Close()

	printSummary(outDir, res, pairRes)
	return nil
}

// printSummary surfaces the completeness counters: skipped steps and
// dropped changes signal trace/bytecode mismatch or multi-leg flows the
// pairer does not resolve, not failures.
func printSummary(outDir string, res *cfg.Result, pairRes *flow.Result) {
	fmt.Printf("CFG: %d nodes, %d edges, %d balance changes\n",
		len(res.Graph.Nodes), len(res.Graph.Edges), len(res.Changes))
	fmt.Printf("Asset flow: %d paired transfers, %d unpaired annotations, %d still pending\n",
		len(pairRes.Transfers), len(pairRes.Annotations), len(pairRes.Pending))
	if res.SkippedSteps > 0 || res.OrphanRows > 0 || pairRes.Dropped > 0 {
		color.Yellow("completeness: %d skipped steps, %d orphan rows, %d dropped changes",
			res.SkippedSteps, res.OrphanRows, pairRes.Dropped)
	} else {
		color.Green("completeness: full")
	}
	fmt.Printf("Results written to %s\n", outDir)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func loadBytecodeMap(path string) (map[common.Address][]byte, error) {
	var raw map[string]string
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make(map[common.Address][]byte, len(raw))
	for k, v := range raw {
		addr, ok := trace.HexToAddress(k)
		if !ok {
			continue
		}
		code, err := decodeHex(v)
		if err != nil {
			return nil, fmt.Errorf("bytecode for %s: %w", k, err)
		}
		out[addr] = code
	}
	return out, nil
}

func loadDecimals(path string) (map[common.Address]int, error) {
	out := make(map[common.Address]int)
	if path == "" {
		return out, nil
	}
	var raw map[string]int
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		if addr, ok := trace.HexToAddress(k); ok {
			out[addr] = v
		}
	}
	return out, nil
}

func addressKeyed(m map[string]string) map[common.Address]string {
	out := make(map[common.Address]string, len(m))
	for k, v := range m {
		if addr, ok := trace.HexToAddress(k); ok {
			out[addr] = v
		}
	}
	return out
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return nil, nil
	}
	if len(s)%2 == 1 {
		return nil, fmt.Errorf("hex string has odd length: %d", len(s))
	}
	return common.FromHex(s), nil
}
