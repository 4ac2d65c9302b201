// Package trace defines the standardized execution trace consumed by the
// analyzer: an ordered sequence of per-opcode steps, each already resolved
// to the contract whose code was executing. How a caller obtains the trace
// (debug_traceTransaction, a stored dump, ...) is outside this package.
package trace

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

var ErrEmptyTrace = errors.New("trace has no steps")

// Step is one executed opcode. Stack holds 0x-hex words, top of stack last.
type Step struct {
	Address common.Address
	PC      uint64
	Op      string
	GasCost uint64
	Stack   []string
}

// Trace is the full standardized trace of one transaction.
type Trace struct {
	TxHash string
	Steps  []*Step
}

// Standardized mirrors the on-disk JSON produced by the trace formatter,
// including the identity maps resolved through live chain calls. Only
// TxHash and Steps are consumed by the analytical core; the rest feeds
// rendering.
type Standardized struct {
	TxHash          string            `json:"tx_hash"`
	Steps           []*Step           `json:"steps"`
	Contracts       []string          `json:"contracts_addresses"`
	Erc20TokenMap   map[string]string `json:"erc20_token_map"`
	Users           []string          `json:"users_addresses"`
	ContractNameMap map[string]string `json:"contract_name_map"`
}

func (s *Standardized) Trace() *Trace {
	return &Trace{TxHash: s.TxHash, Steps: s.Steps}
}

// TokenNames returns the ERC20 address -> display name map with
// canonicalized address keys.
func (s *Standardized) TokenNames() map[common.Address]string {
	out := make(map[common.Address]string, len(s.Erc20TokenMap))
	for k, v := range s.Erc20TokenMap {
		if addr, ok := HexToAddress(k); ok {
			out[addr] = v
		}
	}
	return out
}

// stepJSON is the wire form of a Step: address and pc are 0x-hex strings,
// gascost is a decimal integer.
type stepJSON struct {
	Address string   `json:"address"`
	PC      string   `json:"pc"`
	Op      string   `json:"opcode"`
	GasCost int64    `json:"gascost"`
	Stack   []string `json:"stack"`
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if addr, ok := HexToAddress(raw.Address); ok {
		s.Address = addr
	}
	s.PC = ParseUint64(raw.PC)
	s.Op = strings.ToUpper(raw.Op)
	if raw.GasCost > 0 {
		s.GasCost = uint64(raw.GasCost)
	}
	s.Stack = raw.Stack
	return nil
}

func (s *Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(&stepJSON{
		Address: strings.ToLower(s.Address.Hex()),
		PC:      hexutil.Uint64(s.PC).String(),
		Op:      s.Op,
		GasCost: int64(s.GasCost),
		Stack:   s.Stack,
	})
}

// StackBack returns the n-th word from the top of the stack ("" when the
// stack is too shallow). n == 0 is the top.
func (s *Step) StackBack(n int) string {
	if n < 0 || n >= len(s.Stack) {
		return ""
	}
	return s.Stack[len(s.Stack)-1-n]
}

// Word parses a 0x-hex word into a uint256, tolerating missing prefixes,
// odd nibble counts, and leading zeros. Unparsable input yields zero,
// favoring a completed analysis over precise accounting.
func Word(s string) *uint256.Int {
	b, ok := hexBytes(s)
	if !ok {
		return uint256.NewInt(0)
	}
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	return new(uint256.Int).SetBytes(b)
}

// WordBig is Word with a signed big.Int result, for delta arithmetic.
func WordBig(s string) *big.Int {
	return Word(s).ToBig()
}

// ParseUint64 parses a hex or decimal PC/gas field, defaulting to zero.
func ParseUint64(s string) uint64 {
	w := Word(s)
	u, _ := w.Uint64WithOverflow()
	return u
}

// HexToAddress canonicalizes an arbitrary-width hex word to a 20-byte
// address, keeping the low 20 bytes and zero-filling short values. The
// second return is false when the input has no hex content at all.
func HexToAddress(s string) (common.Address, bool) {
	b, ok := hexBytes(s)
	if !ok {
		return common.Address{}, false
	}
	return common.BytesToAddress(b), true
}

// SignificantHexLen is the nibble count of s after stripping the 0x
// prefix and leading zeros. Used to judge whether a stack word is a
// plausible address.
func SignificantHexLen(s string) int {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x"), "0x")
	return len(strings.TrimLeft(s, "0"))
}

func hexBytes(s string) ([]byte, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0x") // raw dumps occasionally carry 0x0x
	if s == "" {
		return nil, false
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
