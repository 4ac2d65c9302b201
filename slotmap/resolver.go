// Package slotmap recovers the owner address behind storage slots used by
// SLOAD/SSTORE. Solidity stores mapping(address => uint256) entries at
// keccak256(abi.encode(address, baseSlot)); the resolver locates the hash
// computation that produced each slot and reads the address back out of
// the hashing input buffer. It is a heuristic: slots it cannot explain are
// simply left out of the map.
package slotmap

import (
	"encoding/hex"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/evmtrace/txcfg/trace"
)

// Map resolves a canonical 32-byte slot key to its owner address.
type Map map[string]common.Address

// Resolved looks up the slot referenced by a raw stack word.
func (m Map) Resolved(word string) (common.Address, bool) {
	addr, ok := m[Key(word)]
	return addr, ok
}

// Key canonicalizes a stack word to the 0x-prefixed 64-nibble lowercase
// form used for map keys, so producers and consumers agree regardless of
// how the trace padded the word.
func Key(word string) string {
	b := trace.Word(word).Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

// Config carries resolution policy. PreferNearest picks the MSTORE
// closest to the hash when neither candidate's tie-break value parses;
// the original heuristic default, kept configurable since nothing proves
// it correct.
type Config struct {
	PreferNearest bool
}

// Resolve runs the resolver with default policy.
func Resolve(t *trace.Trace) Map {
	return Config{PreferNearest: true}.Resolve(t)
}

type candidate struct {
	raw      string // MSTORE value operand, the address candidate
	tieBreak string // MSTORE offset operand, used to pick between two
}

// Resolve scans the trace once per distinct slot referenced by any
// SLOAD/SSTORE and maps each slot it can explain to an address.
func (c Config) Resolve(t *trace.Trace) Map {
	slots := mapset.NewThreadUnsafeSet[string]()
	for _, step := range t.Steps {
		if step.Op == "SLOAD" || step.Op == "SSTORE" {
			// A malformed slot word is skipped outright; reading it as
			// zero would resolve it against an unrelated zero-valued hash.
			top := step.StackBack(0)
			if _, ok := parseWord(top); ok {
				slots.Add(strings.ToLower(top))
			}
		}
	}

	out := make(Map)
	for raw := range slots.Iter() {
		slot := trace.Word(raw)
		if addr, ok := c.resolveSlot(t, slot); ok {
			out[Key(raw)] = addr
		}
	}
	log.Debug("slot resolution finished", "slots", slots.Cardinality(), "resolved", len(out))
	return out
}

func (c Config) resolveSlot(t *trace.Trace, slot *uint256.Int) (common.Address, bool) {
	// The hash that produced this slot is the first SHA3/KECCAK256 whose
	// result (top of the following step's stack) equals the slot value.
	hashIdx := -1
	for i, step := range t.Steps {
		if step.Op != "SHA3" && step.Op != "KECCAK256" {
			continue
		}
		if i+1 >= len(t.Steps) {
			break
		}
		if top := t.Steps[i+1].StackBack(0); top != "" && trace.Word(top).Eq(slot) {
			hashIdx = i
			break
		}
	}
	if hashIdx < 0 {
		return common.Address{}, false
	}

	// Up to two MSTOREs wrote the hashing input buffer; nearest first.
	var cands []candidate
	for j := hashIdx - 1; j >= 0 && len(cands) < 2; j-- {
		step := t.Steps[j]
		if step.Op != "MSTORE" {
			continue
		}
		if val := step.StackBack(1); val != "" {
			cands = append(cands, candidate{raw: val, tieBreak: step.StackBack(0)})
		}
	}

	// Keep only plausible address widths.
	valid := cands[:0]
	for _, cand := range cands {
		if n := trace.SignificantHexLen(cand.raw); n >= 20 && n <= 40 {
			valid = append(valid, cand)
		}
	}

	switch len(valid) {
	case 0:
		return common.Address{}, false
	case 1:
		return trace.HexToAddress(valid[0].raw)
	}
	return trace.HexToAddress(c.pick(valid[0], valid[1]).raw)
}

// pick chooses between two plausible candidates by their MSTORE offsets:
// a parsable offset beats an unparsable one, a smaller offset beats a
// larger one, and a full tie falls back to policy.
func (c Config) pick(near, far candidate) candidate {
	nearOff, nearOK := parseWord(near.tieBreak)
	farOff, farOK := parseWord(far.tieBreak)
	switch {
	case nearOK && !farOK:
		return near
	case !nearOK && farOK:
		return far
	case nearOK && farOK:
		if nearOff.Cmp(farOff) <= 0 {
			return near
		}
		return far
	}
	if c.PreferNearest {
		return near
	}
	return far
}

// parseWord is a strict hex parse: garbage is reported as unparsable
// instead of defaulting to zero. Slot collection drops such words and
// the offset tie-break needs to tell the two cases apart.
func parseWord(s string) (*uint256.Int, bool) {
	if s == "" {
		return nil, false
	}
	t := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if t == "" {
		return uint256.NewInt(0), true
	}
	if len(t)%2 == 1 {
		t = "0" + t
	}
	b, err := hex.DecodeString(t)
	if err != nil || len(b) > 32 {
		return nil, false
	}
	return new(uint256.Int).SetBytes(b), true
}
