// Package disasm decodes raw EVM bytecode into instructions and segments
// them into basic blocks: maximal straight-line runs with one entry and
// one exit. JUMPDEST always starts a block; jumps, calls, creates and
// halting opcodes always end one.
package disasm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
)

// Synthetic terminators for blocks that do not end on a terminator opcode.
const (
	TermNormalEnd    = "NORMAL_END"    // bytecode ran out
	TermJumpdestPrev = "JUMPDEST_PREV" // cut short by a following JUMPDEST
)

var terminators = map[string]struct{}{
	"JUMP": {}, "JUMPI": {},
	"CALL": {}, "CALLCODE": {}, "DELEGATECALL": {}, "STATICCALL": {},
	"CREATE": {}, "CREATE2": {},
	"STOP": {}, "RETURN": {}, "REVERT": {}, "INVALID": {}, "SELFDESTRUCT": {},
}

// IsTerminator reports whether the mnemonic ends a basic block.
func IsTerminator(op string) bool {
	_, ok := terminators[op]
	return ok
}

// Instruction is one decoded opcode at a program counter. PUSH immediates
// are not kept; only control flow and identity matter here.
type Instruction struct {
	PC uint64
	Op string
}

// Block is a basic block of one contract, identified by (Address, StartPC).
type Block struct {
	Address      common.Address
	StartPC      uint64
	EndPC        uint64
	Terminator   string
	Instructions []Instruction
}

// Contains reports whether pc falls inside the block's base PC range.
func (b *Block) Contains(pc uint64) bool {
	return pc >= b.StartPC && pc <= b.EndPC
}

// Decode walks the bytecode and returns the flat instruction sequence,
// skipping PUSH immediate bytes the same way the bytecode scanner does.
func Decode(code []byte) []Instruction {
	ins := make([]Instruction, 0, len(code))
	i := 0
	for i < len(code) {
		op := vm.OpCode(code[i])
		ins = append(ins, Instruction{PC: uint64(i), Op: op.String()})
		if op >= vm.PUSH1 && op <= vm.PUSH32 {
			i += 1 + int(op-vm.PUSH1+1)
		} else {
			i++
		}
	}
	return ins
}

// Segment decodes one contract's bytecode and splits it into basic blocks.
// Empty bytecode yields no blocks.
func Segment(addr common.Address, code []byte) []*Block {
	return SegmentInstructions(addr, Decode(code))
}

// SegmentInstructions splits an already-decoded instruction sequence.
// Every block's first instruction is the sequence start or a JUMPDEST,
// every block's last is a terminator opcode or the sequence end, and the
// blocks concatenated in order reproduce the input exactly.
func SegmentInstructions(addr common.Address, ins []Instruction) []*Block {
	if len(ins) == 0 {
		return nil
	}
	var blocks []*Block
	cur := &Block{Address: addr, StartPC: ins[0].PC}
	for idx, instr := range ins {
		if instr.Op == "JUMPDEST" && len(cur.Instructions) > 0 {
			cur.EndPC = ins[idx-1].PC
			cur.Terminator = TermJumpdestPrev
			blocks = append(blocks, cur)
			cur = &Block{Address: addr, StartPC: instr.PC}
		}
		cur.Instructions = append(cur.Instructions, instr)
		if IsTerminator(instr.Op) {
			cur.EndPC = instr.PC
			cur.Terminator = instr.Op
			blocks = append(blocks, cur)
			cur = nil
			if idx+1 < len(ins) {
				cur = &Block{Address: addr, StartPC: ins[idx+1].PC}
			}
		}
	}
	if cur != nil && len(cur.Instructions) > 0 {
		cur.Terminator = TermNormalEnd
		cur.EndPC = cur.Instructions[len(cur.Instructions)-1].PC
		blocks = append(blocks, cur)
	}
	return blocks
}
