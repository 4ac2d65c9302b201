package disasm

import (
	"github.com/ethereum/go-ethereum/common"
)

type blockKey struct {
	addr common.Address
	pc   uint64
}

// Index is the per-transaction lookup over every contract's basic blocks.
// Blocks are owned by the index once added and must not be mutated.
type Index struct {
	byStart map[blockKey]*Block
	byEnd   map[blockKey]*Block
	byAddr  map[common.Address][]*Block
}

func NewIndex() *Index {
	return &Index{
		byStart: make(map[blockKey]*Block),
		byEnd:   make(map[blockKey]*Block),
		byAddr:  make(map[common.Address][]*Block),
	}
}

// BuildIndex segments every contract in the bytecode map and indexes the
// result. Absent or empty bytecode contributes nothing.
func BuildIndex(bytecode map[common.Address][]byte) *Index {
	idx := NewIndex()
	for addr, code := range bytecode {
		idx.Add(Segment(addr, code)...)
	}
	return idx
}

func (ix *Index) Add(blocks ...*Block) {
	for _, b := range blocks {
		ix.byStart[blockKey{b.Address, b.StartPC}] = b
		ix.byEnd[blockKey{b.Address, b.EndPC}] = b
		ix.byAddr[b.Address] = append(ix.byAddr[b.Address], b)
	}
}

// ByStart returns the block starting at (addr, pc), if any.
func (ix *Index) ByStart(addr common.Address, pc uint64) (*Block, bool) {
	b, ok := ix.byStart[blockKey{addr, pc}]
	return b, ok
}

// ByEnd returns the block ending at (addr, pc), if any. Used to recover
// the fallthrough predecessor of a JUMPDEST.
func (ix *Index) ByEnd(addr common.Address, pc uint64) (*Block, bool) {
	b, ok := ix.byEnd[blockKey{addr, pc}]
	return b, ok
}

// Containing returns the block whose base PC range covers (addr, pc).
func (ix *Index) Containing(addr common.Address, pc uint64) (*Block, bool) {
	for _, b := range ix.byAddr[addr] {
		if b.Contains(pc) {
			return b, true
		}
	}
	return nil, false
}

// Len reports the total number of indexed blocks.
func (ix *Index) Len() int {
	return len(ix.byStart)
}
