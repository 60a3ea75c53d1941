package utmetadata

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
)

// The blocks of one metadata transfer, shared by all connections of an Engine. Not safe for
// concurrent use, the Engine serializes access.
type pieceTable struct {
	size   int
	blocks [][]byte
	have   *roaring.Bitmap
	// Incremented every time the table is emptied, so a stale verification can't discard a newer
	// transfer.
	generation uint64
}

func (t *pieceTable) init() {
	if t.have == nil {
		t.have = roaring.New()
	}
}

// Resize prepares the table for metadata of the given size. Existing blocks are kept if the size
// is unchanged. Returns true if the table was emptied.
func (t *pieceTable) resize(size int) bool {
	t.init()
	if t.size == size && t.blocks != nil {
		return false
	}
	t.size = size
	t.blocks = make([][]byte, BlockCount(size))
	t.have.Clear()
	t.generation++
	return true
}

func (t *pieceTable) reset() {
	t.init()
	for i := range t.blocks {
		t.blocks[i] = nil
	}
	t.have.Clear()
	t.generation++
}

func (t *pieceTable) blockCount() int {
	return len(t.blocks)
}

// Stores b at index, replacing anything already there. Returns false if the index is outside the
// table.
func (t *pieceTable) store(index int, b []byte) bool {
	t.init()
	if index < 0 || index >= len(t.blocks) {
		return false
	}
	t.blocks[index] = b
	t.have.Add(uint32(index))
	return true
}

func (t *pieceTable) haveBlock(index int) bool {
	return t.have != nil && index >= 0 && t.have.Contains(uint32(index))
}

// Complete when every index in [0, blockCount) is present.
func (t *pieceTable) complete() bool {
	if len(t.blocks) == 0 {
		return false
	}
	for i := range t.blocks {
		if !t.haveBlock(i) {
			return false
		}
	}
	return true
}

// Indices in [0, BlockCount(size)) that aren't present, in ascending order.
func (t *pieceTable) pending(size int) (ret []int) {
	for i := range BlockCount(size) {
		if !t.haveBlock(i) {
			ret = append(ret, i)
		}
	}
	return ret
}

// Concatenates the blocks in index order.
func (t *pieceTable) assemble() []byte {
	return bytes.Join(t.blocks, nil)
}
