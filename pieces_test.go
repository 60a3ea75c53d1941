package utmetadata

import (
	"testing"

	"github.com/anacrolix/chansync/events"
	"github.com/bradfitz/iter"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/utmetadata/internal/testx"
)

func TestBlockCount(t *testing.T) {
	for _, tc := range []struct {
		size  int
		count int
	}{
		{0, 0},
		{-1, 0},
		{1, 1},
		{BlockSize - 1, 1},
		{BlockSize, 1},
		{BlockSize + 1, 2},
		{2 * BlockSize, 2},
		{MaxMetadataSize, 256},
	} {
		require.Equal(t, tc.count, BlockCount(tc.size), "size %d", tc.size)
	}
	require.Equal(t, 0, BlockIndex(BlockSize-1))
	require.Equal(t, 2, BlockIndex(2*BlockSize))
	require.Equal(t, BlockSize, blockSize(3*BlockSize, 1))
	require.Equal(t, 7, blockSize(2*BlockSize+7, 2))
}

func TestPieceTablePending(t *testing.T) {
	var pt pieceTable
	for _, size := range []int{1, BlockSize, BlockSize + 1, 100_000, MaxMetadataSize} {
		require.True(t, pt.resize(size))
		pending := pt.pending(size)
		require.Len(t, pending, BlockCount(size))
		for i := range iter.N(BlockCount(size)) {
			require.Equal(t, i, pending[i])
		}
	}

	require.True(t, pt.resize(3*BlockSize))
	require.True(t, pt.store(1, []byte("x")))
	require.Equal(t, []int{0, 2}, pt.pending(3*BlockSize))
	// Same size keeps what we have.
	require.False(t, pt.resize(3*BlockSize))
	require.Equal(t, []int{0, 2}, pt.pending(3*BlockSize))
}

func TestPieceTableAssemble(t *testing.T) {
	const size = 2*BlockSize + 100
	data, _ := testx.Metadata(size)

	var pt pieceTable
	pt.resize(size)
	require.False(t, pt.complete())
	// Out of order, and with a duplicate.
	for _, i := range []int{2, 0, 2, 1} {
		end := min((i+1)*BlockSize, size)
		require.True(t, pt.store(i, data[i*BlockSize:end]))
	}
	require.True(t, pt.complete())
	assembled := pt.assemble()
	require.Len(t, assembled, size)
	require.Equal(t, data, assembled)

	require.False(t, pt.store(3, []byte("out of range")))
	require.False(t, pt.store(-1, []byte("negative")))

	gen := pt.generation
	pt.reset()
	require.False(t, pt.complete())
	require.Equal(t, []int{0, 1, 2}, pt.pending(size))
	require.Equal(t, gen+1, pt.generation)
}

func TestEngineVerifyMismatchResetsTable(t *testing.T) {
	const size = 2 * BlockSize
	data, ih := testx.Metadata(size)
	var calls int
	e := NewEngine(ih, func([]byte) { calls++ })

	before := testutil.ToFloat64(verificationsCounter.WithLabelValues("mismatch"))

	require.Equal(t, []int{0, 1}, e.beginTransfer(size))
	_, _, complete := e.submit(0, make([]byte, BlockSize))
	require.False(t, complete)
	assembled, gen, complete := e.submit(1, data[BlockSize:])
	require.True(t, complete)
	require.False(t, e.verify(assembled, gen))
	require.Equal(t, before+1, testutil.ToFloat64(verificationsCounter.WithLabelValues("mismatch")))

	// Everything has to be fetched again.
	require.Equal(t, []int{0, 1}, e.pending(size))
	_, known := e.Metadata()
	require.False(t, known)
	require.Zero(t, calls)

	_, _, complete = e.submit(1, data[BlockSize:])
	require.False(t, complete)
	assembled, gen, complete = e.submit(0, data[:BlockSize])
	require.True(t, complete)
	require.True(t, e.verify(assembled, gen))
	require.Equal(t, 1, calls)

	// Late blocks and repeat verifications change nothing.
	_, _, complete = e.submit(0, data[:BlockSize])
	require.False(t, complete)
	require.True(t, e.verify(assembled, gen))
	require.Equal(t, 1, calls)
	got, known := e.Metadata()
	require.True(t, known)
	require.Equal(t, data, got)
}

func TestEngineStaleVerificationKeepsNewerTable(t *testing.T) {
	const size = BlockSize
	_, ih := testx.Metadata(size)
	e := NewEngine(ih, nil)

	e.beginTransfer(size)
	assembled, gen, complete := e.submit(0, []byte("bad"))
	require.True(t, complete)
	// The transfer is resized by another connection before this verification runs.
	e.beginTransfer(size + 1)
	_, _, _ = e.submit(0, []byte("newer"))
	require.False(t, e.verify(assembled, gen))
	require.Equal(t, []int{1}, e.pending(size+1))
}

func TestCellCommitOnce(t *testing.T) {
	var c cell
	_, ok := c.Load()
	require.False(t, ok)
	require.True(t, c.Commit([]byte("a")))
	require.False(t, c.Commit([]byte("a")))
	b, ok := c.Load()
	require.True(t, ok)
	require.Equal(t, []byte("a"), b)
	var done events.Done = c.Done()
	select {
	case <-done:
	default:
		t.Fatal("expected done")
	}
}
