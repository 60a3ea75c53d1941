package utmetadata_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/utmetadata"
	"github.com/anacrolix/utmetadata/bep0009"
	"github.com/anacrolix/utmetadata/internal/testx"
	"github.com/anacrolix/utmetadata/internal/wiretest"
)

const (
	timeout = 5 * time.Second
	quiet   = 50 * time.Millisecond
	// The id our fake peers want ut_metadata messages addressed to.
	peerChannel = 3
)

type sentHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size"`
}

func attach(t *testing.T, e *utmetadata.Engine, w utmetadata.Wire) <-chan error {
	ctx, done := testx.ContextWithTimeout(t, 10*timeout)
	t.Cleanup(done)
	errc := make(chan error, 1)
	go func() {
		errc <- e.Attach(ctx, w)
	}()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for Attach to return")
		return nil
	}
}

func running(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.FailNowf(t, "Attach returned early", "%v", err)
	case <-time.After(quiet):
	}
}

// Reads the engine's extended handshake.
func readHandshake(t *testing.T, w *wiretest.Wire) sentHandshake {
	t.Helper()
	msg := w.Next(t, timeout)
	require.EqualValues(t, utmetadata.HandshakeExtendedID, msg.ID)
	var h sentHandshake
	require.NoError(t, bencode.Unmarshal(msg.Payload, &h))
	return h
}

func block(data []byte, index int) []byte {
	begin := index * utmetadata.BlockSize
	return data[begin:min(begin+utmetadata.BlockSize, len(data))]
}

func deliverBlock(t *testing.T, w *wiretest.Wire, data []byte, index int) {
	t.Helper()
	require.NoError(t, w.Deliver(utmetadata.LocalExtensionID, wiretest.Message(t, bep0009.Data, index, block(data, index))))
}

type completions struct {
	calls atomic.Int32
	got   chan []byte
}

func newCompletions() *completions {
	return &completions{got: make(chan []byte, 16)}
}

func (c *completions) callback(b []byte) {
	c.calls.Add(1)
	c.got <- b
}

func (c *completions) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-c.got:
		return b
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for metadata")
		return nil
	}
}

func TestRequestsEveryBlockOnce(t *testing.T) {
	for _, size := range []int{1, utmetadata.BlockSize, utmetadata.BlockSize + 1, 2 * utmetadata.BlockSize, 100_000, utmetadata.MaxMetadataSize} {
		_, ih := testx.Metadata(size)
		e := utmetadata.NewEngine(ih, nil)
		w := wiretest.New(true)
		errc := attach(t, e, w)

		h := readHandshake(t, w)
		require.EqualValues(t, utmetadata.LocalExtensionID, h.M[utmetadata.ExtensionName])
		require.Zero(t, h.MetadataSize)

		require.NoError(t, w.Deliver(utmetadata.HandshakeExtendedID, wiretest.Handshake(t, peerChannel, size)))
		for i := range utmetadata.BlockCount(size) {
			msg := w.Next(t, timeout)
			require.EqualValues(t, peerChannel, msg.ID)
			m, data := wiretest.Decode(t, msg)
			require.Equal(t, bep0009.Request, m.Type)
			require.Equal(t, i, m.Index)
			require.Empty(t, data)
		}
		w.Quiet(t, quiet)

		require.NoError(t, w.Close())
		require.NoError(t, wait(t, errc))
	}
}

func TestTwoBlocksRequested(t *testing.T) {
	_, ih := testx.Metadata(32768)
	w := wiretest.New(true)
	errc := attach(t, utmetadata.NewEngine(ih, nil), w)
	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, 32768)))

	var indices []int
	for range 2 {
		m, _ := wiretest.Decode(t, w.Next(t, timeout))
		indices = append(indices, m.Index)
	}
	require.Equal(t, []int{0, 1}, indices)
	w.Quiet(t, quiet)
	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestOutOfOrderBlocksComplete(t *testing.T) {
	data, ih := testx.Metadata(32768)
	done := newCompletions()
	e := utmetadata.NewEngine(ih, done.callback)
	w := wiretest.New(true)
	errc := attach(t, e, w)

	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, len(data))))
	w.Next(t, timeout)
	w.Next(t, timeout)

	deliverBlock(t, w, data, 1)
	deliverBlock(t, w, data, 0)

	got := done.wait(t)
	require.Len(t, got, 32768)
	require.Equal(t, data, got)
	<-e.Complete()
	md, ok := e.Metadata()
	require.True(t, ok)
	require.Equal(t, data, md)

	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
	require.EqualValues(t, 1, done.calls.Load())
}

func TestPartialTransferStalls(t *testing.T) {
	data, ih := testx.Metadata(32768)
	done := newCompletions()
	e := utmetadata.NewEngine(ih, done.callback)
	w := wiretest.New(true)
	errc := attach(t, e, w)

	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, len(data))))
	deliverBlock(t, w, data, 0)

	running(t, errc)
	select {
	case <-e.Complete():
		t.Fatal("metadata shouldn't be complete")
	default:
	}
	require.Zero(t, done.calls.Load())

	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
	require.Zero(t, done.calls.Load())
}

func TestBadBlocksThenGoodConnection(t *testing.T) {
	data, ih := testx.Metadata(32768)
	done := newCompletions()
	e := utmetadata.NewEngine(ih, done.callback)

	bad := wiretest.New(true)
	badErrc := attach(t, e, bad)
	readHandshake(t, bad)
	require.NoError(t, bad.Deliver(0, wiretest.Handshake(t, peerChannel, len(data))))
	corrupt := append([]byte(nil), data...)
	corrupt[100] ^= 0xff
	deliverBlock(t, bad, corrupt, 0)
	deliverBlock(t, bad, corrupt, 1)
	running(t, badErrc)
	require.Zero(t, done.calls.Load())
	_, known := e.Metadata()
	require.False(t, known)

	good := wiretest.New(true)
	goodErrc := attach(t, e, good)
	readHandshake(t, good)
	require.NoError(t, good.Deliver(0, wiretest.Handshake(t, peerChannel, len(data))))
	// The discarded table means both blocks are requested again.
	for i := range 2 {
		m, _ := wiretest.Decode(t, good.Next(t, timeout))
		require.Equal(t, i, m.Index)
	}
	// A single good block isn't enough, the bad one was discarded too.
	deliverBlock(t, good, data, 1)
	running(t, goodErrc)
	require.Zero(t, done.calls.Load())
	deliverBlock(t, good, data, 0)

	require.Equal(t, data, done.wait(t))
	require.NoError(t, bad.Close())
	require.NoError(t, good.Close())
	require.NoError(t, wait(t, badErrc))
	require.NoError(t, wait(t, goodErrc))
	require.EqualValues(t, 1, done.calls.Load())
}

func TestOversizedMetadataNotRequested(t *testing.T) {
	_, ih := testx.Metadata(1)
	w := wiretest.New(true)
	errc := attach(t, utmetadata.NewEngine(ih, nil), w)
	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, 8388608)))
	w.Quiet(t, quiet)
	running(t, errc)
	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestNoSizeNotRequested(t *testing.T) {
	_, ih := testx.Metadata(1)
	w := wiretest.New(true)
	errc := attach(t, utmetadata.NewEngine(ih, nil), w)
	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, 0)))
	w.Quiet(t, quiet)
	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestServesKnownMetadata(t *testing.T) {
	const size = 2*utmetadata.BlockSize + 7232
	data, ih := testx.Metadata(size)
	e := utmetadata.NewEngine(ih, nil)
	require.NoError(t, e.SetMetadata(data))

	w := wiretest.New(true)
	errc := attach(t, e, w)
	h := readHandshake(t, w)
	require.EqualValues(t, size, h.MetadataSize)

	// The peer has the metadata too, but we don't need it.
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, size)))
	w.Quiet(t, quiet)

	for _, i := range []int{2, 0} {
		require.NoError(t, w.Deliver(utmetadata.LocalExtensionID, wiretest.Message(t, bep0009.Request, i, nil)))
		msg := w.Next(t, timeout)
		require.EqualValues(t, peerChannel, msg.ID)
		m, payload := wiretest.Decode(t, msg)
		require.Equal(t, bep0009.Data, m.Type)
		require.Equal(t, i, m.Index)
		require.Equal(t, size, m.Total)
		require.Equal(t, block(data, i), payload)
	}
	require.Len(t, block(data, 2), 7232)

	// Past the end.
	require.NoError(t, w.Deliver(utmetadata.LocalExtensionID, wiretest.Message(t, bep0009.Request, 3, nil)))
	m, _ := wiretest.Decode(t, w.Next(t, timeout))
	require.Equal(t, bep0009.Reject, m.Type)
	require.Equal(t, 3, m.Index)

	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestRejectsHugeRequestIndices(t *testing.T) {
	data, ih := testx.Metadata(2 * utmetadata.BlockSize)
	e := utmetadata.NewEngine(ih, nil)
	require.NoError(t, e.SetMetadata(data))

	w := wiretest.New(true)
	errc := attach(t, e, w)
	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, 0)))

	// Multiplied by the block size these wrap to zero and to a negative offset.
	for _, i := range []int{1 << 50, 1 << 49, 1<<62 + 1} {
		require.NoError(t, w.Deliver(utmetadata.LocalExtensionID, wiretest.Message(t, bep0009.Request, i, nil)))
		m, payload := wiretest.Decode(t, w.Next(t, timeout))
		require.Equal(t, bep0009.Reject, m.Type)
		require.Equal(t, i, m.Index)
		require.Empty(t, payload)
	}
	running(t, errc)

	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestMetadataReturnsCopy(t *testing.T) {
	data, ih := testx.Metadata(utmetadata.BlockSize)
	var got []byte
	e := utmetadata.NewEngine(ih, func(b []byte) { got = b })
	require.NoError(t, e.SetMetadata(data))
	got[0] ^= 0xff
	md, ok := e.Metadata()
	require.True(t, ok)
	md[1] ^= 0xff

	w := wiretest.New(true)
	errc := attach(t, e, w)
	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, 0)))
	require.NoError(t, w.Deliver(utmetadata.LocalExtensionID, wiretest.Message(t, bep0009.Request, 0, nil)))
	_, payload := wiretest.Decode(t, w.Next(t, timeout))
	require.Equal(t, data, payload)

	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestRejectsWithoutMetadata(t *testing.T) {
	_, ih := testx.Metadata(100)
	w := wiretest.New(true)
	errc := attach(t, utmetadata.NewEngine(ih, nil), w)
	readHandshake(t, w)
	require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, 0)))
	for _, i := range []int{0, 5, 2} {
		require.NoError(t, w.Deliver(utmetadata.LocalExtensionID, wiretest.Message(t, bep0009.Request, i, nil)))
		msg := w.Next(t, timeout)
		require.EqualValues(t, peerChannel, msg.ID)
		m, _ := wiretest.Decode(t, msg)
		require.Equal(t, bep0009.Reject, m.Type)
		require.Equal(t, i, m.Index)
	}
	require.NoError(t, w.Close())
	require.NoError(t, wait(t, errc))
}

func TestConcurrentCompletionsCallbackOnce(t *testing.T) {
	data, ih := testx.Metadata(3*utmetadata.BlockSize + 1)
	done := newCompletions()
	e := utmetadata.NewEngine(ih, done.callback)

	wires := make([]*wiretest.Wire, 8)
	errcs := make([]<-chan error, len(wires))
	for i := range wires {
		w := wiretest.New(true)
		wires[i] = w
		errcs[i] = attach(t, e, w)
		readHandshake(t, w)
		require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, len(data))))
	}
	// Every connection delivers every block, from its own goroutine, including duplicates of
	// blocks already stored.
	var eg errgroup.Group
	for _, w := range wires {
		eg.Go(func() error {
			for i := range utmetadata.BlockCount(len(data)) {
				payload, err := bep0009.Marshal(bep0009.Message{Type: bep0009.Data, Index: i}, block(data, i))
				if err != nil {
					return err
				}
				if err = w.Deliver(utmetadata.LocalExtensionID, payload); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	require.Equal(t, data, done.wait(t))
	for i, w := range wires {
		running(t, errcs[i])
		require.NoError(t, w.Close())
		require.NoError(t, wait(t, errcs[i]))
	}
	require.EqualValues(t, 1, done.calls.Load())
}

func TestDuplicateBlocksDontCorrupt(t *testing.T) {
	data, ih := testx.Metadata(2 * utmetadata.BlockSize)
	done := newCompletions()
	e := utmetadata.NewEngine(ih, done.callback)

	a, b := wiretest.New(true), wiretest.New(true)
	errA, errB := attach(t, e, a), attach(t, e, b)
	for _, w := range []*wiretest.Wire{a, b} {
		readHandshake(t, w)
		require.NoError(t, w.Deliver(0, wiretest.Handshake(t, peerChannel, len(data))))
	}
	deliverBlock(t, a, data, 0)
	deliverBlock(t, b, data, 0)
	deliverBlock(t, b, data, 1)

	require.Equal(t, data, done.wait(t))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.NoError(t, wait(t, errA))
	require.NoError(t, wait(t, errB))
	require.EqualValues(t, 1, done.calls.Load())
}

func TestPipeSeederToLeecher(t *testing.T) {
	data, ih := testx.Metadata(5*utmetadata.BlockSize + 3)

	seeder := utmetadata.NewEngine(ih, nil)
	require.NoError(t, seeder.SetMetadata(data))
	done := newCompletions()
	leecher := utmetadata.NewEngine(ih, done.callback, utmetadata.ConfigLocalExtensionID(7))

	sw, lw := wiretest.Pipe()
	seederErrc := attach(t, seeder, sw)
	leecherErrc := attach(t, leecher, lw)

	require.Equal(t, data, done.wait(t))
	<-leecher.Complete()

	require.NoError(t, sw.Close())
	require.NoError(t, wait(t, seederErrc))
	require.NoError(t, wait(t, leecherErrc))
}

func TestSetMetadataVerifies(t *testing.T) {
	data, ih := testx.Metadata(1000)
	done := newCompletions()
	e := utmetadata.NewEngine(ih, done.callback)
	require.ErrorIs(t, e.SetMetadata(data[1:]), utmetadata.ErrVerificationFailed)
	_, ok := e.Metadata()
	require.False(t, ok)
	require.NoError(t, e.SetMetadata(data))
	require.NoError(t, e.SetMetadata(data))
	require.Equal(t, data, done.wait(t))
	require.EqualValues(t, 1, done.calls.Load())
	require.Equal(t, ih, e.InfoHash())
}

func TestAttachCancelled(t *testing.T) {
	_, ih := testx.Metadata(1)
	ctx, cancel := context.WithCancel(context.Background())
	w := wiretest.New(true)
	errc := make(chan error, 1)
	go func() {
		errc <- utmetadata.NewEngine(ih, nil).Attach(ctx, w)
	}()
	readHandshake(t, w)
	cancel()
	require.ErrorIs(t, wait(t, errc), context.Canceled)
}

func TestRegistrySingleEnginePerInfoHash(t *testing.T) {
	var r utmetadata.Registry
	_, a := testx.Metadata(1)
	_, b := testx.Metadata(2)
	ea := r.Engine(a, nil)
	require.Same(t, ea, r.Engine(a, nil))
	require.NotSame(t, ea, r.Engine(b, nil))
	got, ok := r.Lookup(a)
	require.True(t, ok)
	require.Same(t, ea, got)
	r.Drop(a)
	_, ok = r.Lookup(a)
	require.False(t, ok)
	require.NotSame(t, ea, r.Engine(a, nil))
}

func TestParseInfoHash(t *testing.T) {
	const lower = "bf3bea484a7c92aa6e95f86fe757a1ed04014bb9"
	want := metainfo.NewHashFromHex(lower)
	for _, s := range []string{lower, "BF3BEA484A7C92AA6E95F86FE757A1ED04014BB9", "urn:btih:" + lower} {
		ih, err := utmetadata.ParseInfoHash(s)
		require.NoError(t, err)
		require.Equal(t, want, ih)
	}
	_, err := utmetadata.ParseInfoHash("abc")
	require.Error(t, err)

	data, ih := testx.Metadata(10)
	require.True(t, utmetadata.Verify(data, ih))
	require.False(t, utmetadata.Verify(data[:9], ih))
}
