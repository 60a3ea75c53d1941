// Package wiretest provides in-memory utmetadata.Wire implementations for tests.
package wiretest

import (
	"testing"
	"time"

	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/utmetadata"
	"github.com/anacrolix/utmetadata/bep0009"
	"github.com/anacrolix/utmetadata/internal/errorsx"
)

const ErrClosed = errorsx.String("wiretest: closed")

const buffered = 4096

// Wire records what the local end writes and lets the test play the peer. When paired with
// another Wire, writes are delivered to it instead.
type Wire struct {
	Extended bool

	mu      sync.Mutex
	closed  bool
	inbound chan utmetadata.ExtendedMessage
	written chan utmetadata.ExtendedMessage
	peer    *Wire
}

func New(extended bool) *Wire {
	return &Wire{
		Extended: extended,
		inbound:  make(chan utmetadata.ExtendedMessage, buffered),
		written:  make(chan utmetadata.ExtendedMessage, buffered),
	}
}

// Pipe returns two connected Wires that both support extensions.
func Pipe() (a, b *Wire) {
	a, b = New(true), New(true)
	a.peer, b.peer = b, a
	return a, b
}

func (w *Wire) SupportsExtended() bool {
	return w.Extended
}

func (w *Wire) WriteExtended(id utmetadata.ExtensionNumber, payload []byte) error {
	msg := utmetadata.ExtendedMessage{ID: id, Payload: append([]byte(nil), payload...)}
	if w.peer != nil {
		return w.peer.Deliver(msg.ID, msg.Payload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.written <- msg
	return nil
}

func (w *Wire) ExtendedMessages() <-chan utmetadata.ExtendedMessage {
	return w.inbound
}

// Deliver queues a message as though the peer sent it.
func (w *Wire) Deliver(id utmetadata.ExtensionNumber, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.inbound <- utmetadata.ExtendedMessage{ID: id, Payload: payload}
	return nil
}

// Close ends the inbound message stream, on both ends if paired.
func (w *Wire) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.inbound)
	}
	w.mu.Unlock()
	if p := w.peer; p != nil {
		p.mu.Lock()
		if !p.closed {
			p.closed = true
			close(p.inbound)
		}
		p.mu.Unlock()
	}
	return nil
}

// Next waits for the next message written to an unpaired Wire.
func (w *Wire) Next(t testing.TB, timeout time.Duration) utmetadata.ExtendedMessage {
	t.Helper()
	select {
	case msg := <-w.written:
		return msg
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for an extended message")
		panic("unreachable")
	}
}

// Quiet asserts nothing is written within d.
func (w *Wire) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case msg := <-w.written:
		require.FailNowf(t, "unexpected extended message", "id %d payload %q", msg.ID, msg.Payload)
	case <-time.After(d):
	}
}

// Handshake encodes an extended handshake offering ut_metadata on id, with an optional
// metadata_size.
func Handshake(t testing.TB, id int, metadataSize int) []byte {
	t.Helper()
	d := map[string]interface{}{
		"m": map[string]int{utmetadata.ExtensionName: id},
	}
	if metadataSize != 0 {
		d["metadata_size"] = metadataSize
	}
	encoded, err := bencode.Marshal(d)
	require.NoError(t, err)
	return encoded
}

// Message encodes a ut_metadata message.
func Message(t testing.TB, typ bep0009.MsgType, index int, data []byte) []byte {
	t.Helper()
	encoded, err := bep0009.Marshal(bep0009.Message{Type: typ, Index: index}, data)
	require.NoError(t, err)
	return encoded
}

// Decode decodes a ut_metadata message written by the engine.
func Decode(t testing.TB, msg utmetadata.ExtendedMessage) (bep0009.Message, []byte) {
	t.Helper()
	m, data, err := bep0009.Unmarshal(msg.Payload)
	require.NoError(t, err)
	return m, data
}
