package peerwire

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/utmetadata/internal/errorsx"
)

const Protocol = "\x13BitTorrent protocol"

const handshakeLen = len(Protocol) + 8 + 20 + 20

const ErrInfoHashMismatch = errorsx.String("peer declared a different info hash")

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
const (
	ExtensionBitDht  = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html
	ExtensionBitLtep = 20
)

type PeerExtensionBits [8]byte

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	// Ordered by their bit position left to right.
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	tags := make([]string, 0, len(bitTags))
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
		}
	}
	return fmt.Sprintf("%v (%s)", hex.EncodeToString(pex[:]), strings.Join(tags, ", "))
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitLtep)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

type HandshakeResult struct {
	PeerExtensionBits
	PeerID PeerID
	metainfo.Hash
}

func handshakeWriter(w io.Writer, bb <-chan []byte, done chan<- error) {
	var err error
	for b := range bb {
		_, err = w.Write(b)
		if err != nil {
			break
		}
	}
	done <- err
}

// Handshake exchanges BitTorrent handshakes on sock. ih is nil if we expect the peer to declare
// the info hash, such as when the peer initiated the connection. Cancelling ctx aborts the
// exchange by expiring the socket deadline.
func Handshake(
	ctx context.Context,
	sock net.Conn,
	ih *metainfo.Hash,
	peerID PeerID,
	extensions PeerExtensionBits,
) (
	res HandshakeResult, err error,
) {
	if deadline, ok := ctx.Deadline(); ok {
		if err = sock.SetDeadline(deadline); err != nil {
			return res, errorsx.Wrap(err, "setting handshake deadline")
		}
	}
	stop := context.AfterFunc(ctx, func() {
		sock.SetDeadline(time.Unix(1, 0))
	})

	// Bytes to be sent to the peer. Should never block the sender.
	postCh := make(chan []byte, 4)
	// A single error value sent when the writer completes.
	writeDone := make(chan error, 1)
	go handshakeWriter(sock, postCh, writeDone)

	defer func() {
		close(postCh)
		if err == nil {
			// Wait until writes complete before returning from handshake.
			if err = <-writeDone; err != nil {
				err = errorsx.Wrap(err, "writing handshake")
			}
		}
		if !stop() && err == nil {
			err = context.Cause(ctx)
		}
		if err == nil {
			err = sock.SetDeadline(time.Time{})
		}
	}()

	post := func(bb []byte) {
		panicif.SendBlocks(postCh, bb)
	}

	post([]byte(Protocol))
	post(extensions[:])
	if ih != nil {
		post(ih[:])
		post(peerID[:])
	}

	b := make([]byte, handshakeLen)
	if _, err = io.ReadFull(sock, b); err != nil {
		return res, errorsx.Wrap(err, "reading handshake")
	}

	p := b[:len(Protocol)]
	if string(p) != Protocol {
		return res, errorsx.Errorf("unexpected protocol string %q", string(p))
	}
	b = b[len(p):]
	read := func(dst []byte) {
		n := copy(dst, b)
		panicif.NotEq(n, len(dst))
		b = b[n:]
	}
	read(res.PeerExtensionBits[:])
	read(res.Hash[:])
	read(res.PeerID[:])
	panicif.NotEq(len(b), 0)

	if ih != nil && res.Hash != *ih {
		return res, errorsx.Wrapf(ErrInfoHashMismatch, "wanted %v, got %v", ih, res.Hash)
	}

	if ih == nil {
		post(res.Hash[:])
		post(peerID[:])
	}

	return res, nil
}
