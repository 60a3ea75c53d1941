// Package peerwire carries extended messages over a BitTorrent peer connection.
package peerwire

import (
	"bufio"
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/utmetadata"
	"github.com/anacrolix/utmetadata/internal/errorsx"
	"github.com/anacrolix/utmetadata/version"
)

const (
	// Largest extended message accepted from a peer. Fits a full metadata block and its header.
	maxMessageLength = 1 << 15
	keepAliveTimeout = 2 * time.Minute
	// Keep-alives should be received every 2 mins. Give a bit of gracetime.
	readTimeout      = keepAliveTimeout + 30*time.Second
)

// Extensions we advertise in the handshake.
var Extensions = NewPeerExtensionBytes(ExtensionBitLtep)

// NewPeerID generates a peer ID with the client's BEP 20 prefix.
func NewPeerID() (ret PeerID) {
	n := copy(ret[:], version.DefaultBep20Prefix)
	rand.Read(ret[n:])
	return
}

// Conn is a handshaken peer connection. It implements utmetadata.Wire.
type Conn struct {
	HandshakeResult

	nc     net.Conn
	logger log.Logger

	wmu sync.Mutex

	inbound  chan utmetadata.ExtendedMessage
	closed   chansync.SetOnce
	readDone chansync.SetOnce
	readErr  error
}

var _ utmetadata.Wire = (*Conn)(nil)

// Dial connects to addr and handshakes for ih.
func Dial(ctx context.Context, addr string, ih metainfo.Hash, peerID PeerID, logger log.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errorsx.Wrapf(err, "dialing %v", addr)
	}
	c, err := NewConn(ctx, nc, &ih, peerID, logger)
	if err != nil {
		return nil, errorsx.Compact(err, nc.Close())
	}
	return c, nil
}

// NewConn handshakes on nc and starts reading messages. ih is nil when accepting, in which case
// the peer's choice is in the HandshakeResult.
func NewConn(ctx context.Context, nc net.Conn, ih *metainfo.Hash, peerID PeerID, logger log.Logger) (*Conn, error) {
	res, err := Handshake(ctx, nc, ih, peerID, Extensions)
	if err != nil {
		return nil, errorsx.Wrapf(err, "handshaking with %v", nc.RemoteAddr())
	}
	c := &Conn{
		HandshakeResult: res,
		nc:              nc,
		logger:          logger.WithNames("peerwire").WithContextText(nc.RemoteAddr().String()),
		inbound:         make(chan utmetadata.ExtendedMessage, 16),
	}
	c.logger.Levelf(log.Debug, "handshook peer %v with extensions %v", res.PeerID, res.PeerExtensionBits)
	go c.readLoop()
	go c.keepAlive()
	return c, nil
}

func (c *Conn) SupportsExtended() bool {
	return c.PeerExtensionBits.SupportsExtended()
}

func (c *Conn) ExtendedMessages() <-chan utmetadata.ExtendedMessage {
	return c.inbound
}

func (c *Conn) WriteExtended(id utmetadata.ExtensionNumber, payload []byte) error {
	return c.write(Message{Type: Extended, ExtendedID: id, ExtendedPayload: payload})
}

func (c *Conn) write(msg Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.IsSet() {
		return utmetadata.ErrWireClosed
	}
	_, err = c.nc.Write(b)
	return errorsx.Wrap(err, "writing message")
}

// Err is the reason the read loop stopped, once ExtendedMessages is closed. It's nil if the
// connection was closed locally.
func (c *Conn) Err() error {
	<-c.readDone.Done()
	return c.readErr
}

func (c *Conn) Close() error {
	if !c.closed.Set() {
		return nil
	}
	return c.nc.Close()
}

func (c *Conn) readLoop() {
	defer c.readDone.Set()
	defer close(c.inbound)
	err := c.readMessages()
	if !c.closed.IsSet() {
		c.readErr = err
		c.logger.Levelf(log.Debug, "read loop stopped: %v", err)
	}
	if err := c.Close(); err != nil {
		c.logger.Levelf(log.Debug, "closing: %v", err)
	}
}

func (c *Conn) readMessages() error {
	d := Decoder{
		R:         bufio.NewReader(c.nc),
		MaxLength: maxMessageLength,
	}
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		var msg Message
		if err := d.Decode(&msg); err != nil {
			return err
		}
		if msg.Keepalive || msg.Type != Extended {
			continue
		}
		select {
		case c.inbound <- utmetadata.ExtendedMessage{ID: msg.ExtendedID, Payload: msg.ExtendedPayload}:
		case <-c.closed.Done():
			return nil
		}
	}
}

func (c *Conn) keepAlive() {
	t := time.NewTicker(keepAliveTimeout)
	defer t.Stop()
	for {
		select {
		case <-c.closed.Done():
			return
		case <-t.C:
			if err := c.write(Message{Keepalive: true}); err != nil {
				c.logger.Levelf(log.Debug, "sending keepalive: %v", err)
				return
			}
		}
	}
}
