package utmetadata

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/anacrolix/utmetadata/internal/cstate"
)

type connState int

const (
	connAwaitingHandshake connState = iota
	connRequesting
	connAssembling
	connVerifying
	connDone
)

func (s connState) String() string {
	switch s {
	case connAwaitingHandshake:
		return "awaiting handshake"
	case connRequesting:
		return "requesting"
	case connAssembling:
		return "assembling"
	case connVerifying:
		return "verifying"
	case connDone:
		return "done"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// The metadata exchange on a single peer connection.
type conn struct {
	e      *Engine
	w      Wire
	logger log.Logger

	state connState
	// The peer's id for ut_metadata messages.
	channel ExtensionNumber
	// Declared by the peer in its extended handshake.
	size g.Option[int]
	// Indices the peer rejected. They aren't requested again on this connection.
	rejected *roaring.Bitmap
	retry    *time.Timer
}

func newConn(e *Engine, w Wire) *conn {
	return &conn{
		e:        e,
		w:        w,
		logger:   e.logger.WithNames("conn"),
		rejected: roaring.New(),
	}
}

func (c *conn) run(ctx context.Context) error {
	defer func() {
		if c.retry != nil {
			c.retry.Stop()
		}
	}()
	return cstate.Run(ctx, connAwaitHandshake(c), c.logger)
}

func (c *conn) transition(s connState) {
	if c.state != s {
		c.logger.Levelf(log.Debug, "%v -> %v", c.state, s)
	}
	c.state = s
}

func connAwaitHandshake(c *conn) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		c.transition(connAwaitingHandshake)
		h, err := negotiate(ctx, c.w, c.e.config, c.e.knownSize())
		if err != nil {
			handshakesCounter.WithLabelValues("failed").Inc()
			c.logger.Levelf(log.Debug, "extended handshake: %v", err)
			return cstate.Failure(err)
		}
		handshakesCounter.WithLabelValues("ok").Inc()
		c.channel = h.Channel
		c.size = h.MetadataSize
		c.logger.Levelf(log.Debug, "peer %q uses ut_metadata id %d, metadata size %v", h.ClientName, h.Channel, h.MetadataSize)
		return connRequest(c)
	})
}

func connRequest(c *conn) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		c.transition(connRequesting)
		if c.e.metadata.Known() {
			c.transition(connDone)
			return connReceive(c)
		}
		if !c.size.Ok {
			c.logger.Levelf(log.Debug, "peer doesn't have the metadata")
			return connReceive(c)
		}
		if !sizeInBounds(c.size.Value, c.e.config.MaxMetadataSize) {
			c.logger.Levelf(log.Info, "not requesting metadata: size %d: %v", c.size.Value, ErrSizeOutOfBounds)
			return connReceive(c)
		}

		pending := c.e.beginTransfer(c.size.Value)
		if err := issueRequests(c.w, c.channel, pending); err != nil {
			c.logger.Levelf(log.Debug, "%v", err)
		}
		c.armRetry()
		return connReceive(c)
	})
}

// Handles one inbound message per update, until the wire closes.
func connReceive(c *conn) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		if c.e.metadata.Known() {
			c.transition(connDone)
		} else if c.state != connDone {
			c.transition(connAssembling)
		}

		var retry <-chan time.Time
		if c.retry != nil && c.state != connDone {
			retry = c.retry.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-retry:
			c.rerequest()
			return connReceive(c)
		case msg, ok := <-c.w.ExtendedMessages():
			if !ok {
				c.logger.Levelf(log.Debug, "wire closed in state %v", c.state)
				return nil
			}
			assembled, generation, complete := c.dispatch(ctx, msg)
			if complete {
				return connVerify(c, assembled, generation)
			}
			return connReceive(c)
		}
	})
}

func connVerify(c *conn, assembled []byte, generation uint64) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		c.transition(connVerifying)
		if c.e.verify(assembled, generation) {
			c.transition(connDone)
			return connReceive(c)
		}
		c.transition(connAssembling)
		if c.retry != nil {
			c.armRetry()
		}
		return connReceive(c)
	})
}

func (c *conn) armRetry() {
	d := c.e.config.RequestTimeout
	if d <= 0 {
		return
	}
	if c.retry == nil {
		c.retry = time.NewTimer(d)
		return
	}
	c.retry.Reset(d)
}

// Requests whatever is still missing, other than blocks this peer rejected.
func (c *conn) rerequest() {
	if c.e.metadata.Known() {
		return
	}
	var pending []int
	for _, i := range c.e.pending(c.size.Value) {
		if !c.rejected.Contains(uint32(i)) {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return
	}
	c.logger.Levelf(log.Debug, "re-requesting %d metadata pieces", len(pending))
	if err := issueRequests(c.w, c.channel, pending); err != nil {
		c.logger.Levelf(log.Debug, "%v", err)
	}
	c.armRetry()
}
