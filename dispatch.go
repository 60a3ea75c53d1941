package utmetadata

import (
	"context"

	"github.com/anacrolix/log"

	"github.com/anacrolix/utmetadata/bep0009"
)

// Routes an inbound extended message. Returns the assembled metadata when a data message
// completes the piece table.
func (c *conn) dispatch(ctx context.Context, msg ExtendedMessage) (assembled []byte, generation uint64, complete bool) {
	if msg.ID != c.e.config.LocalExtensionID {
		return nil, 0, false
	}

	m, data, err := bep0009.Unmarshal(msg.Payload)
	if err != nil {
		droppedCounter.WithLabelValues("malformed").Inc()
		c.logger.Levelf(log.Debug, "dropping %v: %v", ErrMalformedMessage, err)
		return nil, 0, false
	}
	if m.Index < 0 {
		droppedCounter.WithLabelValues("negative_index").Inc()
		c.logger.Levelf(log.Debug, "dropping %v message for piece %d", m.Type, m.Index)
		return nil, 0, false
	}

	switch m.Type {
	case bep0009.Request:
		countMessage("in", m.Type)
		if err := c.respond(ctx, m.Index); err != nil {
			c.logger.Levelf(log.Debug, "responding to request for piece %d: %v", m.Index, err)
		}
	case bep0009.Data:
		countMessage("in", m.Type)
		return c.e.submit(m.Index, data)
	case bep0009.Reject:
		countMessage("in", m.Type)
		c.logger.Levelf(log.Debug, "peer rejected request for metadata piece %d", m.Index)
		if c.size.Ok && m.Index < BlockCount(c.size.Value) {
			c.rejected.Add(uint32(m.Index))
		}
	default:
		droppedCounter.WithLabelValues("unknown_type").Inc()
		c.logger.Levelf(log.Debug, "dropping ut_metadata message of type %v", m.Type)
	}

	return nil, 0, false
}
