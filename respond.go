package utmetadata

import (
	"context"

	"github.com/anacrolix/utmetadata/bep0009"
	"github.com/anacrolix/utmetadata/internal/errorsx"
)

// Builds the data message for the block at index of metadata. ok is false if the index is past
// the end.
func dataMessage(metadata []byte, index int) (encoded []byte, ok bool, err error) {
	// Bounded before multiplying, the index comes from the peer.
	if index < 0 || index >= BlockCount(len(metadata)) {
		return nil, false, nil
	}
	begin := index * BlockSize
	end := min(begin+BlockSize, len(metadata))
	encoded, err = bep0009.Marshal(bep0009.Message{
		Type:  bep0009.Data,
		Index: index,
		Total: len(metadata),
	}, metadata[begin:end])
	return encoded, true, err
}

func rejectMessage(index int) ([]byte, error) {
	return bep0009.Marshal(bep0009.Message{Type: bep0009.Reject, Index: index}, nil)
}

// Answers a peer request for the block at index. Without metadata, or for an index past its end,
// the request is rejected.
func (c *conn) respond(ctx context.Context, index int) error {
	var (
		encoded []byte
		ok      bool
		err     error
	)

	if metadata, known := c.e.metadata.Load(); known {
		if encoded, ok, err = dataMessage(metadata, index); err != nil {
			return err
		}
	}

	if !ok {
		if encoded, err = rejectMessage(index); err != nil {
			return err
		}
		countMessage("out", bep0009.Reject)
		return errorsx.Wrapf(c.w.WriteExtended(c.channel, encoded), "rejecting metadata piece %d", index)
	}

	if l := c.e.config.ResponseLimiter; l != nil {
		if err = l.Wait(ctx); err != nil {
			return errorsx.Wrap(err, "waiting on response limiter")
		}
	}

	countMessage("out", bep0009.Data)
	return errorsx.Wrapf(c.w.WriteExtended(c.channel, encoded), "sending metadata piece %d", index)
}
