package utmetadata

import (
	"context"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/torrent/bencode"

	"github.com/anacrolix/utmetadata/bep0009"
	"github.com/anacrolix/utmetadata/internal/errorsx"
)

// The fields of the BEP 10 extended handshake we send.
type extendedHandshakeMessage struct {
	M            map[string]ExtensionNumber `bencode:"m"`
	V            string                     `bencode:"v,omitempty"`
	MetadataSize int                        `bencode:"metadata_size,omitempty"`
}

// What the peer told us in its extended handshake.
type peerHandshake struct {
	// The id the peer wants our ut_metadata messages addressed to.
	Channel ExtensionNumber
	// Present if the peer has the metadata.
	MetadataSize g.Option[int]
	ClientName   string
}

func encodeHandshake(cfg Config, metadataSize g.Option[int]) ([]byte, error) {
	msg := extendedHandshakeMessage{
		M: map[string]ExtensionNumber{
			ExtensionName: cfg.LocalExtensionID,
		},
		V: cfg.ClientVersion,
	}
	if metadataSize.Ok {
		msg.MetadataSize = metadataSize.Value
	}

	encoded, err := bencode.Marshal(msg)
	if err != nil {
		return nil, errorsx.Wrapf(err, "unable to encode message %T", msg)
	}
	return encoded, nil
}

func decodeHandshake(payload []byte) (h peerHandshake, err error) {
	var d map[string]interface{}

	if err = bencode.Unmarshal(payload, &d); err != nil {
		return h, errorsx.Wrapf(ErrMalformedMessage, "unmarshalling extended handshake payload: %v", err)
	}

	m, ok := d["m"].(map[string]interface{})
	if !ok {
		return h, errorsx.Wrap(ErrCapabilityMismatch, "handshake has no extension map")
	}

	id, ok := bep0009.IntField(m, ExtensionName)
	if !ok {
		return h, errorsx.Wrapf(ErrCapabilityMismatch, "extension map has no integer %q", ExtensionName)
	}
	// Zero disables the extension, and ids are a single byte on the wire.
	if id <= 0 || id > 255 {
		return h, errorsx.Wrapf(ErrCapabilityMismatch, "invalid %q id %d", ExtensionName, id)
	}
	h.Channel = ExtensionNumber(id)

	if size, ok := bep0009.IntField(d, "metadata_size"); ok {
		h.MetadataSize = g.Some(size)
	}

	h.ClientName, _ = d["v"].(string)

	return h, nil
}

// Sends our extended handshake and waits for the peer's. The peer's handshake must be the first
// extended message on the wire.
func negotiate(ctx context.Context, w Wire, cfg Config, metadataSize g.Option[int]) (h peerHandshake, err error) {
	if !w.SupportsExtended() {
		return h, ErrExtensionsUnsupported
	}

	encoded, err := encodeHandshake(cfg, metadataSize)
	if err != nil {
		return h, err
	}

	if err = w.WriteExtended(HandshakeExtendedID, encoded); err != nil {
		return h, errorsx.Wrap(err, "writing extended handshake")
	}

	select {
	case <-ctx.Done():
		return h, context.Cause(ctx)
	case msg, ok := <-w.ExtendedMessages():
		if !ok {
			return h, errorsx.Wrap(ErrWireClosed, "awaiting extended handshake")
		}
		if msg.ID != HandshakeExtendedID {
			return h, errorsx.Wrapf(ErrCapabilityMismatch, "expected extended handshake, got extended message %d", msg.ID)
		}
		return decodeHandshake(msg.Payload)
	}
}
