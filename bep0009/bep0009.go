// Package bep0009 encodes and decodes ut_metadata extension payloads.
// https://www.bittorrent.org/beps/bep_0009.html
package bep0009

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"

	"github.com/anacrolix/utmetadata/internal/errorsx"
)

type MsgType int

const (
	Request MsgType = 0
	Data    MsgType = 1
	Reject  MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case Request:
		return "request"
	case Data:
		return "data"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Message is the bencoded dictionary leading every ut_metadata payload. Data messages carry the
// block itself directly after the dictionary.
type Message struct {
	Type  MsgType `bencode:"msg_type"`
	Index int     `bencode:"piece"`                // index of the metadata piece.
	Total int     `bencode:"total_size,omitempty"` // total byte size of metadata, data only.
}

const ErrMissingField = errorsx.String("missing field")

// Marshal encodes the message header followed by data.
func Marshal(m Message, data []byte) ([]byte, error) {
	encoded, err := bencode.Marshal(m)
	if err != nil {
		return nil, errorsx.Wrapf(err, "unable to encode message %T", m)
	}

	return append(encoded, data...), nil
}

// Unmarshal decodes the leading dictionary of b. Bytes after the dictionary are returned as
// data, whatever the message type.
func Unmarshal(b []byte) (m Message, data []byte, err error) {
	var d map[string]interface{}

	err = bencode.Unmarshal(b, &d)
	if trailing, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		data = b[len(b)-trailing.NumUnusedBytes:]
	} else if err != nil {
		return m, nil, errorsx.Wrap(err, "decoding message header")
	}

	msgType, err := intField(d, "msg_type")
	if err != nil {
		return m, nil, err
	}

	index, err := intField(d, "piece")
	if err != nil {
		return m, nil, err
	}

	m = Message{
		Type:  MsgType(msgType),
		Index: index,
	}

	if _, ok := d["total_size"]; ok {
		if m.Total, err = intField(d, "total_size"); err != nil {
			return m, nil, err
		}
	}

	return m, data, nil
}

// IntField extracts an integer value from a decoded bencode dictionary.
func IntField(d map[string]interface{}, key string) (int, bool) {
	switch v := d[key].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func intField(d map[string]interface{}, key string) (int, error) {
	v, ok := d[key]
	if !ok {
		return 0, errorsx.Wrapf(ErrMissingField, "%q", key)
	}

	i, ok := IntField(d, key)
	if !ok {
		return 0, errorsx.Errorf("field %q has type %T, expected integer", key, v)
	}

	return i, nil
}
