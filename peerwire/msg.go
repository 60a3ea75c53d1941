package peerwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/anacrolix/utmetadata"
)

type (
	MessageType byte
	Integer     uint32
)

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Extended      MessageType = 20
)

func (mt MessageType) String() string {
	switch mt {
	case Extended:
		return "Extended"
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(mt))
	}
}

// Message is a peer wire message. Only keepalives and extended messages carry their contents,
// other types are identified and skipped.
type Message struct {
	Keepalive       bool
	Type            MessageType
	ExtendedID      utmetadata.ExtensionNumber
	ExtendedPayload []byte
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	buf := &bytes.Buffer{}
	if !msg.Keepalive {
		if err = buf.WriteByte(byte(msg.Type)); err != nil {
			return
		}
		switch msg.Type {
		case Choke, Unchoke, Interested, NotInterested:
		case Extended:
			if err = buf.WriteByte(byte(msg.ExtendedID)); err != nil {
				return
			}
			_, err = buf.Write(msg.ExtendedPayload)
		default:
			err = fmt.Errorf("unsupported message type: %v", msg.Type)
		}
		if err != nil {
			return
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	copy(data[4:], buf.Bytes())
	return
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}
