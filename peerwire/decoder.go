package peerwire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/anacrolix/utmetadata"
)

type Decoder struct {
	R         *bufio.Reader
	// Largest extended message accepted, excluding the length prefix. Other types are discarded
	// without buffering, so any length is skipped.
	MaxLength Integer
}

// io.EOF is returned if the source terminates cleanly on a message boundary.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	*msg = Message{}
	if length == 0 {
		msg.Keepalive = true
		return
	}
	// From this point onwards, EOF is unexpected
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := d.R.ReadByte()
	if err != nil {
		return
	}
	length--
	msg.Type = MessageType(c)
	switch msg.Type {
	case Extended:
		if length+1 > d.MaxLength {
			return errors.New("message too long")
		}
		if length == 0 {
			return errors.New("extended message without an id")
		}
		var b byte
		if b, err = d.R.ReadByte(); err != nil {
			return
		}
		length--
		msg.ExtendedID = utmetadata.ExtensionNumber(b)
		msg.ExtendedPayload = make([]byte, length)
		_, err = io.ReadFull(d.R, msg.ExtendedPayload)
	default:
		_, err = d.R.Discard(int(length))
	}
	return
}
