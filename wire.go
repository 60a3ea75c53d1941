package utmetadata

// ExtendedMessage is a BEP 10 extended message, without the leading message type.
type ExtendedMessage struct {
	ID      ExtensionNumber
	Payload []byte
}

// Wire is the part of a peer connection the metadata exchange needs. Transport, framing and
// connection lifecycle belong to the implementation.
type Wire interface {
	// Whether both ends set the extension protocol reserved bit.
	SupportsExtended() bool
	// Sends an extended message with the given id.
	WriteExtended(id ExtensionNumber, payload []byte) error
	// Inbound extended messages in arrival order. Closed when the connection ends.
	ExtendedMessages() <-chan ExtendedMessage
}
