package utmetadata

const (
	// BlockSize is the size of every metadata block except possibly the last.
	BlockSize = 1 << 14
	// MaxMetadataSize is the largest metadata we will request from peers.
	MaxMetadataSize = 1 << 22

	// ExtensionName is the key advertised in the extended handshake "m" dictionary.
	ExtensionName = "ut_metadata"
	// HandshakeExtendedID is the extended message id reserved for the extended handshake.
	HandshakeExtendedID ExtensionNumber = 0
	// LocalExtensionID is the id we ask peers to address ut_metadata messages to.
	LocalExtensionID ExtensionNumber = 1
)

// ExtensionNumber is the one byte extended message id of BEP 10.
type ExtensionNumber uint8

// BlockCount returns the number of blocks metadata of the given size is split into.
func BlockCount(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + BlockSize - 1) / BlockSize
}

// BlockIndex returns the index of the block containing offset.
func BlockIndex(offset int) int {
	return offset / BlockSize
}

// The size in bytes of a metadata block.
func blockSize(totalSize int, index int) int {
	ret := totalSize - index*BlockSize
	if ret > BlockSize {
		ret = BlockSize
	}
	return ret
}

// Whether a peer declared size is one we're willing to request.
func sizeInBounds(size int, max int) bool {
	return size > 0 && size <= max
}
