package utmetadata

import (
	"github.com/anacrolix/utmetadata/internal/errorsx"
)

const (
	// ErrExtensionsUnsupported is returned by Attach when the wire can't carry extended messages.
	ErrExtensionsUnsupported = errorsx.String("peer does not support the extension protocol")
	// ErrCapabilityMismatch means the peer's extended handshake doesn't offer ut_metadata.
	ErrCapabilityMismatch = errorsx.String("peer does not support ut_metadata")
	ErrMalformedMessage   = errorsx.String("malformed ut_metadata message")
	ErrSizeOutOfBounds    = errorsx.String("metadata size out of bounds")
	ErrVerificationFailed = errorsx.String("metadata does not match info hash")
	ErrWireClosed         = errorsx.String("wire closed")
)
