package utmetadata

import (
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/utmetadata/internal/errorsx"
)

// Verify reports whether the SHA-1 of b is the info hash.
func Verify(b []byte, ih metainfo.Hash) bool {
	return metainfo.HashBytes(b) == ih
}

// ParseInfoHash decodes a 40 character hex info hash in either case.
func ParseInfoHash(s string) (ih metainfo.Hash, err error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "urn:btih:")
	if err = ih.FromHexString(s); err != nil {
		return ih, errorsx.Wrapf(err, "parsing info hash %q", s)
	}
	return ih, nil
}
