package testx

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

func Context(t testing.TB) (context.Context, context.CancelFunc) {
	return context.WithCancel(t.Context())
}

func ContextWithTimeout(t testing.TB, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.Context(), d)
}

// Metadata generates n pseudo random bytes standing in for an info dictionary, and their info
// hash. The same n always generates the same bytes.
func Metadata(n int) ([]byte, metainfo.Hash) {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b, metainfo.HashBytes(b)
}
