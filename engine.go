package utmetadata

import (
	"bytes"
	"context"

	"github.com/anacrolix/chansync/events"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/utmetadata/internal/errorsx"
)

// Engine exchanges the metadata for one info hash over any number of peer connections.
type Engine struct {
	infoHash   metainfo.Hash
	config     Config
	logger     log.Logger
	onComplete func(metadata []byte)

	metadata cell

	mu    sync.Mutex
	table pieceTable
}

// NewEngine creates an Engine for ih. onComplete is called once, with a copy of the verified
// metadata, by whichever connection completes the transfer first. It may be nil.
func NewEngine(ih metainfo.Hash, onComplete func(metadata []byte), options ...ConfigOption) *Engine {
	cfg := NewDefaultConfig(options...)
	return &Engine{
		infoHash:   ih,
		config:     cfg,
		logger:     cfg.Logger.WithContextText(ih.HexString()),
		onComplete: onComplete,
	}
}

func (e *Engine) InfoHash() metainfo.Hash {
	return e.infoHash
}

// Metadata returns a copy of the verified metadata, if it's known.
func (e *Engine) Metadata() ([]byte, bool) {
	b, ok := e.metadata.Load()
	if !ok {
		return nil, false
	}
	return bytes.Clone(b), true
}

// Complete is closed once the metadata is known.
func (e *Engine) Complete() events.Done {
	return e.metadata.Done()
}

// SetMetadata supplies metadata obtained elsewhere, such as from a .torrent file, so it can be
// served to peers. It's checked against the info hash first.
func (e *Engine) SetMetadata(b []byte) error {
	if !Verify(b, e.infoHash) {
		return errorsx.Wrapf(ErrVerificationFailed, "%d bytes", len(b))
	}
	e.commit(bytes.Clone(b))
	return nil
}

// Attach runs the metadata exchange on w until the wire closes, ctx is done, or the extended
// handshake fails. A wire that doesn't support extensions returns ErrExtensionsUnsupported
// immediately, and one whose peer doesn't offer ut_metadata returns ErrCapabilityMismatch.
func (e *Engine) Attach(ctx context.Context, w Wire) error {
	return newConn(e, w).run(ctx)
}

func (e *Engine) knownSize() g.Option[int] {
	if b, ok := e.metadata.Load(); ok {
		return g.Some(len(b))
	}
	return g.None[int]()
}

// Prepares the piece table for a transfer of size bytes, and returns the indices still missing.
func (e *Engine) beginTransfer(size int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table.resize(size) {
		e.logger.Levelf(log.Debug, "piece table sized for %d bytes, %d blocks", size, e.table.blockCount())
	}
	return e.table.pending(size)
}

func (e *Engine) pending(size int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table.size != size {
		return nil
	}
	return e.table.pending(size)
}

// Stores a data block. Once every block is present the assembled metadata is returned for
// verification along with the table generation it was built from. Does nothing if the metadata
// is already known.
func (e *Engine) submit(index int, b []byte) (assembled []byte, generation uint64, complete bool) {
	if e.metadata.Known() {
		return nil, 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.table.store(index, bytes.Clone(b)) {
		e.logger.Levelf(log.Debug, "ignoring metadata piece %d, table has %d blocks", index, e.table.blockCount())
		return nil, 0, false
	}
	if !e.table.complete() {
		return nil, 0, false
	}
	return e.table.assemble(), e.table.generation, true
}

// Checks assembled metadata against the info hash. On success it's committed, otherwise the piece
// table is emptied if nothing has been stored since the metadata was assembled.
func (e *Engine) verify(assembled []byte, generation uint64) bool {
	if Verify(assembled, e.infoHash) {
		verificationsCounter.WithLabelValues("ok").Inc()
		e.commit(assembled)
		return true
	}

	verificationsCounter.WithLabelValues("mismatch").Inc()
	e.logger.Levelf(log.Warning, "assembled %d bytes of metadata with hash %v, discarding pieces", len(assembled), metainfo.HashBytes(assembled))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table.generation == generation {
		e.table.reset()
	}
	return false
}

func (e *Engine) commit(b []byte) {
	if !e.metadata.Commit(b) {
		return
	}

	e.mu.Lock()
	e.table = pieceTable{}
	e.mu.Unlock()

	e.logger.Levelf(log.Info, "got %d bytes of metadata", len(b))
	if e.onComplete != nil {
		e.onComplete(bytes.Clone(b))
	}
}

// Registry hands out a single Engine per info hash, so completion is reported once per info hash
// however many callers attach connections.
type Registry struct {
	mu      sync.Mutex
	engines map[metainfo.Hash]*Engine
}

// Engine returns the Engine for ih, creating it with onComplete and options if it doesn't exist.
func (r *Registry) Engine(ih metainfo.Hash, onComplete func(metadata []byte), options ...ConfigOption) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.MakeMapIfNil(&r.engines)
	if e, ok := r.engines[ih]; ok {
		return e
	}
	e := NewEngine(ih, onComplete, options...)
	r.engines[ih] = e
	return e
}

// Drop forgets the Engine for ih. Connections already attached keep running.
func (r *Registry) Drop(ih metainfo.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, ih)
}

// Lookup returns the Engine for ih without creating one.
func (r *Registry) Lookup(ih metainfo.Hash) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[ih]
	return e, ok
}
