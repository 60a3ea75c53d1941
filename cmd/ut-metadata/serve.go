package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/anacrolix/utmetadata"
	"github.com/anacrolix/utmetadata/internal/errorsx"
	"github.com/anacrolix/utmetadata/peerwire"
)

const handshakeTimeout = 20 * time.Second

type ServeCmd struct {
	Addr         string  `help:"network listen addr" default:":42069"`
	ResponseRate float64 `help:"max data messages sent per second across all peers, zero doesn't limit"`

	Torrent []string `arg:"positional,required" help:"torrent files whose metadata is served"`
}

func serve(ctx context.Context, cmd *ServeCmd, logger log.Logger) error {
	opts := engineOptions(logger)
	if cmd.ResponseRate > 0 {
		opts = append(opts, utmetadata.ConfigResponseLimiter(rate.NewLimiter(rate.Limit(cmd.ResponseRate), 1)))
	}

	var reg utmetadata.Registry
	for _, path := range cmd.Torrent {
		mi, err := metainfo.LoadFromFile(path)
		if err != nil {
			return errorsx.Wrapf(err, "loading from file %q", path)
		}
		ih := mi.HashInfoBytes()
		if err := reg.Engine(ih, nil, opts...).SetMetadata(mi.InfoBytes); err != nil {
			return errorsx.Wrapf(err, "metadata in %q", path)
		}
		fmt.Printf("serving %s of metadata for %v from %q\n", humanize.Bytes(uint64(len(mi.InfoBytes))), ih, path)
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", cmd.Addr)
	if err != nil {
		return errorsx.Wrapf(err, "listening on %v", cmd.Addr)
	}
	context.AfterFunc(ctx, func() { l.Close() })
	logger.Levelf(log.Info, "listening on %v", l.Addr())

	peerID := peerwire.NewPeerID()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Levelf(log.Warning, "accepting: %v", err)
			continue
		}
		go serveConn(ctx, &reg, nc, peerID, logger)
	}
}

func serveConn(ctx context.Context, reg *utmetadata.Registry, nc net.Conn, peerID peerwire.PeerID, logger log.Logger) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	c, err := peerwire.NewConn(hctx, nc, nil, peerID, logger)
	cancel()
	if err != nil {
		logger.Levelf(log.Debug, "%v", errorsx.Compact(err, nc.Close()))
		return
	}
	defer c.Close()

	// Peers asking for an info hash we aren't serving are dropped.
	e, ok := reg.Lookup(c.Hash)
	if !ok {
		logger.Levelf(log.Debug, "%v asked for unknown info hash %v", nc.RemoteAddr(), c.Hash)
		return
	}
	err = e.Attach(ctx, c)
	if err = errorsx.Ignore(err, context.Canceled); err != nil {
		logger.Levelf(log.Debug, "%v: %v", nc.RemoteAddr(), err)
	}
}
