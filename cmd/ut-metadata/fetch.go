package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/utmetadata"
	"github.com/anacrolix/utmetadata/internal/errorsx"
	"github.com/anacrolix/utmetadata/peerwire"
)

type FetchCmd struct {
	Timeout time.Duration `help:"give up after this long" default:"2m"`
	Dir     string        `help:"directory the .torrent file is written to" default:"."`

	Target string   `arg:"positional,required" help:"magnet link or info hash"`
	Peers  []string `arg:"positional" help:"addresses of peers to fetch from"`
}

func parseTarget(s string) (metainfo.Magnet, error) {
	if strings.HasPrefix(s, "magnet:") {
		return metainfo.ParseMagnetUri(s)
	}
	ih, err := utmetadata.ParseInfoHash(s)
	return metainfo.Magnet{InfoHash: ih}, err
}

func fetch(ctx context.Context, cmd *FetchCmd, logger log.Logger) error {
	m, err := parseTarget(cmd.Target)
	if err != nil {
		return errorsx.Wrapf(err, "parsing %q", cmd.Target)
	}
	if len(cmd.Peers) == 0 {
		return errorsx.Errorf("no peers given")
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	e := utmetadata.NewEngine(m.InfoHash, nil, engineOptions(logger)...)
	peerID := peerwire.NewPeerID()
	started := time.Now()

	attachCtx, stop := context.WithCancel(ctx)
	defer stop()
	var eg errgroup.Group
	for _, addr := range cmd.Peers {
		eg.Go(func() error {
			c, err := peerwire.Dial(attachCtx, addr, m.InfoHash, peerID, logger)
			if err != nil {
				logger.Levelf(log.Warning, "%v", err)
				return nil
			}
			defer c.Close()
			if err := errorsx.Ignore(e.Attach(attachCtx, c), context.Canceled); err != nil {
				logger.Levelf(log.Warning, "peer %v: %v", addr, err)
			}
			return nil
		})
	}
	peersDone := make(chan struct{})
	go func() {
		eg.Wait()
		close(peersDone)
	}()

	select {
	case <-e.Complete():
	case <-peersDone:
	case <-ctx.Done():
	}
	stop()
	<-peersDone

	b, ok := e.Metadata()
	if !ok {
		return errorsx.Errorf("couldn't get metadata for %v from %d peers", m.InfoHash, len(cmd.Peers))
	}

	path, err := writeTorrent(cmd.Dir, m, b)
	if err != nil {
		return err
	}
	fmt.Printf(
		"wrote %q: %s of metadata for %v in %v\n",
		path, humanize.Bytes(uint64(len(b))), m.InfoHash, time.Since(started).Round(time.Millisecond),
	)
	return nil
}

func writeTorrent(dir string, m metainfo.Magnet, infoBytes []byte) (path string, err error) {
	mi := metainfo.MetaInfo{
		InfoBytes: infoBytes,
	}
	if len(m.Trackers) > 0 {
		mi.Announce = m.Trackers[0]
		mi.AnnounceList = metainfo.AnnounceList{m.Trackers}
	}

	name := m.InfoHash.HexString()
	if info, err := mi.UnmarshalInfo(); err == nil && info.Name != "" {
		name = info.Name
	} else if m.DisplayName != "" {
		name = m.DisplayName
	}

	path = filepath.Join(dir, filepath.Base(name)+".torrent")
	f, err := os.Create(path)
	if err != nil {
		return "", errorsx.Wrap(err, "creating torrent metainfo file")
	}
	defer func() {
		err = errorsx.Compact(err, f.Close())
	}()
	if err = mi.Write(f); err != nil {
		return "", errorsx.Wrap(err, "writing torrent metainfo file")
	}
	return path, nil
}
