// Fetches and serves torrent metadata over the ut_metadata extension.
//
// Example run:
// $ ut-metadata fetch 'magnet:?xt=urn:btih:...' 192.0.2.1:6881 192.0.2.2:51413
// wrote "debian-12.iso.torrent": 31 kB of metadata for 2c6b6858d61da9543d4231a71db4b1c9264b0685
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/utmetadata"
	"github.com/anacrolix/utmetadata/version"
)

var flags struct {
	Debug   bool   `help:"log at debug level"`
	Metrics string `help:"address to serve prometheus metrics on"`

	MaxMetadataSize int           `help:"largest peer declared metadata size to request" default:"4194304"`
	RequestTimeout  time.Duration `help:"re-request missing pieces after this long, zero never does"`
	ClientVersion   string        `help:"client name sent in the extended handshake, defaults to the build's version"`

	*FetchCmd `arg:"subcommand:fetch"`
	*ServeCmd `arg:"subcommand:serve"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)

	logger := log.Default.WithNames("ut-metadata")
	if !flags.Debug {
		logger = logger.FilterLevel(log.Info)
	}

	if flags.Metrics != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Levelf(log.Warning, "serving metrics: %v", http.ListenAndServe(flags.Metrics, nil))
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case flags.FetchCmd != nil:
		return fetch(ctx, flags.FetchCmd, logger)
	case flags.ServeCmd != nil:
		return serve(ctx, flags.ServeCmd, logger)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func engineOptions(logger log.Logger) []utmetadata.ConfigOption {
	clientVersion := flags.ClientVersion
	if clientVersion == "" {
		clientVersion = version.DefaultExtendedHandshakeClientVersion
	}
	return []utmetadata.ConfigOption{
		utmetadata.ConfigLogger(logger),
		utmetadata.ConfigMaxMetadataSize(flags.MaxMetadataSize),
		utmetadata.ConfigRequestTimeout(flags.RequestTimeout),
		utmetadata.ConfigClientVersion(clientVersion),
	}
}
