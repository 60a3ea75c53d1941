package utmetadata

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"
)

// Config for an Engine. Probably not safe to modify after it's given to an Engine.
type Config struct {
	Logger log.Logger
	// Peer declared sizes above this aren't requested.
	MaxMetadataSize int
	// The id peers are asked to address ut_metadata messages to in the extended handshake.
	LocalExtensionID ExtensionNumber
	// Sent as "v" in the extended handshake when non-empty.
	ClientVersion string
	// If positive, blocks still missing this long after being requested are requested again from
	// the same peer, except those the peer rejected. Zero never re-requests.
	RequestTimeout time.Duration
	// Limits data messages sent in response to peer requests, one token per message. nil doesn't
	// limit.
	ResponseLimiter *rate.Limiter
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

func ConfigLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

func ConfigMaxMetadataSize(n int) ConfigOption {
	return func(c *Config) {
		c.MaxMetadataSize = n
	}
}

func ConfigLocalExtensionID(id ExtensionNumber) ConfigOption {
	return func(c *Config) {
		c.LocalExtensionID = id
	}
}

func ConfigClientVersion(v string) ConfigOption {
	return func(c *Config) {
		c.ClientVersion = v
	}
}

// ConfigRequestTimeout enables re-requesting blocks that haven't arrived after d.
func ConfigRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func ConfigResponseLimiter(l *rate.Limiter) ConfigOption {
	return func(c *Config) {
		c.ResponseLimiter = l
	}
}

// NewDefaultConfig never retries requests and doesn't limit responses.
func NewDefaultConfig(options ...ConfigOption) Config {
	c := Config{
		Logger:           log.Default.WithNames("utmetadata"),
		MaxMetadataSize:  MaxMetadataSize,
		LocalExtensionID: LocalExtensionID,
	}

	for _, opt := range options {
		opt(&c)
	}

	if c.LocalExtensionID == HandshakeExtendedID {
		c.LocalExtensionID = LocalExtensionID
	}

	return c
}
