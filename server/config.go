package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/nczempin/httpengine/protocol"
	"github.com/nczempin/httpengine/stack"
)

const (
	DefaultMaxConnections = 1024
	DefaultMaxQuerySize   = 1024 * 1024
	DefaultIdleTimeout    = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultServerName     = "httpengine"
	DefaultCacheControl   = "private"
)

// Config configures a Server. Zero fields take the defaults.
type Config struct {
	// MaxConnections is the admission ceiling. Connections accepted beyond
	// it get a 503 and are closed.
	MaxConnections int

	// MaxQuerySize bounds a request body; larger requests get a 413.
	MaxQuerySize int64

	// MaxHeaderSize bounds the request line plus headers.
	MaxHeaderSize int

	// IdleTimeout is how long a connection may sit without traffic
	// between requests before the sweep closes it.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// ServerName and CacheControl fill the Server and Cache-Control
	// headers of responses that don't set them.
	ServerName   string
	CacheControl string

	// Registry provides the I/O block size; stack.Default() when nil.
	Registry *stack.Registry
	Logger   *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxQuerySize == 0 {
		c.MaxQuerySize = DefaultMaxQuerySize
	}
	if c.MaxHeaderSize == 0 {
		c.MaxHeaderSize = protocol.DefaultMaxHeaderSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ServerName == "" {
		c.ServerName = DefaultServerName
	}
	if c.CacheControl == "" {
		c.CacheControl = DefaultCacheControl
	}
	if c.Registry == nil {
		c.Registry = stack.Default()
	}
	if c.Logger == nil {
		l := c.Registry.Logger()
		c.Logger = &l
	}
	return c
}
