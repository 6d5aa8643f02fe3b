package stack

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nczempin/httpengine/errors"
	"github.com/nczempin/httpengine/protocol"
)

const (
	DefaultBlockSize     = 4096
	DefaultSweepInterval = 5 * time.Second
)

// Expirable is a live client connection tracked for deadline enforcement
type Expirable interface {
	ID() uint64
	// Expired reports whether the current query deadline is before now
	Expired(now time.Time) bool
	// Expire force-closes the connection, failing its query with a timeout
	Expire()
}

// Config configures a Registry. Zero fields take the defaults.
type Config struct {
	BlockSize     int
	SweepInterval time.Duration
	Logger        *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

// Registry holds the settings shared by clients and servers and the set of
// live client connections swept for expired deadlines.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	conns  map[uint64]Expirable
	ticker *time.Ticker
	stop   chan struct{}
	closed bool
}

// New creates a registry. The sweep runs only while connections are registered.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "stack").Logger(),
		conns: make(map[uint64]Expirable),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, created on first use
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(Config{})
	})
	return defaultRegistry
}

// BlockSize is the I/O buffer size for clients and servers
func (r *Registry) BlockSize() int { return r.cfg.BlockSize }

// SweepInterval is the period of the deadline sweep
func (r *Registry) SweepInterval() time.Duration { return r.cfg.SweepInterval }

// Logger is the registry's base logger, shared with its users
func (r *Registry) Logger() zerolog.Logger { return *r.cfg.Logger }

// Reason returns the reason phrase of a status code
func (r *Registry) Reason(code int) string { return protocol.StatusText(code) }

// Register adds a live connection, starting the sweep with the first one.
// A closed registry refuses it.
func (r *Registry) Register(c Expirable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.log.Debug().Uint64("conn", c.ID()).Msg("registry closed, connection refused")
		return errors.NewInvalidStateError("registry is closed")
	}
	r.conns[c.ID()] = c
	if r.ticker == nil {
		r.ticker = time.NewTicker(r.cfg.SweepInterval)
		r.stop = make(chan struct{})
		go r.sweepLoop(r.ticker, r.stop)
		r.log.Debug().Dur("interval", r.cfg.SweepInterval).Msg("deadline sweep started")
	}
	return nil
}

// Deregister removes a connection, stopping the sweep once none are left
func (r *Registry) Deregister(c Expirable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, c.ID())
	if len(r.conns) == 0 {
		r.stopSweepLocked()
	}
}

// Len is the number of registered connections
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close stops the sweep and refuses further registrations
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopSweepLocked()
}

func (r *Registry) stopSweepLocked() {
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.ticker, r.stop = nil, nil
	r.log.Debug().Msg("deadline sweep stopped")
}

func (r *Registry) sweepLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep force-closes every connection whose deadline is before now and
// returns how many it closed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []Expirable
	for id, c := range r.conns {
		if c.Expired(now) {
			expired = append(expired, c)
			delete(r.conns, id)
		}
	}
	if len(r.conns) == 0 {
		r.stopSweepLocked()
	}
	r.mu.Unlock()

	for _, c := range expired {
		r.log.Debug().Uint64("conn", c.ID()).Msg("query deadline passed, closing connection")
		c.Expire()
	}
	return len(expired)
}
