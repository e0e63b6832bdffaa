// Package legacy keeps the behaviors of the procedural memcache API
// (connect with a readiness check, addServer, an implicit default handle)
// on top of the sharded memcache client.
//
// Every function takes a *Handle; a nil handle means the default handle,
// which is the handle most recently opened by Connect (or installed with
// SetDefault).
package legacy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/memcache"
	"github.com/futureweb/gomemcache/net2"
	"github.com/futureweb/gomemcache/stats"
)

const (
	DefaultPort    = 11211
	DefaultTimeout = time.Second
)

var (
	// The server answered but reported zero uptime.
	ErrNotReady = errors.Sentinel("memcache server is not ready")

	// A nil handle was passed and there is no default handle.
	ErrNoHandle = errors.Sentinel("no memcache handle")

	ErrNotImplemented = memcache.ErrNotImplemented
)

// A handle to a set of memcached servers.
type Handle struct {
	client *memcache.ShardedClient
	logger *zap.Logger
}

// Client returns the client behind the handle.
func (h *Handle) Client() *memcache.ShardedClient {
	return h.client
}

type Option func(*memcache.Options)

func WithLogger(logger *zap.Logger) Option {
	return func(options *memcache.Options) {
		options.Logger = logger
	}
}

func WithStatsFactory(factory stats.StatsFactory) Option {
	return func(options *memcache.Options) {
		options.StatsFactory = factory
	}
}

// WithPoolOptions replaces the connection pool options.  Connect still
// applies its timeout to the connect, read and write timeouts left unset.
func WithPoolOptions(pool net2.ConnectionOptions) Option {
	return func(options *memcache.Options) {
		options.Pool = pool
	}
}

var (
	defaultMutex  sync.RWMutex
	defaultHandle *Handle // guarded by defaultMutex

	loggerMutex   sync.RWMutex
	packageLogger = zap.NewNop() // guarded by loggerMutex
)

// SetLogger sets the logger used by calls which have no handle to log
// through.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	packageLogger = logger
}

func getLogger() *zap.Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return packageLogger
}

// Default returns the default handle, or nil.
func Default() *Handle {
	defaultMutex.RLock()
	defer defaultMutex.RUnlock()
	return defaultHandle
}

// SetDefault installs h as the default handle.  nil clears it.
func SetDefault(h *Handle) {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()
	defaultHandle = h
}

func resolve(h *Handle) (*Handle, error) {
	if h != nil {
		return h, nil
	}
	if h = Default(); h != nil {
		return h, nil
	}
	return nil, errors.Wrap(ErrNoHandle, "Pass a handle or call Connect first")
}

// Connect opens a handle to a single server.  Zero port and timeout mean
// DefaultPort and DefaultTimeout.  The server must answer a stats request
// with a positive uptime, otherwise Connect fails (with ErrNotReady when
// the server answered).  On success the handle becomes the default handle.
func Connect(
	ctx context.Context,
	host string,
	port int,
	timeout time.Duration,
	opts ...Option) (*Handle, error) {

	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	options := memcache.Options{
		Servers: []memcache.Server{{Host: host, Port: port, Weight: 1}},
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Pool.ConnectTimeout == 0 {
		options.Pool.ConnectTimeout = timeout
	}
	if options.Pool.ReadTimeout == 0 {
		options.Pool.ReadTimeout = timeout
	}
	if options.Pool.WriteTimeout == 0 {
		options.Pool.WriteTimeout = timeout
	}

	logger := options.Logger
	if logger == nil {
		logger = getLogger()
		options.Logger = logger
	}

	client, err := memcache.New(options)
	if err != nil {
		return nil, err
	}

	address := client.Servers()[0].Address()
	reports, failures := client.StatsDetailed(ctx)
	report, ok := reports[address]
	if !ok {
		client.Close()
		return nil, errors.Wrapf(failures[address], "Cannot connect to %s", address)
	}
	if report.Uptime() < 1 {
		client.Close()
		logger.Warn(
			"Memcache server reported zero uptime",
			zap.String("addr", address))
		return nil, errors.Wrapf(ErrNotReady, "%s reported zero uptime", address)
	}

	h := &Handle{client: client, logger: logger}
	SetDefault(h)
	return h, nil
}

// Close closes the handle's connections.  Closing the default handle
// clears it.
func Close(h *Handle) error {
	h, err := resolve(h)
	if err != nil {
		return err
	}

	h.client.Close()

	defaultMutex.Lock()
	defer defaultMutex.Unlock()
	if defaultHandle == h {
		defaultHandle = nil
	}
	return nil
}

// AddServer adds a server to the handle.  Connections to the existing
// servers are left untouched; about 1/n of the keys move to the new server.
func AddServer(h *Handle, host string, port int, weight uint32) error {
	h, err := resolve(h)
	if err != nil {
		return err
	}
	if port == 0 {
		port = DefaultPort
	}
	return h.client.AddServer(host, port, weight)
}
