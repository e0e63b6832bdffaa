package net2

import (
	"context"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/stats"
	"github.com/futureweb/gomemcache/time2"
)

const (
	DefaultMaxConnsPerNode     = 8
	DefaultMaxIdleConnsPerNode = 4
	DefaultConnectTimeout      = time.Second
	DefaultAcquireTimeout      = time.Second
)

type ConnectionOptions struct {
	// The maximum number of connections (checked out plus idle) per node.
	// Non-positive means DefaultMaxConnsPerNode.
	MaxConnsPerNode int

	// The maximum number of idle connections kept per node.  Clamped to
	// MaxConnsPerNode.  Negative disables idle connections.
	MaxIdleConnsPerNode int

	// Idle connections older than this are closed instead of reused.  Zero
	// means idle connections never expire.
	MaxIdleTime time.Duration

	// Timeout for establishing a new connection.
	ConnectTimeout time.Duration

	// How long Acquire blocks waiting for a free slot before failing with
	// ErrPoolExhausted.
	AcquireTimeout time.Duration

	// This specifies the timeout for any Read() operation.  Zero means none.
	ReadTimeout time.Duration

	// This specifies the timeout for any Write() operation.  Zero means none.
	WriteTimeout time.Duration

	// When positive, TCP_USER_TIMEOUT is set on new sockets (linux only).
	TCPUserTimeout time.Duration

	// Dial specifies the dial function for creating network connections.
	// If Dial is nil, a net.Dialer with ConnectTimeout is used.
	Dial func(ctx context.Context, network string, address string) (net.Conn, error)

	// Used for deadlines, idle expiry and last-seen timestamps.
	Clock time2.Clock

	Logger *zap.Logger

	StatsFactory stats.StatsFactory
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.MaxConnsPerNode <= 0 {
		o.MaxConnsPerNode = DefaultMaxConnsPerNode
	}
	if o.MaxIdleConnsPerNode == 0 {
		o.MaxIdleConnsPerNode = DefaultMaxIdleConnsPerNode
	}
	if o.MaxIdleConnsPerNode < 0 {
		o.MaxIdleConnsPerNode = 0
	}
	if o.MaxIdleConnsPerNode > o.MaxConnsPerNode {
		o.MaxIdleConnsPerNode = o.MaxConnsPerNode
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.Clock == nil {
		o.Clock = time2.DefaultClock
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.StatsFactory = stats.OrNoOp(o.StatsFactory)
	return o
}

func (o ConnectionOptions) dial(
	ctx context.Context,
	network string,
	address string) (net.Conn, error) {

	dialCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()

	if o.Dial != nil {
		conn, err := o.Dial(dialCtx, network, address)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok && o.TCPUserTimeout > 0 {
			if err := SetTCPUserTimeout(tcpConn, o.TCPUserTimeout); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}

	dialer := net.Dialer{}
	if o.TCPUserTimeout > 0 {
		timeout := o.TCPUserTimeout
		dialer.Control = func(network, address string, rawConn syscall.RawConn) error {
			return ControlWithTCPUserTimeout(rawConn, timeout)
		}
	}
	return dialer.DialContext(dialCtx, network, address)
}

// A connection pool managing one bounded pool per server node.  The
// connections to each node act independently; there is no cross node
// locking on the acquire / release path.  Safe for concurrent use.
type ConnectionPool struct {
	options ConnectionOptions

	rwMutex    sync.RWMutex
	isLameDuck bool // guarded by rwMutex
	// NOTE: the pools map is guarded by rwMutex, but the pool entries
	// are not.
	pools map[string]*nodePool
}

func NewConnectionPool(options ConnectionOptions) *ConnectionPool {
	return &ConnectionPool{
		options: options.withDefaults(),
		pools:   make(map[string]*nodePool),
	}
}

// Register adds node to the pool.  Registering an address twice is an error.
func (p *ConnectionPool) Register(node *ServerNode) error {
	if node == nil || node.Host == "" {
		return errors.New("Registering invalid server node")
	}

	address := node.Address()

	p.rwMutex.Lock()
	defer p.rwMutex.Unlock()

	if p.isLameDuck {
		return errors.Wrapf(
			ErrPoolClosed,
			"Cannot register %s to lame duck connection pool",
			address)
	}

	if _, inMap := p.pools[address]; inMap {
		return errors.Newf("%s is already registered", address)
	}

	p.pools[address] = newNodePool(node, p.options)
	return nil
}

// Unregister removes the node.  Its idle connections are closed right away;
// checked out connections are closed when handed back.
func (p *ConnectionPool) Unregister(address string) error {
	p.rwMutex.Lock()
	defer p.rwMutex.Unlock()

	pool, inMap := p.pools[address]
	if !inMap {
		return errors.Wrapf(ErrUnknownNode, "Cannot unregister %s", address)
	}
	pool.enterLameDuckMode()
	delete(p.pools, address)
	return nil
}

// Node returns the registered node for address.
func (p *ConnectionPool) Node(address string) (*ServerNode, bool) {
	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	pool, inMap := p.pools[address]
	if !inMap {
		return nil, false
	}
	return pool.node, true
}

// Nodes returns the registered nodes, sorted by address.
func (p *ConnectionPool) Nodes() []*ServerNode {
	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	result := make([]*ServerNode, 0, len(p.pools))
	for _, pool := range p.pools {
		result = append(result, pool.node)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address() < result[j].Address()
	})
	return result
}

func (p *ConnectionPool) get(address string) (*nodePool, error) {
	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	if p.isLameDuck {
		return nil, errors.Wrapf(
			ErrPoolClosed,
			"Lame duck connection pool cannot return connections to %s",
			address)
	}

	pool, inMap := p.pools[address]
	if !inMap {
		return nil, errors.Wrapf(ErrUnknownNode, "%s is not registered", address)
	}
	return pool, nil
}

// Acquire checks out a connection to address, reusing an idle connection
// when one is available.  The connection must be handed back with exactly
// one of Release or Invalidate.
func (p *ConnectionPool) Acquire(ctx context.Context, address string) (*Conn, error) {
	pool, err := p.get(address)
	if err != nil {
		return nil, err
	}
	return pool.acquire(ctx, false)
}

// AcquireFresh is like Acquire, but always dials a new connection.
func (p *ConnectionPool) AcquireFresh(
	ctx context.Context,
	address string) (*Conn, error) {

	pool, err := p.get(address)
	if err != nil {
		return nil, err
	}
	return pool.acquire(ctx, true)
}

// This returns the number of checked out connections.
func (p *ConnectionPool) NumActive() int32 {
	total := int32(0)

	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	for _, pool := range p.pools {
		total += pool.numActive()
	}
	return total
}

// This returns the number of idle connections.
func (p *ConnectionPool) NumIdle() int {
	total := 0

	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	for _, pool := range p.pools {
		total += pool.numIdle()
	}
	return total
}

// Enter the connection pool into lame duck mode.  The connection pool will
// no longer return connections, and all idle connections are closed
// immediately (including active connections that are released back to the
// pool afterward).
func (p *ConnectionPool) EnterLameDuckMode() {
	p.rwMutex.Lock()
	defer p.rwMutex.Unlock()

	p.isLameDuck = true
	for _, pool := range p.pools {
		pool.enterLameDuckMode()
	}
}
