package memcache

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/hash2/hashring"
	"github.com/futureweb/gomemcache/net2"
	"github.com/futureweb/gomemcache/stats"
)

type Options struct {
	Servers []Server

	// Connection pool settings.  The pool inherits Logger and StatsFactory
	// when it does not set its own.
	Pool net2.ConnectionOptions

	// Max number of nodes queried at once by Flush, Stats, Version and
	// GetMulti.
	FanoutConcurrency int

	Logger       *zap.Logger
	StatsFactory stats.StatsFactory
}

type opStats struct {
	ok      stats.CounterStat // the server handled the request
	status  stats.CounterStat // the server answered with a non-ok status
	failed  stats.CounterStat // the request never got a reply
	latency stats.SummaryStat
}

func newOpStats(factory stats.StatsFactory, op string) *opStats {
	counter := func(status string) stats.CounterStat {
		return factory.NewCounter(
			"requests_total",
			map[string]string{"op": op, "status": status})
	}
	return &opStats{
		ok:     counter("ok"),
		status: counter("status"),
		failed: counter("error"),
		latency: factory.NewSummary(
			"request_seconds",
			map[string]string{"op": op}),
	}
}

func (s *opStats) record(start time.Time, status ResponseStatus, err error) {
	s.latency.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		s.failed.Inc()
	case status != StatusNoError:
		s.status.Inc()
	default:
		s.ok.Inc()
	}
}

var statOps = []string{
	"get",
	"gets",
	"set",
	"add",
	"replace",
	"delete",
	"incr",
	"decr",
	"flush_all",
	"stats",
	"version",
}

// A memcache client which shards keys over its servers with a ketama hash
// ring, and talks to each server through a bounded connection pool.  Safe
// for concurrent use.
type ShardedClient struct {
	pool              *net2.ConnectionPool
	logger            *zap.Logger
	fanoutConcurrency int
	stats             map[string]*opStats

	rwMutex sync.RWMutex
	ring    *hashring.HashRing          // guarded by rwMutex
	servers map[string]*net2.ServerNode // ring name -> node; guarded by rwMutex
	closed  bool                        // guarded by rwMutex
}

var _ Client = (*ShardedClient)(nil)

// This creates a new ShardedClient.  No connection is opened until the
// first request.
func New(options Options) (*ShardedClient, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := stats.OrNoOp(options.StatsFactory)

	poolOptions := options.Pool
	if poolOptions.Logger == nil {
		poolOptions.Logger = logger
	}
	if poolOptions.StatsFactory == nil {
		poolOptions.StatsFactory = factory
	}

	fanout := options.FanoutConcurrency
	if fanout <= 0 {
		fanout = DefaultFanoutConcurrency
	}

	c := &ShardedClient{
		pool:              net2.NewConnectionPool(poolOptions),
		logger:            logger,
		fanoutConcurrency: fanout,
		stats:             make(map[string]*opStats, len(statOps)),
		ring:              hashring.New(nil),
		servers:           make(map[string]*net2.ServerNode),
	}
	for _, op := range statOps {
		c.stats[op] = newOpStats(factory, op)
	}

	for _, server := range options.Servers {
		if err := c.addServerLocked(server.Host, server.Port, server.Weight); err != nil {
			c.pool.EnterLameDuckMode()
			return nil, err
		}
	}
	c.ring = hashring.New(c.ringServersLocked())

	return c, nil
}

func (c *ShardedClient) ringServersLocked() []hashring.Server {
	result := make([]hashring.Server, 0, len(c.servers))
	for _, node := range c.servers {
		result = append(result, hashring.Server{
			Host:   node.Host,
			Port:   node.Port,
			Weight: node.Weight,
		})
	}
	return result
}

func (c *ShardedClient) addServerLocked(host string, port int, weight uint32) error {
	if host == "" || port <= 0 || port > 65535 {
		return errors.Newf("Invalid memcache server %s:%d", host, port)
	}

	name := hashring.Server{Host: host, Port: port}.Name()
	if _, ok := c.servers[name]; ok {
		return errors.Newf("Duplicate memcache server %s", name)
	}

	node := net2.NewServerNode(host, port, weight)
	if err := c.pool.Register(node); err != nil {
		return err
	}
	c.servers[name] = node
	return nil
}

// See Client interface for documentation.
func (c *ShardedClient) AddServer(host string, port int, weight uint32) error {
	c.rwMutex.Lock()
	defer c.rwMutex.Unlock()

	if c.closed {
		return errors.Wrapf(ErrClosed, "Cannot add %s:%d", host, port)
	}

	if err := c.addServerLocked(host, port, weight); err != nil {
		return err
	}
	c.ring = c.ring.Rebuild(c.ringServersLocked())

	c.logger.Info(
		"Added memcache server",
		zap.String("addr", net.JoinHostPort(host, strconv.Itoa(port))),
		zap.Int("servers", len(c.servers)))
	return nil
}

// See Client interface for documentation.
func (c *ShardedClient) RemoveServer(host string, port int) error {
	c.rwMutex.Lock()
	defer c.rwMutex.Unlock()

	if c.closed {
		return errors.Wrapf(ErrClosed, "Cannot remove %s:%d", host, port)
	}

	name := hashring.Server{Host: host, Port: port}.Name()
	node, ok := c.servers[name]
	if !ok {
		return errors.Wrapf(net2.ErrUnknownNode, "Cannot remove %s", name)
	}

	if err := c.pool.Unregister(node.Address()); err != nil {
		return err
	}
	delete(c.servers, name)
	c.ring = c.ring.Rebuild(c.ringServersLocked())

	c.logger.Info(
		"Removed memcache server",
		zap.String("addr", node.Address()),
		zap.Int("servers", len(c.servers)))
	return nil
}

// See Client interface for documentation.
func (c *ShardedClient) Servers() []*net2.ServerNode {
	return c.pool.Nodes()
}

// See Client interface for documentation.
func (c *ShardedClient) Close() {
	c.rwMutex.Lock()
	defer c.rwMutex.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.pool.EnterLameDuckMode()
}

// NodeForKey returns the server which owns key.
func (c *ShardedClient) NodeForKey(key string) (*net2.ServerNode, error) {
	c.rwMutex.RLock()
	defer c.rwMutex.RUnlock()

	if c.closed {
		return nil, errors.Wrapf(ErrClosed, "Cannot map key %q", key)
	}

	name, err := c.ring.GetNode(key)
	if err != nil {
		return nil, errors.Wrapf(err, "Cannot map key %q", key)
	}
	return c.servers[name], nil
}

// This runs fn on a connection to address.  fn returns the error which
// failed the request on the connection, if any; such a request is retried
// once on a freshly dialed connection.  Acquire errors (pool exhaustion,
// connect failures) are returned as is and are not retried.
func (c *ShardedClient) withConn(
	ctx context.Context,
	address string,
	op string,
	fn func(*RawAsciiClient) error) error {

	for attempt := 0; ; attempt++ {
		var conn *net2.Conn
		var err error
		if attempt == 0 {
			conn, err = c.pool.Acquire(ctx, address)
		} else {
			conn, err = c.pool.AcquireFresh(ctx, address)
		}
		if err != nil {
			return err
		}

		unbind := conn.Bind(ctx)
		client := NewRawAsciiClient(conn.Reader(), conn.Writer())
		ioErr := fn(client)
		unbind()

		if client.IsValidState() {
			_ = conn.Release()
		} else {
			_ = conn.Invalidate()
		}

		if ioErr == nil {
			return nil
		}

		if attempt > 0 || net2.ContextDone(ctx) {
			c.logger.Warn(
				"Memcache request failed",
				zap.String("addr", address),
				zap.String("op", op),
				zap.Int("attempts", attempt+1),
				zap.Error(ioErr))
			return &TransportError{Addr: address, Op: op, Err: ioErr}
		}

		c.logger.Debug(
			"Retrying memcache request on a fresh connection",
			zap.String("addr", address),
			zap.String("op", op),
			zap.Error(ioErr))
	}
}

// See Client interface for documentation.
func (c *ShardedClient) Get(ctx context.Context, key string) GetResponse {
	start := time.Now()
	resp := c.get(ctx, key)
	c.stats["get"].record(start, resp.Status(), resp.Error())
	return resp
}

func (c *ShardedClient) get(ctx context.Context, key string) GetResponse {
	if err := ValidateKey(key); err != nil {
		return NewGetErrorResponse(key, err)
	}

	node, err := c.NodeForKey(key)
	if err != nil {
		return NewGetErrorResponse(key, err)
	}

	var resp GetResponse
	err = c.withConn(ctx, node.Address(), "get", func(client *RawAsciiClient) error {
		resp = client.Get(key)
		return client.failure(resp.Error())
	})
	if err != nil {
		return NewGetErrorResponse(key, err)
	}
	return resp
}

// See Client interface for documentation.  Keys are grouped by owning
// server; the servers are queried concurrently.
func (c *ShardedClient) GetMulti(
	ctx context.Context,
	keys []string) map[string]GetResponse {

	results := make(map[string]GetResponse, len(keys))
	keysByAddr := make(map[string][]string)
	for _, key := range keys {
		if _, ok := results[key]; ok {
			continue
		}

		if err := ValidateKey(key); err != nil {
			results[key] = NewGetErrorResponse(key, err)
			continue
		}

		node, err := c.NodeForKey(key)
		if err != nil {
			results[key] = NewGetErrorResponse(key, err)
			continue
		}

		results[key] = nil
		keysByAddr[node.Address()] = append(keysByAddr[node.Address()], key)
	}

	var mutex sync.Mutex
	group := errgroup.Group{}
	group.SetLimit(c.fanoutConcurrency)
	for address, addrKeys := range keysByAddr {
		address, addrKeys := address, addrKeys
		group.Go(func() error {
			start := time.Now()
			var responses map[string]GetResponse
			err := c.withConn(ctx, address, "gets", func(client *RawAsciiClient) error {
				responses = client.GetMulti(addrKeys)
				for _, key := range addrKeys {
					if failure := client.failure(responses[key].Error()); failure != nil {
						return failure
					}
				}
				return nil
			})
			c.stats["gets"].record(start, StatusNoError, err)

			mutex.Lock()
			defer mutex.Unlock()
			for _, key := range addrKeys {
				if err != nil {
					results[key] = NewGetErrorResponse(key, err)
				} else {
					results[key] = responses[key]
				}
			}
			return nil
		})
	}
	_ = group.Wait()

	return results
}

func (c *ShardedClient) mutate(
	ctx context.Context,
	op string,
	key string,
	mutateFunc func(*RawAsciiClient) MutateResponse) MutateResponse {

	start := time.Now()
	var resp MutateResponse
	defer func() {
		c.stats[op].record(start, resp.Status(), resp.Error())
	}()

	if err := ValidateKey(key); err != nil {
		resp = NewMutateErrorResponse(key, err)
		return resp
	}

	node, err := c.NodeForKey(key)
	if err != nil {
		resp = NewMutateErrorResponse(key, err)
		return resp
	}

	err = c.withConn(ctx, node.Address(), op, func(client *RawAsciiClient) error {
		resp = mutateFunc(client)
		return client.failure(resp.Error())
	})
	if err != nil {
		resp = NewMutateErrorResponse(key, err)
	}
	return resp
}

func (c *ShardedClient) store(
	ctx context.Context,
	op string,
	item *Item,
	storeFunc func(*RawAsciiClient, *Item) MutateResponse) MutateResponse {

	if err := validateItem(item); err != nil {
		key := ""
		if item != nil {
			key = item.Key
		}
		start := time.Now()
		resp := NewMutateErrorResponse(key, err)
		c.stats[op].record(start, resp.Status(), resp.Error())
		return resp
	}

	return c.mutate(ctx, op, item.Key, func(client *RawAsciiClient) MutateResponse {
		return storeFunc(client, item)
	})
}

// See Client interface for documentation.
func (c *ShardedClient) Set(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, "set", item, (*RawAsciiClient).Set)
}

// See Client interface for documentation.
func (c *ShardedClient) Add(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, "add", item, (*RawAsciiClient).Add)
}

// See Client interface for documentation.
func (c *ShardedClient) Replace(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, "replace", item, (*RawAsciiClient).Replace)
}

// See Client interface for documentation.
func (c *ShardedClient) Delete(ctx context.Context, key string) MutateResponse {
	return c.mutate(ctx, "delete", key, func(client *RawAsciiClient) MutateResponse {
		return client.Delete(key)
	})
}

func (c *ShardedClient) count(
	ctx context.Context,
	op string,
	key string,
	delta uint64) CountResponse {

	start := time.Now()
	resp := c.countHelper(ctx, op, key, delta)
	c.stats[op].record(start, resp.Status(), resp.Error())
	return resp
}

func (c *ShardedClient) countHelper(
	ctx context.Context,
	op string,
	key string,
	delta uint64) CountResponse {

	if err := ValidateKey(key); err != nil {
		return NewCountErrorResponse(key, err)
	}

	node, err := c.NodeForKey(key)
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	var resp CountResponse
	err = c.withConn(ctx, node.Address(), op, func(client *RawAsciiClient) error {
		if op == "incr" {
			resp = client.Increment(key, delta)
		} else {
			resp = client.Decrement(key, delta)
		}
		return client.failure(resp.Error())
	})
	if err != nil {
		return NewCountErrorResponse(key, err)
	}
	return resp
}

// See Client interface for documentation.
func (c *ShardedClient) Increment(
	ctx context.Context,
	key string,
	delta uint64) CountResponse {

	return c.count(ctx, "incr", key, delta)
}

// See Client interface for documentation.
func (c *ShardedClient) Decrement(
	ctx context.Context,
	key string,
	delta uint64) CountResponse {

	return c.count(ctx, "decr", key, delta)
}

// This runs fn against every server concurrently, at most
// fanoutConcurrency at a time.  The returned map holds every server's
// error (nil on success), keyed by address.
func (c *ShardedClient) fanout(
	ctx context.Context,
	op string,
	fn func(address string, client *RawAsciiClient) (ioErr error, err error)) (
	map[string]error, error) {

	c.rwMutex.RLock()
	closed := c.closed
	c.rwMutex.RUnlock()
	if closed {
		return nil, errors.Wrapf(ErrClosed, "Cannot %s", op)
	}

	nodes := c.pool.Nodes()
	results := make(map[string]error, len(nodes))

	var mutex sync.Mutex
	group := errgroup.Group{}
	group.SetLimit(c.fanoutConcurrency)
	for _, node := range nodes {
		address := node.Address()
		group.Go(func() error {
			start := time.Now()
			var opErr error
			err := c.withConn(ctx, address, op, func(client *RawAsciiClient) error {
				var ioErr error
				ioErr, opErr = fn(address, client)
				return ioErr
			})
			if err == nil {
				err = opErr
			}
			c.stats[op].record(start, StatusNoError, err)

			mutex.Lock()
			defer mutex.Unlock()
			results[address] = err
			return nil
		})
	}
	_ = group.Wait()

	return results, nil
}

// See Client interface for documentation.  Every server is flushed, even
// when some of them fail; the response lists each server's outcome.
func (c *ShardedClient) Flush(
	ctx context.Context,
	expiration uint32) FlushResponse {

	outcomes, err := c.fanout(
		ctx,
		"flush_all",
		func(address string, client *RawAsciiClient) (error, error) {
			resp := client.Flush(expiration)
			return client.failure(resp.Error()), resp.Error()
		})
	if err != nil {
		return NewFlushResponse([]NodeResult{{Err: err}})
	}

	results := make([]NodeResult, 0, len(outcomes))
	for address, nodeErr := range outcomes {
		results = append(results, NodeResult{Address: address, Err: nodeErr})
	}
	return NewFlushResponse(results)
}

// See Client interface for documentation.
func (c *ShardedClient) Stats(ctx context.Context) map[string]StatsReport {
	reports, _ := c.StatsDetailed(ctx)
	return reports
}

// StatsDetailed is like Stats, but also returns the error of every server
// which failed to answer, keyed by address.
func (c *ShardedClient) StatsDetailed(
	ctx context.Context) (map[string]StatsReport, map[string]error) {

	var mutex sync.Mutex
	reports := make(map[string]StatsReport)

	outcomes, err := c.fanout(
		ctx,
		"stats",
		func(address string, client *RawAsciiClient) (error, error) {
			entries, err := client.Stat()
			if err != nil {
				return client.failure(err), err
			}

			mutex.Lock()
			defer mutex.Unlock()
			reports[address] = StatsReport{Address: address, Entries: entries}
			return nil, nil
		})
	if err != nil {
		return reports, map[string]error{"": err}
	}

	failures := make(map[string]error)
	for address, nodeErr := range outcomes {
		if nodeErr != nil {
			failures[address] = nodeErr
		}
	}
	return reports, failures
}

// See Client interface for documentation.
func (c *ShardedClient) Version(ctx context.Context) VersionResponse {
	var mutex sync.Mutex
	versions := make(map[string]string)

	outcomes, err := c.fanout(
		ctx,
		"version",
		func(address string, client *RawAsciiClient) (error, error) {
			version, err := client.Version()
			if err != nil {
				return client.failure(err), err
			}

			mutex.Lock()
			defer mutex.Unlock()
			versions[address] = version
			return nil, nil
		})
	if err != nil {
		return NewVersionResponse(err, versions)
	}

	addresses := make([]string, 0, len(outcomes))
	for address := range outcomes {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		if outcomes[address] != nil {
			return NewVersionResponse(
				errors.Wrapf(outcomes[address], "Version failed on %s", address),
				versions)
		}
	}
	return NewVersionResponse(nil, versions)
}
