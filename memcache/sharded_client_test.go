package memcache

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	. "github.com/futureweb/gomemcache/gocheck2"
	"github.com/futureweb/gomemcache/hash2/hashring"
	"github.com/futureweb/gomemcache/memcache/memcachetest"
	"github.com/futureweb/gomemcache/net2"
	"github.com/futureweb/gomemcache/stats"
)

type ShardedClientSuite struct {
	servers []*memcachetest.Server
	client  *ShardedClient
}

var _ = Suite(&ShardedClientSuite{})

func (s *ShardedClientSuite) SetUpTest(c *C) {
	s.servers = nil
	for i := 0; i < 3; i++ {
		server, err := memcachetest.NewServer()
		c.Assert(err, IsNil)
		s.servers = append(s.servers, server)
	}
	s.client = s.newClient(c, Options{}, s.servers...)
}

func (s *ShardedClientSuite) TearDownTest(c *C) {
	s.client.Close()
	for _, server := range s.servers {
		server.Close()
	}
}

func (s *ShardedClientSuite) newClient(
	c *C,
	options Options,
	servers ...*memcachetest.Server) *ShardedClient {

	for _, server := range servers {
		options.Servers = append(options.Servers, Server{
			Host:   server.Host(),
			Port:   server.Port(),
			Weight: 1,
		})
	}
	if options.Pool.ConnectTimeout == 0 {
		options.Pool.ConnectTimeout = time.Second
	}
	client, err := New(options)
	c.Assert(err, IsNil)
	return client
}

// The server which owns key.
func (s *ShardedClientSuite) serverFor(c *C, key string) *memcachetest.Server {
	node, err := s.client.NodeForKey(key)
	c.Assert(err, IsNil)
	for _, server := range s.servers {
		if server.Addr() == node.Address() {
			return server
		}
	}
	c.Fatalf("No server owns %s", key)
	return nil
}

func (s *ShardedClientSuite) TestSingleNodeScenario(c *C) {
	server := s.servers[0]
	client, err := New(Options{
		Servers: []Server{{Host: "cache1", Port: 11211}},
		Pool: net2.ConnectionOptions{
			Dial: func(
				ctx context.Context,
				network string,
				address string) (net.Conn, error) {

				c.Assert(address, Equals, "cache1:11211")
				var dialer net.Dialer
				return dialer.DialContext(ctx, network, server.Addr())
			},
		},
	})
	c.Assert(err, IsNil)
	defer client.Close()

	ctx := context.Background()

	resp := client.Set(ctx, &Item{Key: "a", Value: []byte("1")})
	c.Assert(resp.Error(), IsNil)

	get := client.Get(ctx, "a")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Status(), Equals, StatusNoError)
	c.Assert(get.Value(), DeepEquals, []byte("1"))

	c.Assert(client.Delete(ctx, "a").Error(), IsNil)

	get = client.Get(ctx, "a")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Status(), Equals, StatusKeyNotFound)

	c.Assert(client.Delete(ctx, "a").Error(), ErrorIs, ErrNotFound)

	// One connection served every request.
	c.Assert(server.Accepted(), Equals, 1)
}

func (s *ShardedClientSuite) TestAdd(c *C) {
	ctx := context.Background()
	item := &Item{Key: "fresh", Value: []byte("v\r\nalue"), Flags: 7}

	c.Assert(s.client.Add(ctx, item).Error(), IsNil)

	get := s.client.Get(ctx, "fresh")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Value(), DeepEquals, item.Value)
	c.Assert(get.Flags(), Equals, uint32(7))

	resp := s.client.Add(ctx, item)
	c.Assert(resp.Error(), ErrorIs, ErrKeyExists)
	c.Assert(resp.Status(), Equals, StatusKeyExists)
}

func (s *ShardedClientSuite) TestReplace(c *C) {
	ctx := context.Background()

	resp := s.client.Replace(ctx, &Item{Key: "missing", Value: []byte("x")})
	c.Assert(resp.Error(), ErrorIs, ErrNotFound)

	c.Assert(s.client.Set(ctx, &Item{Key: "missing", Value: []byte("x")}).Error(), IsNil)
	resp = s.client.Replace(ctx, &Item{Key: "missing", Value: []byte("y")})
	c.Assert(resp.Error(), IsNil)
	c.Assert(s.client.Get(ctx, "missing").Value(), DeepEquals, []byte("y"))
}

func (s *ShardedClientSuite) TestCas(c *C) {
	ctx := context.Background()

	c.Assert(s.client.Set(ctx, &Item{Key: "cas", Value: []byte("1")}).Error(), IsNil)
	version := s.client.Get(ctx, "cas").DataVersionId()
	c.Assert(version, Not(Equals), uint64(0))

	resp := s.client.Set(ctx, &Item{
		Key:           "cas",
		Value:         []byte("2"),
		DataVersionId: version + 1,
	})
	c.Assert(resp.Error(), ErrorIs, ErrKeyExists)

	resp = s.client.Set(ctx, &Item{
		Key:           "cas",
		Value:         []byte("2"),
		DataVersionId: version,
	})
	c.Assert(resp.Error(), IsNil)
}

func (s *ShardedClientSuite) TestCounters(c *C) {
	ctx := context.Background()

	resp := s.client.Increment(ctx, "counter", 1)
	c.Assert(resp.Error(), ErrorIs, ErrNotFound)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Set(ctx, &Item{Key: "counter", Value: []byte("2")}).Error(), IsNil)

	resp = s.client.Decrement(ctx, "counter", 5)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(0))
	c.Assert(s.client.Get(ctx, "counter").Value(), DeepEquals, []byte("0"))

	resp = s.client.Increment(ctx, "counter", 42)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(42))

	c.Assert(s.client.Set(ctx, &Item{Key: "text", Value: []byte("abc")}).Error(), IsNil)
	resp = s.client.Increment(ctx, "text", 1)
	c.Assert(resp.Error(), ErrorIs, ErrNotNumeric)
	c.Assert(resp.Status(), Equals, StatusIncrDecrOnNonNumericValue)
}

func (s *ShardedClientSuite) TestInvalidKeyNeverDials(c *C) {
	ctx := context.Background()

	c.Assert(s.client.Get(ctx, "has space").Error(), ErrorIs, ErrInvalidKey)
	c.Assert(s.client.Delete(ctx, "").Error(), ErrorIs, ErrInvalidKey)
	c.Assert(
		s.client.Set(ctx, &Item{Key: "k", Value: make([]byte, maxValueLength+1)}).Error(),
		ErrorIs,
		ErrValueTooLarge)

	for _, server := range s.servers {
		c.Assert(server.Accepted(), Equals, 0)
	}
}

func (s *ShardedClientSuite) TestGetMulti(c *C) {
	ctx := context.Background()

	keys := []string{}
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("key%d", i)
		keys = append(keys, key)
		if i%2 == 0 {
			resp := s.client.Set(ctx, &Item{Key: key, Value: []byte(key)})
			c.Assert(resp.Error(), IsNil)
		}
	}
	keys = append(keys, "bad key", "key0")

	responses := s.client.GetMulti(ctx, keys)
	c.Assert(responses, HasLen, 31)
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("key%d", i)
		resp := responses[key]
		c.Assert(resp.Error(), IsNil)
		if i%2 == 0 {
			c.Assert(resp.Value(), DeepEquals, []byte(key))
		} else {
			c.Assert(resp.Status(), Equals, StatusKeyNotFound)
		}
	}
	c.Assert(responses["bad key"].Error(), ErrorIs, ErrInvalidKey)

	stored := 0
	for _, server := range s.servers {
		stored += server.Len()
	}
	c.Assert(stored, Equals, 15)
}

func (s *ShardedClientSuite) TestFlushReportsEveryNode(c *C) {
	ctx := context.Background()
	c.Assert(s.client.Set(ctx, &Item{Key: "a", Value: []byte("1")}).Error(), IsNil)

	down := s.servers[2]
	down.Close()

	resp := s.client.Flush(ctx, 0)
	c.Assert(resp.Error(), NotNil)
	c.Assert(resp.Status(), Equals, StatusInternalError)
	c.Assert(resp.Results(), HasLen, 3)
	c.Assert(resp.Succeeded(), HasLen, 2)

	failed := resp.Failed()
	c.Assert(failed, HasLen, 1)
	c.Assert(failed, HasKey, down.Addr())
	c.Assert(failed[down.Addr()], ErrorIs, ErrConnectFailed)

	for _, server := range s.servers[:2] {
		c.Assert(server.Len(), Equals, 0)
	}

	node, ok := s.client.pool.Node(down.Addr())
	c.Assert(ok, IsTrue)
	c.Assert(node.State(), Equals, net2.Down)
}

func (s *ShardedClientSuite) TestFlushAllNodes(c *C) {
	resp := s.client.Flush(context.Background(), 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(resp.Succeeded(), HasLen, 3)
	c.Assert(resp.Failed(), HasLen, 0)
}

func (s *ShardedClientSuite) TestRetryOnStaleConnection(c *C) {
	ctx := context.Background()
	c.Assert(s.client.Set(ctx, &Item{Key: "a", Value: []byte("1")}).Error(), IsNil)

	server := s.serverFor(c, "a")
	c.Assert(server.Accepted(), Equals, 1)

	// The pooled connection is now dead; the get is retried on a fresh one.
	server.DropConnections()

	get := s.client.Get(ctx, "a")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Value(), DeepEquals, []byte("1"))
	c.Assert(server.Accepted(), Equals, 2)
}

func (s *ShardedClientSuite) TestTransportErrorAfterRetry(c *C) {
	ctx := context.Background()
	server := s.serverFor(c, "a")
	server.SetFailing(true)

	resp := s.client.Set(ctx, &Item{Key: "a", Value: []byte("1")})
	c.Assert(resp.Error(), ErrorIs, ErrTransport)

	transportErr, ok := resp.Error().(*TransportError)
	c.Assert(ok, IsTrue)
	c.Assert(transportErr.Addr, Equals, server.Addr())
	c.Assert(transportErr.Op, Equals, "set")

	// The original attempt and exactly one retry.
	c.Assert(server.Accepted(), Equals, 2)
	c.Assert(s.client.pool.NumActive(), Equals, int32(0))
	c.Assert(s.client.pool.NumIdle(), Equals, 0)

	server.SetFailing(false)
	c.Assert(s.client.Set(ctx, &Item{Key: "a", Value: []byte("1")}).Error(), IsNil)
}

func (s *ShardedClientSuite) TestTimedOutRequestInvalidatesConnection(c *C) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	defer listener.Close()

	var accepted int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			// Never answer; the connection is closed by the client.
			defer conn.Close()
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	client, err := New(Options{
		Servers: []Server{{Host: "127.0.0.1", Port: addr.Port}},
		Pool:    net2.ConnectionOptions{ConnectTimeout: time.Second},
	})
	c.Assert(err, IsNil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := client.Get(ctx, "a")
	c.Assert(resp.Error(), ErrorIs, ErrTransport)

	// No retry once the caller's deadline passed.
	c.Assert(atomic.LoadInt32(&accepted), Equals, int32(1))
	c.Assert(client.pool.NumActive(), Equals, int32(0))
	c.Assert(client.pool.NumIdle(), Equals, 0)
}

func (s *ShardedClientSuite) TestConnectFailureIsNotRetried(c *C) {
	server := s.serverFor(c, "a")
	server.Close()

	resp := s.client.Get(context.Background(), "a")
	c.Assert(resp.Error(), ErrorIs, ErrConnectFailed)
	c.Assert(resp.Error(), Not(ErrorIs), ErrTransport)
}

func (s *ShardedClientSuite) TestStatsSkipsFailedNode(c *C) {
	ctx := context.Background()
	c.Assert(s.client.Set(ctx, &Item{Key: "a", Value: []byte("1")}).Error(), IsNil)

	// Take down a server which does not hold "a".
	owner := s.serverFor(c, "a")
	down := s.servers[0]
	if down == owner {
		down = s.servers[1]
	}
	down.Close()

	reports := s.client.Stats(ctx)
	c.Assert(reports, HasLen, 2)
	c.Assert(reports, Not(HasKey), down.Addr())

	items := uint64(0)
	for address, report := range reports {
		c.Assert(report.Address, Equals, address)
		c.Assert(report.Uptime(), Equals, uint64(3600))
		c.Assert(report.Version(), Equals, "1.6.21")
		items += report.CurrItems()
	}
	c.Assert(items, Equals, uint64(1))

	reports, failures := s.client.StatsDetailed(ctx)
	c.Assert(reports, HasLen, 2)
	c.Assert(failures, HasLen, 1)
	c.Assert(failures[down.Addr()], ErrorIs, ErrConnectFailed)
}

func (s *ShardedClientSuite) TestVersion(c *C) {
	resp := s.client.Version(context.Background())
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Versions(), HasLen, 3)
	for _, server := range s.servers {
		c.Assert(resp.Versions()[server.Addr()], Equals, "1.6.21")
	}
}

func (s *ShardedClientSuite) TestAddAndRemoveServer(c *C) {
	extra, err := memcachetest.NewServer()
	c.Assert(err, IsNil)
	defer extra.Close()

	before := make(map[string]string)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key%d", i)
		node, err := s.client.NodeForKey(key)
		c.Assert(err, IsNil)
		before[key] = node.Address()
	}

	c.Assert(s.client.AddServer(extra.Host(), extra.Port(), 1), IsNil)
	c.Assert(s.client.AddServer(extra.Host(), extra.Port(), 1), NotNil)
	c.Assert(s.client.Servers(), HasLen, 4)

	moved := 0
	for key, address := range before {
		node, err := s.client.NodeForKey(key)
		c.Assert(err, IsNil)
		if node.Address() != address {
			c.Assert(node.Address(), Equals, extra.Addr())
			moved++
		}
	}
	c.Assert(moved > 0, IsTrue)
	c.Assert(moved < 400, IsTrue)

	c.Assert(s.client.RemoveServer(extra.Host(), extra.Port()), IsNil)
	c.Assert(
		s.client.RemoveServer(extra.Host(), extra.Port()),
		ErrorIs,
		net2.ErrUnknownNode)

	for key, address := range before {
		node, err := s.client.NodeForKey(key)
		c.Assert(err, IsNil)
		c.Assert(node.Address(), Equals, address)
	}
}

func (s *ShardedClientSuite) TestEmptyRing(c *C) {
	client := s.newClient(c, Options{})
	defer client.Close()

	resp := client.Get(context.Background(), "a")
	c.Assert(resp.Error(), ErrorIs, ErrEmptyRing)
	c.Assert(resp.Error(), ErrorIs, hashring.ErrEmptyRing)

	flush := client.Flush(context.Background(), 0)
	c.Assert(flush.Error(), IsNil)
	c.Assert(flush.Results(), HasLen, 0)
}

func (s *ShardedClientSuite) TestClose(c *C) {
	ctx := context.Background()
	c.Assert(s.client.Set(ctx, &Item{Key: "a", Value: []byte("1")}).Error(), IsNil)

	s.client.Close()
	s.client.Close()

	c.Assert(s.client.Get(ctx, "a").Error(), ErrorIs, ErrClosed)
	c.Assert(s.client.Flush(ctx, 0).Error(), ErrorIs, ErrClosed)
	c.Assert(s.client.AddServer("cache9", 11211, 1), ErrorIs, ErrClosed)
	c.Assert(s.client.pool.NumIdle(), Equals, 0)
}

func (s *ShardedClientSuite) TestDuplicateServer(c *C) {
	_, err := New(Options{
		Servers: []Server{
			{Host: "cache1", Port: 11211},
			{Host: "cache1", Port: 11211},
		},
	})
	c.Assert(err, NotNil)
}

func (s *ShardedClientSuite) TestRequestMetrics(c *C) {
	registry := prometheus.NewPedanticRegistry()
	client := s.newClient(
		c,
		Options{StatsFactory: stats.NewPrometheusFactory(registry, "memcache")},
		s.servers...)
	defer client.Close()

	ctx := context.Background()
	c.Assert(client.Set(ctx, &Item{Key: "a", Value: []byte("1")}).Error(), IsNil)
	c.Assert(client.Get(ctx, "a").Error(), IsNil)
	c.Assert(client.Get(ctx, "b").Error(), IsNil)
	c.Assert(client.Delete(ctx, "b").Error(), NotNil)

	c.Assert(testutil.ToFloat64(requestCounter(c, registry, "set", "ok")), Equals, 1.0)
	c.Assert(testutil.ToFloat64(requestCounter(c, registry, "get", "ok")), Equals, 1.0)
	c.Assert(testutil.ToFloat64(requestCounter(c, registry, "get", "status")), Equals, 1.0)
	c.Assert(testutil.ToFloat64(requestCounter(c, registry, "delete", "status")), Equals, 1.0)
}

func requestCounter(
	c *C,
	registry *prometheus.Registry,
	op string,
	status string) prometheus.Collector {

	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcache",
			Name:      "requests_total",
			Help:      "requests_total",
		},
		[]string{"op", "status"})
	err := registry.Register(vec)
	are, ok := err.(prometheus.AlreadyRegisteredError)
	c.Assert(ok, IsTrue)
	return are.ExistingCollector.(*prometheus.CounterVec).WithLabelValues(op, status)
}
