package memcache

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/net2"
)

const mockVersion = "MockServer"

// An in-memory Client for tests of code which depends on the Client
// interface.  All servers share one key space; expiration is ignored.
type MockClient struct {
	mutex   sync.Mutex
	data    map[string]*Item            // guarded by mutex
	version uint64                      // guarded by mutex
	servers map[string]*net2.ServerNode // guarded by mutex
	closed  bool                        // guarded by mutex
}

var _ Client = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		data:    make(map[string]*Item),
		servers: make(map[string]*net2.ServerNode),
	}
}

func (c *MockClient) checkLocked() error {
	if c.closed {
		return errors.Wrap(ErrClosed, "Mock client is closed")
	}
	return nil
}

func (c *MockClient) getHelper(key string) GetResponse {
	if err := c.checkLocked(); err != nil {
		return NewGetErrorResponse(key, err)
	}
	if err := ValidateKey(key); err != nil {
		return NewGetErrorResponse(key, err)
	}
	if v, ok := c.data[key]; ok {
		return NewGetResponse(
			key,
			StatusNoError,
			v.Flags,
			v.Value,
			v.DataVersionId)
	}
	return NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
}

// See Client interface for documentation.
func (c *MockClient) Get(ctx context.Context, key string) GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.getHelper(key)
}

// See Client interface for documentation.
func (c *MockClient) GetMulti(
	ctx context.Context,
	keys []string) map[string]GetResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make(map[string]GetResponse)
	for _, key := range keys {
		res[key] = c.getHelper(key)
	}
	return res
}

// This stores item when precondition accepts the existing entry (nil when
// absent).
func (c *MockClient) storeHelper(
	item *Item,
	precondition func(existing *Item) ResponseStatus) MutateResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := validateItem(item); err != nil {
		key := ""
		if item != nil {
			key = item.Key
		}
		return NewMutateErrorResponse(key, err)
	}
	if err := c.checkLocked(); err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}

	if status := precondition(c.data[item.Key]); status != StatusNoError {
		return NewMutateResponse(item.Key, status)
	}

	c.version++
	c.data[item.Key] = &Item{
		Key:           item.Key,
		Value:         append([]byte(nil), item.Value...),
		Flags:         item.Flags,
		Expiration:    item.Expiration,
		DataVersionId: c.version,
	}
	return NewMutateResponse(item.Key, StatusNoError)
}

// See Client interface for documentation.
func (c *MockClient) Set(ctx context.Context, item *Item) MutateResponse {
	return c.storeHelper(item, func(existing *Item) ResponseStatus {
		if item.DataVersionId == 0 {
			return StatusNoError
		}
		if existing == nil {
			return StatusKeyNotFound
		}
		if existing.DataVersionId != item.DataVersionId {
			// CAS mismatch
			return StatusKeyExists
		}
		return StatusNoError
	})
}

// See Client interface for documentation.
func (c *MockClient) Add(ctx context.Context, item *Item) MutateResponse {
	return c.storeHelper(item, func(existing *Item) ResponseStatus {
		if existing != nil {
			return StatusKeyExists
		}
		return StatusNoError
	})
}

// See Client interface for documentation.
func (c *MockClient) Replace(ctx context.Context, item *Item) MutateResponse {
	return c.storeHelper(item, func(existing *Item) ResponseStatus {
		if existing == nil {
			return StatusKeyNotFound
		}
		return StatusNoError
	})
}

// See Client interface for documentation.
func (c *MockClient) Delete(ctx context.Context, key string) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkLocked(); err != nil {
		return NewMutateErrorResponse(key, err)
	}

	_, ok := c.data[key]
	if !ok {
		return NewMutateResponse(key, StatusKeyNotFound)
	}

	delete(c.data, key)

	return NewMutateResponse(key, StatusNoError)
}

func (c *MockClient) countHelper(
	key string,
	apply func(current uint64) uint64) CountResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkLocked(); err != nil {
		return NewCountErrorResponse(key, err)
	}

	item, ok := c.data[key]
	if !ok {
		return NewCountResponse(key, StatusKeyNotFound, 0)
	}

	current, err := strconv.ParseUint(string(item.Value), 10, 64)
	if err != nil {
		return NewCountResponse(key, StatusIncrDecrOnNonNumericValue, 0)
	}

	count := apply(current)
	c.version++
	item.Value = []byte(strconv.FormatUint(count, 10))
	item.DataVersionId = c.version
	return NewCountResponse(key, StatusNoError, count)
}

// See Client interface for documentation.
func (c *MockClient) Increment(
	ctx context.Context,
	key string,
	delta uint64) CountResponse {

	return c.countHelper(key, func(current uint64) uint64 {
		return current + delta
	})
}

// See Client interface for documentation.
func (c *MockClient) Decrement(
	ctx context.Context,
	key string,
	delta uint64) CountResponse {

	return c.countHelper(key, func(current uint64) uint64 {
		if delta > current {
			return 0
		}
		return current - delta
	})
}

// See Client interface for documentation.  The expiration is ignored; the
// data is dropped right away.
func (c *MockClient) Flush(ctx context.Context, expiration uint32) FlushResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkLocked(); err != nil {
		return NewFlushResponse([]NodeResult{{Err: err}})
	}

	c.data = make(map[string]*Item)

	results := make([]NodeResult, 0, len(c.servers))
	for address := range c.servers {
		results = append(results, NodeResult{Address: address})
	}
	return NewFlushResponse(results)
}

// See Client interface for documentation.
func (c *MockClient) Stats(ctx context.Context) map[string]StatsReport {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	reports := make(map[string]StatsReport)
	if c.closed {
		return reports
	}
	for address := range c.servers {
		reports[address] = StatsReport{
			Address: address,
			Entries: map[string]string{
				"uptime":     "1",
				"version":    mockVersion,
				"curr_items": strconv.Itoa(len(c.data)),
			},
		}
	}
	return reports
}

// See Client interface for documentation.
func (c *MockClient) Version(ctx context.Context) VersionResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	versions := make(map[string]string)
	if err := c.checkLocked(); err != nil {
		return NewVersionResponse(err, versions)
	}
	for address := range c.servers {
		versions[address] = mockVersion
	}
	return NewVersionResponse(nil, versions)
}

// See Client interface for documentation.
func (c *MockClient) AddServer(host string, port int, weight uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkLocked(); err != nil {
		return err
	}

	node := net2.NewServerNode(host, port, weight)
	if _, ok := c.servers[node.Address()]; ok {
		return errors.Newf("Duplicate memcache server %s", node.Address())
	}
	c.servers[node.Address()] = node
	return nil
}

// See Client interface for documentation.
func (c *MockClient) RemoveServer(host string, port int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	address := net2.NewServerNode(host, port, 0).Address()
	if _, ok := c.servers[address]; !ok {
		return errors.Wrapf(net2.ErrUnknownNode, "Cannot remove %s", address)
	}
	delete(c.servers, address)
	return nil
}

// See Client interface for documentation.
func (c *MockClient) Servers() []*net2.ServerNode {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result := make([]*net2.ServerNode, 0, len(c.servers))
	for _, node := range c.servers {
		result = append(result, node)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address() < result[j].Address()
	})
	return result
}

// See Client interface for documentation.
func (c *MockClient) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
}
