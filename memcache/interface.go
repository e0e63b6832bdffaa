package memcache

import (
	"context"
	"time"

	"github.com/futureweb/gomemcache/net2"
)

// An item to be gotten from or stored in a memcache server.
type Item struct {
	// The item's key (the key can be up to 250 bytes maximum).
	Key string

	// The item's value.
	Value []byte

	// Flags are server-opaque flags whose semantics are entirely up to the app.
	Flags uint32

	// aka CAS (check and set) in memcache documentation.  When nonzero, Set
	// only succeeds if the stored item still has this version.
	DataVersionId uint64

	// Expiration is the cache expiration time, in seconds: either a relative
	// time from now (up to 1 month), or an absolute Unix epoch time.
	// Zero means the Item has no expiration time.
	Expiration uint32
}

// Expiration converts ttl into an Item expiration relative to now.  TTLs
// longer than 30 days are turned into absolute timestamps, which is how
// memcached tells the two apart.
func Expiration(now time.Time, ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	seconds := int64(ttl / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	if seconds <= maxRelativeExpiration {
		return uint32(seconds)
	}
	return uint32(now.Unix() + seconds)
}

// A memcached server in the client's configuration.
type Server struct {
	Host string
	Port int

	// Share of the key space relative to the other servers.  Zero counts
	// as one.
	Weight uint32
}

// A generic response to a memcache request.
type Response interface {
	// This returns the status returned by the memcache server.  When Error()
	// is non-nil, this value may not be valid.
	Status() ResponseStatus

	// This returns nil when no error is encountered by the client, and the
	// response status returned by the memcache server is StatusNoError.
	// Otherwise, this returns an error; server statuses map to the package's
	// sentinel errors (ErrNotFound, ErrKeyExists, ...).
	//
	// NOTE: For get requests, this also returns nil when the response status
	// is StatusKeyNotFound.
	Error() error
}

// Response returned by Get requests.
type GetResponse interface {
	Response

	// This returns the key for the requested value.
	Key() string

	// This returns the retrieved entry.  The value may be nil.
	Value() []byte

	// This returns the entry's flags value.  The value is only valid when
	// the entry is found.
	Flags() uint32

	// This returns the data version id (aka CAS) for the item.  The value is
	// only valid when the entry is found.
	DataVersionId() uint64
}

// Response returned by Set/Add/Replace/Delete requests.
type MutateResponse interface {
	Response

	// This returns the input key.
	Key() string
}

// Response returned by Increment/Decrement requests.
type CountResponse interface {
	Response

	// This returns the input key.
	Key() string

	// This returns the resulting count value.  On error status, this returns
	// zero.
	Count() uint64
}

// The outcome of a request sent to one node during a fan out.
type NodeResult struct {
	Address string

	// nil when the node handled the request.
	Err error
}

// Response returned by Flush requests.
type FlushResponse interface {
	Response

	// Per node outcomes, sorted by address.
	Results() []NodeResult

	// The addresses of the nodes that were flushed.
	Succeeded() []string

	// address -> error for the nodes that were not flushed.
	Failed() map[string]error
}

// Response returned by Version requests.
type VersionResponse interface {
	Response

	// This returns the memcache version entries of the nodes that answered.
	// The mapping is stored as:
	//      node address -> version string
	Versions() map[string]string
}

type Client interface {
	// This retrieves a single entry from memcache.
	Get(ctx context.Context, key string) GetResponse

	// Batch version of the Get method.
	GetMulti(ctx context.Context, keys []string) map[string]GetResponse

	// This sets a single entry into memcache.  If the item's data version id
	// (aka CAS) is nonzero, the set operation can only succeed if the item
	// exists in memcache and has a same data version id.
	Set(ctx context.Context, item *Item) MutateResponse

	// This adds a single entry into memcache.  Note: Add will fail with
	// StatusKeyExists if the item already exist in memcache.
	Add(ctx context.Context, item *Item) MutateResponse

	// This replaces a single entry in memcache.  Note: Replace will fail with
	// StatusKeyNotFound if the item does not exist in memcache.
	Replace(ctx context.Context, item *Item) MutateResponse

	// This deletes a single entry from memcache.
	Delete(ctx context.Context, key string) MutateResponse

	// This increments the key's counter by delta.  The counter must exist and
	// hold the decimal representation of an unsigned 64 bit integer.
	// Incrementing the counter may cause the counter to wrap.
	Increment(ctx context.Context, key string, delta uint64) CountResponse

	// This decrements the key's counter by delta.  Decrementing a counter
	// will never result in a "negative value"; instead the counter is set
	// to 0.
	Decrement(ctx context.Context, key string, delta uint64) CountResponse

	// This invalidates all existing cache items on every node after
	// expiration number of seconds.
	Flush(ctx context.Context, expiration uint32) FlushResponse

	// This queries every node's statistics.  Nodes that fail to answer are
	// left out.
	Stats(ctx context.Context) map[string]StatsReport

	// This returns the servers' version strings.
	Version(ctx context.Context) VersionResponse

	// This adds a server to the ring without disturbing the connections to
	// the existing ones.
	AddServer(host string, port int, weight uint32) error

	// This removes a server from the ring and closes its idle connections.
	RemoveServer(host string, port int) error

	// This returns the configured servers, sorted by address.
	Servers() []*net2.ServerNode

	// Closes every connection.  Operations issued afterwards fail with
	// ErrClosed.
	Close()
}
