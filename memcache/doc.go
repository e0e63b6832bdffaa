// A memcache client library which shards keys over a set of memcached
// servers with a libketama compatible consistent hash ring, and keeps a
// bounded pool of connections per server.
//
// Implementation note: this client uses memcached's ascii protocol.  See
// https://github.com/memcached/memcached/blob/master/doc/protocol.txt for
// additional details.
//
// Server outcomes (misses, key exists, non-numeric counters, ...) are
// reported through the response's Status; Error maps them to the package's
// sentinel errors, which can be matched with errors.Is.  A request that
// fails on its connection is retried once on a freshly dialed connection
// before it surfaces as a *TransportError.
package memcache
