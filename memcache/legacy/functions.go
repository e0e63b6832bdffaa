package legacy

import (
	"context"
	"sort"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/memcache"
)

// Get returns the item stored under key.  A miss fails with
// memcache.ErrNotFound.
func Get(ctx context.Context, h *Handle, key string) (*memcache.Item, error) {
	h, err := resolve(h)
	if err != nil {
		return nil, err
	}

	resp := h.client.Get(ctx, key)
	if err := resp.Error(); err != nil {
		return nil, err
	}
	if resp.Status() == memcache.StatusKeyNotFound {
		return nil, errors.Wrapf(memcache.ErrNotFound, "Get %q", key)
	}
	return &memcache.Item{
		Key:           key,
		Value:         resp.Value(),
		Flags:         resp.Flags(),
		DataVersionId: resp.DataVersionId(),
	}, nil
}

func store(
	ctx context.Context,
	h *Handle,
	storeFunc func(memcache.Client, *memcache.Item) memcache.MutateResponse,
	key string,
	value []byte,
	flags uint32,
	expiration uint32) error {

	h, err := resolve(h)
	if err != nil {
		return err
	}

	return storeFunc(h.client, &memcache.Item{
		Key:        key,
		Value:      value,
		Flags:      flags,
		Expiration: expiration,
	}).Error()
}

// Set stores value under key unconditionally.  expiration is in seconds,
// relative up to 30 days, an absolute unix time beyond that; zero never
// expires.
func Set(
	ctx context.Context,
	h *Handle,
	key string,
	value []byte,
	flags uint32,
	expiration uint32) error {

	return store(
		ctx,
		h,
		func(client memcache.Client, item *memcache.Item) memcache.MutateResponse {
			return client.Set(ctx, item)
		},
		key,
		value,
		flags,
		expiration)
}

// Add stores value only when key is absent; otherwise it fails with
// memcache.ErrKeyExists.
func Add(
	ctx context.Context,
	h *Handle,
	key string,
	value []byte,
	flags uint32,
	expiration uint32) error {

	return store(
		ctx,
		h,
		func(client memcache.Client, item *memcache.Item) memcache.MutateResponse {
			return client.Add(ctx, item)
		},
		key,
		value,
		flags,
		expiration)
}

// Replace stores value only when key is present; otherwise it fails with
// memcache.ErrNotFound.
func Replace(
	ctx context.Context,
	h *Handle,
	key string,
	value []byte,
	flags uint32,
	expiration uint32) error {

	return store(
		ctx,
		h,
		func(client memcache.Client, item *memcache.Item) memcache.MutateResponse {
			return client.Replace(ctx, item)
		},
		key,
		value,
		flags,
		expiration)
}

func Delete(ctx context.Context, h *Handle, key string) error {
	h, err := resolve(h)
	if err != nil {
		return err
	}
	return h.client.Delete(ctx, key).Error()
}

// Increment adds delta to the counter stored under key and returns the new
// value.
func Increment(
	ctx context.Context,
	h *Handle,
	key string,
	delta uint64) (uint64, error) {

	h, err := resolve(h)
	if err != nil {
		return 0, err
	}
	resp := h.client.Increment(ctx, key, delta)
	return resp.Count(), resp.Error()
}

// Decrement subtracts delta from the counter stored under key, stopping at
// zero, and returns the new value.
func Decrement(
	ctx context.Context,
	h *Handle,
	key string,
	delta uint64) (uint64, error) {

	h, err := resolve(h)
	if err != nil {
		return 0, err
	}
	resp := h.client.Decrement(ctx, key, delta)
	return resp.Count(), resp.Error()
}

// Flush invalidates every item on every server.  The response lists each
// server's outcome; the error is non-nil when any server was not flushed.
func Flush(ctx context.Context, h *Handle) (memcache.FlushResponse, error) {
	h, err := resolve(h)
	if err != nil {
		return nil, err
	}
	resp := h.client.Flush(ctx, 0)
	return resp, resp.Error()
}

// GetExtendedStats returns the stats of every server which answered, keyed
// by address.
func GetExtendedStats(
	ctx context.Context,
	h *Handle) (map[string]memcache.StatsReport, error) {

	h, err := resolve(h)
	if err != nil {
		return nil, err
	}
	return h.client.Stats(ctx), nil
}

// GetStats returns the stats of the first server (by address) which
// answered.
func GetStats(ctx context.Context, h *Handle) (memcache.StatsReport, error) {
	reports, err := GetExtendedStats(ctx, h)
	if err != nil {
		return memcache.StatsReport{}, err
	}

	addresses := make([]string, 0, len(reports))
	for address := range reports {
		addresses = append(addresses, address)
	}
	if len(addresses) == 0 {
		return memcache.StatsReport{}, errors.New("No memcache server answered")
	}
	sort.Strings(addresses)
	return reports[addresses[0]], nil
}

// GetVersion returns the version of the first server (by address) which
// answered.
func GetVersion(ctx context.Context, h *Handle) (string, error) {
	h, err := resolve(h)
	if err != nil {
		return "", err
	}

	versions := h.client.Version(ctx).Versions()
	addresses := make([]string, 0, len(versions))
	for address := range versions {
		addresses = append(addresses, address)
	}
	if len(addresses) == 0 {
		return "", errors.New("No memcache server answered")
	}
	sort.Strings(addresses)
	return versions[addresses[0]], nil
}
