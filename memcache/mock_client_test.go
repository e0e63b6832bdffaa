package memcache

import (
	"bytes"
	"context"

	. "gopkg.in/check.v1"

	. "github.com/futureweb/gomemcache/gocheck2"
)

type MockClientSuite struct {
	client *MockClient
}

var _ = Suite(&MockClientSuite{})

func (s *MockClientSuite) SetUpTest(c *C) {
	s.client = NewMockClient()
}

func createTestItem() *Item {
	return &Item{
		Key:   "bar",
		Value: []byte("bar"),
	}
}

func (s *MockClientSuite) TestAddSimple(c *C) {
	item := createTestItem()

	ctx := context.Background()
	resp := s.client.Add(ctx, item)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Key(), Equals, item.Key)

	gresp := s.client.Get(ctx, item.Key)
	c.Assert(gresp.Error(), IsNil)
	c.Assert(bytes.Equal(gresp.Value(), item.Value), IsTrue)
	c.Assert(gresp.DataVersionId(), Equals, uint64(1))
}

func (s *MockClientSuite) TestAddExists(c *C) {
	item := createTestItem()

	ctx := context.Background()
	resp := s.client.Add(ctx, item)
	c.Assert(resp.Error(), IsNil)
	resp = s.client.Add(ctx, item)
	c.Assert(resp.Error(), ErrorIs, ErrKeyExists)
	c.Assert(resp.Status(), Equals, StatusKeyExists)
}

func (s *MockClientSuite) TestReplaceMissing(c *C) {
	resp := s.client.Replace(context.Background(), createTestItem())
	c.Assert(resp.Error(), ErrorIs, ErrNotFound)
}

func (s *MockClientSuite) TestSetCas(c *C) {
	ctx := context.Background()
	item := createTestItem()
	c.Assert(s.client.Set(ctx, item).Error(), IsNil)

	version := s.client.Get(ctx, item.Key).DataVersionId()

	stale := createTestItem()
	stale.DataVersionId = version + 10
	c.Assert(s.client.Set(ctx, stale).Error(), ErrorIs, ErrKeyExists)

	current := createTestItem()
	current.DataVersionId = version
	c.Assert(s.client.Set(ctx, current).Error(), IsNil)
}

func (s *MockClientSuite) TestCounters(c *C) {
	ctx := context.Background()

	resp := s.client.Increment(ctx, "test", 5)
	c.Assert(resp.Error(), ErrorIs, ErrNotFound)

	c.Assert(s.client.Set(ctx, &Item{Key: "test", Value: []byte("10")}).Error(), IsNil)

	resp = s.client.Increment(ctx, "test", 5)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(15))

	resp = s.client.Decrement(ctx, "test", 20)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(0))

	c.Assert(s.client.Set(ctx, &Item{Key: "text", Value: []byte("abc")}).Error(), IsNil)
	resp = s.client.Increment(ctx, "text", 1)
	c.Assert(resp.Error(), ErrorIs, ErrNotNumeric)
}

func (s *MockClientSuite) TestFlushAndServers(c *C) {
	ctx := context.Background()
	c.Assert(s.client.AddServer("cache1", 11211, 1), IsNil)
	c.Assert(s.client.AddServer("cache2", 11211, 1), IsNil)
	c.Assert(s.client.AddServer("cache2", 11211, 1), NotNil)
	c.Assert(s.client.Set(ctx, createTestItem()).Error(), IsNil)

	resp := s.client.Flush(ctx, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Succeeded(), DeepEquals, []string{"cache1:11211", "cache2:11211"})
	c.Assert(s.client.Get(ctx, "bar").Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Stats(ctx), HasLen, 2)
	c.Assert(s.client.Version(ctx).Versions(), HasKey, "cache1:11211")

	c.Assert(s.client.RemoveServer("cache1", 11211), IsNil)
	c.Assert(s.client.RemoveServer("cache1", 11211), NotNil)
	c.Assert(s.client.Servers(), HasLen, 1)
}

func (s *MockClientSuite) TestClose(c *C) {
	s.client.Close()

	resp := s.client.Get(context.Background(), "bar")
	c.Assert(resp.Error(), ErrorIs, ErrClosed)
}
