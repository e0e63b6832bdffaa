package net2

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/futureweb/gomemcache/errors"
)

const ioBufferSize = 4096

// Any time in the past works; it aborts blocked reads and writes.
var aLongTimeAgo = time.Unix(1, 0)

// The physical connection.  It outlives the Conn handles checked out on top
// of it, and applies the pool's read / write timeouts (capped by the bound
// context's deadline) on every Read and Write.
type physConn struct {
	raw     net.Conn
	options *ConnectionOptions

	reader *bufio.Reader
	writer *bufio.Writer

	idleSince time.Time // guarded by the node pool's mutex

	mutex       sync.Mutex
	ctxDeadline time.Time // guarded by mutex
	canceled    bool      // guarded by mutex
	cancelErr   error     // guarded by mutex
}

func newPhysConn(raw net.Conn, options *ConnectionOptions) *physConn {
	c := &physConn{
		raw:     raw,
		options: options,
	}
	c.reader = bufio.NewReaderSize(c, ioBufferSize)
	c.writer = bufio.NewWriterSize(c, ioBufferSize)
	return c
}

func (c *physConn) reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ctxDeadline = time.Time{}
	c.canceled = false
	c.cancelErr = nil
}

func (c *physConn) isCanceled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.canceled
}

func (c *physConn) deadline(timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = c.options.Clock.Now().Add(timeout)
	}
	if !c.ctxDeadline.IsZero() &&
		(deadline.IsZero() || c.ctxDeadline.Before(deadline)) {

		deadline = c.ctxDeadline
	}
	return deadline
}

// See net.Conn for documentation
func (c *physConn) Read(b []byte) (int, error) {
	c.mutex.Lock()
	if c.canceled {
		err := c.cancelErr
		c.mutex.Unlock()
		return 0, errors.Wrap(err, "Read error")
	}
	_ = c.raw.SetReadDeadline(c.deadline(c.options.ReadTimeout))
	c.mutex.Unlock()

	n, err := c.raw.Read(b)
	if err != nil {
		err = errors.Wrap(err, "Read error")
	}
	return n, err
}

// See net.Conn for documentation
func (c *physConn) Write(b []byte) (int, error) {
	c.mutex.Lock()
	if c.canceled {
		err := c.cancelErr
		c.mutex.Unlock()
		return 0, errors.Wrap(err, "Write error")
	}
	_ = c.raw.SetWriteDeadline(c.deadline(c.options.WriteTimeout))
	c.mutex.Unlock()

	n, err := c.raw.Write(b)
	if err != nil {
		err = errors.Wrap(err, "Write error")
	}
	return n, err
}

// A connection checked out of a ConnectionPool.  Exactly one of Release or
// Invalidate must be called once the caller is done with it; any later call
// fails with ErrConnDone.
//
// NOTE: the deadlines are set by the pool.  Use Bind to cap them with a
// context.
type Conn struct {
	phys *physConn
	pool *nodePool
	done int32 // atomic bool
}

// Address returns the node address this connection is connected to.
func (c *Conn) Address() string {
	return c.pool.node.Address()
}

// Node returns the node this connection is connected to.
func (c *Conn) Node() *ServerNode {
	return c.pool.node
}

func (c *Conn) Reader() *bufio.Reader {
	return c.phys.reader
}

func (c *Conn) Writer() *bufio.Writer {
	return c.phys.writer
}

// This returns the underlying net.Conn implementation.
func (c *Conn) RawConn() net.Conn {
	return c.phys.raw
}

// Bind caps the connection's deadlines with ctx's deadline, and aborts any
// blocked Read or Write once ctx is done.  The returned function undoes the
// binding; it must be called before the connection is released.
func (c *Conn) Bind(ctx context.Context) (unbind func()) {
	phys := c.phys

	phys.mutex.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		phys.ctxDeadline = deadline
	}
	phys.mutex.Unlock()

	stop := context.AfterFunc(ctx, func() {
		phys.mutex.Lock()
		defer phys.mutex.Unlock()
		phys.canceled = true
		phys.cancelErr = ctx.Err()
		_ = phys.raw.SetDeadline(aLongTimeAgo)
	})

	return func() {
		stop()
		phys.mutex.Lock()
		defer phys.mutex.Unlock()
		phys.ctxDeadline = time.Time{}
	}
}

// Release returns the connection to the pool.  A connection whose context
// fired, or with unread / unflushed data, is closed instead since its stream
// position is unknown.
func (c *Conn) Release() error {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		return errors.Wrapf(ErrConnDone, "Release %s", c.Address())
	}

	phys := c.phys
	if phys.isCanceled() ||
		phys.reader.Buffered() > 0 ||
		phys.writer.Buffered() > 0 {

		return c.pool.discard(phys)
	}

	c.pool.release(phys)
	return nil
}

// Invalidate closes the connection and frees its pool slot.  Use it after
// any I/O error.
func (c *Conn) Invalidate() error {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		return errors.Wrapf(ErrConnDone, "Invalidate %s", c.Address())
	}
	return c.pool.discard(c.phys)
}
