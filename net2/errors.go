package net2

import (
	"github.com/futureweb/gomemcache/errors"
)

var (
	// No connection slot became free before the acquire timeout (or the
	// caller's deadline) expired.
	ErrPoolExhausted = errors.Sentinel("connection pool exhausted")

	// The node could not be dialed within the connect timeout.
	ErrConnectFailed = errors.Sentinel("connect failed")

	// The address was never registered, or has been unregistered.
	ErrUnknownNode = errors.Sentinel("unknown node")

	// The pool (or the node's pool) is in lame duck mode.
	ErrPoolClosed = errors.Sentinel("connection pool closed")

	// Release or Invalidate was called on a connection that was already
	// handed back.
	ErrConnDone = errors.Sentinel("connection already released")
)
