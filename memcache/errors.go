package memcache

import (
	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/hash2/hashring"
	"github.com/futureweb/gomemcache/net2"
)

var (
	// No servers are configured.
	ErrEmptyRing = hashring.ErrEmptyRing

	// No connection to the owning node became available in time.
	ErrPoolExhausted = net2.ErrPoolExhausted

	// The owning node could not be dialed.
	ErrConnectFailed = net2.ErrConnectFailed

	// The client has been closed.
	ErrClosed = net2.ErrPoolClosed

	// Matches every *TransportError.
	ErrTransport = errors.Sentinel("memcache transport error")

	ErrNotFound       = errors.Sentinel("key not found")
	ErrKeyExists      = errors.Sentinel("key exists")
	ErrNotStored      = errors.Sentinel("item not stored")
	ErrNotNumeric     = errors.Sentinel("incr/decr on non-numeric value")
	ErrInvalidKey     = errors.Sentinel("invalid key")
	ErrValueTooLarge  = errors.Sentinel("value too large")
	ErrNotImplemented = errors.Sentinel("not implemented")
)

// A TransportError is returned once an operation failed on two connections
// in a row (the original one and a freshly dialed retry), or on the first
// one when the caller's context was already done.
type TransportError struct {
	// The node the operation was sent to.
	Addr string

	// The protocol command, e.g. "get" or "flush_all".
	Op string

	// The I/O or protocol error of the last attempt.
	Err error
}

func (e *TransportError) Error() string {
	return "memcache " + e.Op + " " + e.Addr + ": " + errors.GetMessage(e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// This maps a server status to its sentinel error.  StatusNoError maps to
// nil.
func NewStatusCodeError(status ResponseStatus) error {
	switch status {
	case StatusNoError:
		return nil
	case StatusKeyNotFound:
		return ErrNotFound
	case StatusKeyExists:
		return ErrKeyExists
	case StatusValueTooLarge:
		return ErrValueTooLarge
	case StatusInvalidArguments:
		return errors.New("Invalid arguments")
	case StatusItemNotStored:
		return ErrNotStored
	case StatusIncrDecrOnNonNumericValue:
		return ErrNotNumeric
	case StatusUnknownCommand:
		return errors.New("Unknown command")
	case StatusOutOfMemory:
		return errors.New("Server out of memory")
	case StatusNotSupported:
		return errors.New("Not supported")
	case StatusInternalError:
		return errors.New("Server internal error")
	case StatusBusy:
		return errors.New("Server busy")
	case StatusTempFailure:
		return errors.New("Temporary server failure")
	default:
		return errors.Newf("Invalid status: %d", int(status))
	}
}
