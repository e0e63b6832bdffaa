package memcache

//
// Response Status
//

type ResponseStatus uint16

const (
	StatusNoError ResponseStatus = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusValueTooLarge
	StatusInvalidArguments
	StatusItemNotStored
	StatusIncrDecrOnNonNumericValue
)

const (
	StatusUnknownCommand ResponseStatus = 0x81 + iota
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTempFailure
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusNoError:
		return "ok"
	case StatusKeyNotFound:
		return "not_found"
	case StatusKeyExists:
		return "exists"
	case StatusValueTooLarge:
		return "too_large"
	case StatusInvalidArguments:
		return "invalid_arguments"
	case StatusItemNotStored:
		return "not_stored"
	case StatusIncrDecrOnNonNumericValue:
		return "non_numeric"
	case StatusUnknownCommand:
		return "unknown_command"
	case StatusOutOfMemory:
		return "out_of_memory"
	case StatusNotSupported:
		return "not_supported"
	case StatusInternalError:
		return "internal_error"
	case StatusBusy:
		return "busy"
	case StatusTempFailure:
		return "temp_failure"
	default:
		return "invalid"
	}
}

const (
	// Keys longer than this are rejected by memcached.
	maxKeyLength = 250

	// The default memcached item size limit.
	maxValueLength = 1024 * 1024

	// Expirations above this many seconds are absolute unix timestamps.
	maxRelativeExpiration = 60 * 60 * 24 * 30

	DefaultFanoutConcurrency = 8
)
