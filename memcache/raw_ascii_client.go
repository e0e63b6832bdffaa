package memcache

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/futureweb/gomemcache/errors"
)

// A memcache client which speaks the ascii protocol over a single checked
// out connection.  Note that the client assumes nothing else is sending or
// receiving on the connection.  The client is not safe for concurrent use;
// the connection pool guarantees a connection has a single user.
//
// Once an I/O or framing error occurs the client trips into invalid state:
// every later request fails without touching the connection, and the
// connection must be invalidated rather than released.
type RawAsciiClient struct {
	writer *bufio.Writer
	reader *bufio.Reader

	validState bool
	// The error that tripped the client into invalid state.
	stateErr error
}

// This creates a new memcache RawAsciiClient.
func NewRawAsciiClient(reader *bufio.Reader, writer *bufio.Writer) *RawAsciiClient {
	return &RawAsciiClient{
		writer:     writer,
		reader:     reader,
		validState: true,
	}
}

// This returns true if the client is in a valid state.  If the client is
// in invalid state, the user should abandon the current connection.
func (c *RawAsciiClient) IsValidState() bool {
	return c.validState
}

// StateError returns the error which tripped the client into invalid state.
func (c *RawAsciiClient) StateError() error {
	return c.stateErr
}

// This returns err when it is the error which tripped the client into
// invalid state, i.e., the request failed on the connection rather than on
// the server.  Otherwise, this returns nil.
func (c *RawAsciiClient) failure(err error) error {
	if err != nil && !c.validState && err == c.stateErr {
		return err
	}
	return nil
}

func (c *RawAsciiClient) invalidate(err error) error {
	if c.validState {
		c.validState = false
		c.stateErr = err
	}
	return err
}

func (c *RawAsciiClient) writeStrings(strs ...string) error {
	if !c.validState {
		return errors.New("Skipping due to previous error")
	}

	for _, str := range strs {
		_, err := c.writer.WriteString(str)
		if err != nil {
			return c.invalidate(err)
		}
	}

	return nil
}

func (c *RawAsciiClient) flushWriter() error {
	if !c.validState {
		return errors.New("Skipping due to previous error")
	}

	err := c.writer.Flush()
	if err != nil {
		return c.invalidate(err)
	}

	return nil
}

func (c *RawAsciiClient) readLine() (string, error) {
	line, isPrefix, err := c.reader.ReadLine()
	if err != nil {
		return "", c.invalidate(err)
	}
	if isPrefix {
		return "", c.invalidate(errors.New("Readline truncated"))
	}

	return string(line), nil
}

func (c *RawAsciiClient) read(numBytes int) ([]byte, error) {
	result := make([]byte, numBytes, numBytes)

	_, err := io.ReadFull(c.reader, result)
	if err != nil {
		return nil, c.invalidate(err)
	}

	return result, nil
}

func (c *RawAsciiClient) checkEmptyBuffers() error {
	if c.writer.Buffered() != 0 {
		return c.invalidate(errors.New("writer buffer not fully flushed"))
	}
	if c.reader.Buffered() != 0 {
		return c.invalidate(errors.New("reader buffer not fully drained"))
	}

	return nil
}

// This sends a request and reads back a single line reply.
func (c *RawAsciiClient) roundTrip(strs ...string) (string, error) {
	err := c.writeStrings(strs...)
	if err != nil {
		return "", err
	}

	err = c.flushWriter()
	if err != nil {
		return "", err
	}

	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	// The reply itself is complete; trailing garbage only poisons the
	// connection.
	_ = c.checkEmptyBuffers()
	return line, nil
}

// This maps the generic error replies to a status.  ok is false when line
// is not an error reply.
func errorLineStatus(line string) (status ResponseStatus, ok bool) {
	switch {
	case line == "ERROR":
		return StatusUnknownCommand, true
	case strings.HasPrefix(line, "CLIENT_ERROR"):
		if strings.Contains(line, "non-numeric") {
			return StatusIncrDecrOnNonNumericValue, true
		}
		if strings.Contains(line, "too large") {
			return StatusValueTooLarge, true
		}
		return StatusInvalidArguments, true
	case strings.HasPrefix(line, "SERVER_ERROR"):
		if strings.Contains(line, "too large") {
			return StatusValueTooLarge, true
		}
		if strings.Contains(line, "out of memory") {
			return StatusOutOfMemory, true
		}
		if strings.Contains(line, "busy") {
			return StatusBusy, true
		}
		return StatusInternalError, true
	}
	return 0, false
}

func (c *RawAsciiClient) Get(key string) GetResponse {
	return c.GetMulti([]string{key})[key]
}

func (c *RawAsciiClient) GetMulti(keys []string) map[string]GetResponse {
	responses := make(map[string]GetResponse, len(keys))
	neededKeys := []string{}
	for _, key := range keys {
		if _, ok := responses[key]; ok {
			continue
		}

		if err := ValidateKey(key); err != nil {
			responses[key] = NewGetErrorResponse(key, err)
			continue
		}

		neededKeys = append(neededKeys, key)
		responses[key] = nil
	}

	if len(neededKeys) == 0 {
		return responses
	}

	populateErrorResponses := func(e error) {
		for _, key := range neededKeys {
			if responses[key] == nil {
				responses[key] = NewGetErrorResponse(key, e)
			}
		}
	}

	// NOTE: Always use gets instead of get since returning the extra cas id
	// info is relatively cheap.
	err := c.writeStrings("gets")
	if err != nil {
		populateErrorResponses(err)
		return responses
	}

	for _, key := range neededKeys {
		err := c.writeStrings(" ", key)
		if err != nil {
			populateErrorResponses(err)
			return responses
		}
	}

	err = c.writeStrings("\r\n")
	if err != nil {
		populateErrorResponses(err)
		return responses
	}

	err = c.flushWriter()
	if err != nil {
		populateErrorResponses(err)
		return responses
	}

	// Any error that occurs while reading the results will result in mid
	// stream termination, i.e., the channel is no longer in valid state.
	for {
		line, err := c.readLine()
		if err != nil {
			populateErrorResponses(err)
			return responses
		}

		if line == "END" {
			break
		}

		slice := strings.Split(line, " ")

		// line is of the form: VALUE <key> <flag> <num bytes> <cas id>
		if len(slice) != 5 || slice[0] != "VALUE" {
			populateErrorResponses(c.invalidate(errors.New(line)))
			return responses
		}

		key := slice[1]
		if v, ok := responses[key]; !ok || v != nil {
			populateErrorResponses(c.invalidate(errors.New(line)))
			return responses
		}

		flags, err := strconv.ParseUint(slice[2], 10, 32)
		if err != nil {
			populateErrorResponses(c.invalidate(errors.New(line)))
			return responses
		}

		size, err := strconv.ParseUint(slice[3], 10, 32)
		if err != nil {
			populateErrorResponses(c.invalidate(errors.New(line)))
			return responses
		}

		version, err := strconv.ParseUint(slice[4], 10, 64)
		if err != nil {
			populateErrorResponses(c.invalidate(errors.New(line)))
			return responses
		}

		value, err := c.read(int(size) + 2)
		if err != nil {
			populateErrorResponses(err)
			return responses
		}

		if value[size] != '\r' || value[size+1] != '\n' {
			populateErrorResponses(c.invalidate(errors.New("Corrupted stream")))
			return responses
		}
		value = value[:size]

		responses[key] = NewGetResponse(
			key,
			StatusNoError,
			uint32(flags),
			value,
			version)
	}

	err = c.checkEmptyBuffers()
	if err != nil {
		populateErrorResponses(err)
		return responses
	}

	for _, key := range neededKeys {
		if responses[key] == nil {
			responses[key] = NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
		}
	}

	return responses
}

func (c *RawAsciiClient) storeRequest(cmd string, item *Item) MutateResponse {
	if err := validateItem(item); err != nil {
		key := ""
		if item != nil {
			key = item.Key
		}
		return NewMutateErrorResponse(key, err)
	}

	if item.DataVersionId != 0 && cmd != "set" {
		return NewMutateErrorResponse(
			item.Key,
			errors.Newf("Ascii protocol does not support %s with cas id", cmd))
	}

	flags := strconv.FormatUint(uint64(item.Flags), 10)
	expiration := strconv.FormatUint(uint64(item.Expiration), 10)
	size := strconv.Itoa(len(item.Value))

	var err error
	if item.DataVersionId != 0 {
		// We have already verified that cmd must be "set"
		err = c.writeStrings(
			"cas ",
			item.Key, " ",
			flags, " ",
			expiration, " ",
			size, " ",
			strconv.FormatUint(item.DataVersionId, 10),
			"\r\n")
	} else {
		err = c.writeStrings(
			cmd, " ",
			item.Key, " ",
			flags, " ",
			expiration, " ",
			size,
			"\r\n")
	}
	if err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}

	line, err := c.roundTrip(string(item.Value), "\r\n")
	if err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}

	switch line {
	case "STORED":
		return NewMutateResponse(item.Key, StatusNoError)
	case "EXISTS":
		return NewMutateResponse(item.Key, StatusKeyExists)
	case "NOT_FOUND":
		return NewMutateResponse(item.Key, StatusKeyNotFound)
	case "NOT_STORED":
		// The ascii protocol does not say why; the reason follows from the
		// command's precondition.
		switch cmd {
		case "add":
			return NewMutateResponse(item.Key, StatusKeyExists)
		case "replace":
			return NewMutateResponse(item.Key, StatusKeyNotFound)
		default:
			return NewMutateResponse(item.Key, StatusItemNotStored)
		}
	}

	if status, ok := errorLineStatus(line); ok {
		return NewMutateResponse(item.Key, status)
	}
	return NewMutateErrorResponse(item.Key, c.invalidate(errors.New(line)))
}

func (c *RawAsciiClient) Set(item *Item) MutateResponse {
	return c.storeRequest("set", item)
}

func (c *RawAsciiClient) Add(item *Item) MutateResponse {
	return c.storeRequest("add", item)
}

func (c *RawAsciiClient) Replace(item *Item) MutateResponse {
	return c.storeRequest("replace", item)
}

func (c *RawAsciiClient) Delete(key string) MutateResponse {
	if err := ValidateKey(key); err != nil {
		return NewMutateErrorResponse(key, err)
	}

	line, err := c.roundTrip("delete ", key, "\r\n")
	if err != nil {
		return NewMutateErrorResponse(key, err)
	}

	switch line {
	case "DELETED":
		return NewMutateResponse(key, StatusNoError)
	case "NOT_FOUND":
		return NewMutateResponse(key, StatusKeyNotFound)
	}

	if status, ok := errorLineStatus(line); ok {
		return NewMutateResponse(key, status)
	}
	return NewMutateErrorResponse(key, c.invalidate(errors.New(line)))
}

func (c *RawAsciiClient) countRequest(
	cmd string,
	key string,
	delta uint64) CountResponse {

	if err := ValidateKey(key); err != nil {
		return NewCountErrorResponse(key, err)
	}

	line, err := c.roundTrip(
		cmd, " ",
		key, " ",
		strconv.FormatUint(delta, 10), "\r\n")
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	if line == "NOT_FOUND" {
		return NewCountResponse(key, StatusKeyNotFound, 0)
	}

	if status, ok := errorLineStatus(line); ok {
		return NewCountResponse(key, status, 0)
	}

	// memcached may pad the reply with trailing spaces after a decr shrinks
	// the value.
	val, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return NewCountErrorResponse(key, c.invalidate(errors.New(line)))
	}

	return NewCountResponse(key, StatusNoError, val)
}

func (c *RawAsciiClient) Increment(key string, delta uint64) CountResponse {
	return c.countRequest("incr", key, delta)
}

func (c *RawAsciiClient) Decrement(key string, delta uint64) CountResponse {
	return c.countRequest("decr", key, delta)
}

func (c *RawAsciiClient) Flush(expiration uint32) Response {
	line, err := c.roundTrip(
		"flush_all ",
		strconv.FormatUint(uint64(expiration), 10),
		"\r\n")
	if err != nil {
		return NewErrorResponse(err)
	}

	if line != "OK" {
		if status, ok := errorLineStatus(line); ok {
			return NewResponse(status)
		}
		// memcached returned an error message.  This should never happen
		// according to the docs.
		return NewErrorResponse(c.invalidate(errors.New(line)))
	}

	return NewResponse(StatusNoError)
}

// Stat returns the node's general purpose statistics.
func (c *RawAsciiClient) Stat() (map[string]string, error) {
	entries := make(map[string]string)

	err := c.writeStrings("stats\r\n")
	if err != nil {
		return nil, err
	}

	err = c.flushWriter()
	if err != nil {
		return nil, err
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}

		if line == "END" {
			break
		}

		// line is of the form: STAT <key> <value>
		slice := strings.SplitN(line, " ", 3)

		if len(slice) != 3 || slice[0] != "STAT" {
			// The channel is no longer in valid state since we're exiting
			// stats mid stream.
			return nil, c.invalidate(errors.New(line))
		}

		entries[slice[1]] = slice[2]
	}

	_ = c.checkEmptyBuffers()
	return entries, nil
}

func (c *RawAsciiClient) Version() (string, error) {
	line, err := c.roundTrip("version\r\n")
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(line, "VERSION ") {
		// memcached returned an error message.
		return "", errors.New(line)
	}

	return line[len("VERSION "):], nil
}

func (c *RawAsciiClient) Verbosity(verbosity uint32) Response {
	line, err := c.roundTrip(
		"verbosity ",
		strconv.FormatUint(uint64(verbosity), 10),
		"\r\n")
	if err != nil {
		return NewErrorResponse(err)
	}

	if line != "OK" {
		if status, ok := errorLineStatus(line); ok {
			return NewResponse(status)
		}
		return NewErrorResponse(c.invalidate(errors.New(line)))
	}

	return NewResponse(StatusNoError)
}
