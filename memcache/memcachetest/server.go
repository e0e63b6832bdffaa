// Package memcachetest provides an in-process memcached speaking the ascii
// protocol, for tests which need a real socket.  It supports the commands
// used by the memcache package and a few knobs to inject failures.
package memcachetest

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/futureweb/gomemcache/errors"
)

const (
	maxValueLength        = 1024 * 1024
	maxRelativeExpiration = 60 * 60 * 24 * 30
)

type entry struct {
	value    []byte
	flags    uint32
	cas      uint64
	expireAt time.Time // zero means never
}

// A fake memcached listening on a loopback port.
type Server struct {
	listener net.Listener

	mutex    sync.Mutex
	items    map[string]*entry // guarded by mutex
	cas      uint64            // guarded by mutex
	uptime   int64             // guarded by mutex
	version  string            // guarded by mutex
	failing  bool              // guarded by mutex
	accepted int               // guarded by mutex
	requests int               // guarded by mutex
	hits     uint64            // guarded by mutex
	misses   uint64            // guarded by mutex
	conns    map[net.Conn]bool // guarded by mutex
	closed   bool              // guarded by mutex
	now      func() time.Time  // never changed after NewServer

	wg sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 with a random port.
func NewServer() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to listen")
	}

	s := &Server{
		listener: listener,
		items:    make(map[string]*entry),
		uptime:   3600,
		version:  "1.6.21",
		conns:    make(map[net.Conn]bool),
		now:      time.Now,
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// SetUptime sets the uptime reported by "stats".
func (s *Server) SetUptime(seconds int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.uptime = seconds
}

// SetFailing makes the server close every connection as soon as a request
// arrives, without replying.
func (s *Server) SetFailing(failing bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failing = failing
}

// DropConnections closes every open client connection.  The listener keeps
// accepting new ones.
func (s *Server) DropConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.accepted
}

// Requests returns the number of requests handled so far.
func (s *Server) Requests() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.requests
}

// Value returns the stored value for key.
func (s *Server) Value(key string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e := s.lookupLocked(key)
	if e == nil {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Len returns the number of stored items.
func (s *Server) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.items)
}

// Close stops the listener, closes every connection, and waits for the
// connection handlers to exit.
func (s *Server) Close() {
	s.mutex.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mutex.Unlock()

	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mutex.Lock()
		if s.closed {
			s.mutex.Unlock()
			_ = conn.Close()
			return
		}
		s.accepted++
		s.conns[conn] = true
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		s.mutex.Lock()
		failing := s.failing
		s.requests++
		s.mutex.Unlock()
		if failing {
			return
		}

		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			_, _ = writer.WriteString("ERROR\r\n")
		} else if fields[0] == "quit" {
			return
		} else if err := s.handle(fields, reader, writer); err != nil {
			return
		}

		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handle(
	fields []string,
	reader *bufio.Reader,
	writer *bufio.Writer) error {

	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "get", "gets":
		s.handleGet(cmd == "gets", args, writer)
	case "set", "add", "replace", "cas":
		return s.handleStore(cmd, args, reader, writer)
	case "delete":
		s.handleDelete(args, writer)
	case "incr", "decr":
		s.handleCount(cmd == "incr", args, writer)
	case "flush_all":
		s.handleFlush(args, writer)
	case "stats":
		s.handleStats(writer)
	case "version":
		s.mutex.Lock()
		version := s.version
		s.mutex.Unlock()
		_, _ = writer.WriteString("VERSION " + version + "\r\n")
	case "verbosity":
		_, _ = writer.WriteString("OK\r\n")
	default:
		_, _ = writer.WriteString("ERROR\r\n")
	}
	return nil
}

func (s *Server) lookupLocked(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *Server) expireAt(exptime int64) time.Time {
	switch {
	case exptime == 0:
		return time.Time{}
	case exptime < 0:
		return s.now()
	case exptime <= maxRelativeExpiration:
		return s.now().Add(time.Duration(exptime) * time.Second)
	default:
		return time.Unix(exptime, 0)
	}
}

func (s *Server) handleGet(withCas bool, keys []string, writer *bufio.Writer) {
	if len(keys) == 0 {
		_, _ = writer.WriteString("ERROR\r\n")
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, key := range keys {
		e := s.lookupLocked(key)
		if e == nil {
			s.misses++
			continue
		}
		s.hits++

		header := "VALUE " + key + " " +
			strconv.FormatUint(uint64(e.flags), 10) + " " +
			strconv.Itoa(len(e.value))
		if withCas {
			header += " " + strconv.FormatUint(e.cas, 10)
		}
		_, _ = writer.WriteString(header + "\r\n")
		_, _ = writer.Write(e.value)
		_, _ = writer.WriteString("\r\n")
	}
	_, _ = writer.WriteString("END\r\n")
}

func (s *Server) handleStore(
	cmd string,
	args []string,
	reader *bufio.Reader,
	writer *bufio.Writer) error {

	expectedArgs := 4
	if cmd == "cas" {
		expectedArgs = 5
	}
	if len(args) != expectedArgs {
		_, _ = writer.WriteString("ERROR\r\n")
		return nil
	}

	key := args[0]
	flags, flagsErr := strconv.ParseUint(args[1], 10, 32)
	exptime, expErr := strconv.ParseInt(args[2], 10, 64)
	size, sizeErr := strconv.Atoi(args[3])
	var casId uint64
	var casErr error
	if cmd == "cas" {
		casId, casErr = strconv.ParseUint(args[4], 10, 64)
	}
	if flagsErr != nil || expErr != nil || sizeErr != nil || casErr != nil ||
		size < 0 {

		_, _ = writer.WriteString("CLIENT_ERROR bad command line format\r\n")
		return nil
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(reader, data); err != nil {
		return err
	}
	if data[size] != '\r' || data[size+1] != '\n' {
		_, _ = writer.WriteString("CLIENT_ERROR bad data chunk\r\n")
		return nil
	}
	value := data[:size]

	if size > maxValueLength {
		_, _ = writer.WriteString("SERVER_ERROR object too large for cache\r\n")
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing := s.lookupLocked(key)
	switch cmd {
	case "add":
		if existing != nil {
			_, _ = writer.WriteString("NOT_STORED\r\n")
			return nil
		}
	case "replace":
		if existing == nil {
			_, _ = writer.WriteString("NOT_STORED\r\n")
			return nil
		}
	case "cas":
		if existing == nil {
			_, _ = writer.WriteString("NOT_FOUND\r\n")
			return nil
		}
		if existing.cas != casId {
			_, _ = writer.WriteString("EXISTS\r\n")
			return nil
		}
	}

	s.cas++
	s.items[key] = &entry{
		value:    value,
		flags:    uint32(flags),
		cas:      s.cas,
		expireAt: s.expireAt(exptime),
	}
	_, _ = writer.WriteString("STORED\r\n")
	return nil
}

func (s *Server) handleDelete(args []string, writer *bufio.Writer) {
	if len(args) != 1 {
		_, _ = writer.WriteString("ERROR\r\n")
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.lookupLocked(args[0]) == nil {
		_, _ = writer.WriteString("NOT_FOUND\r\n")
		return
	}
	delete(s.items, args[0])
	_, _ = writer.WriteString("DELETED\r\n")
}

func (s *Server) handleCount(incr bool, args []string, writer *bufio.Writer) {
	if len(args) != 2 {
		_, _ = writer.WriteString("ERROR\r\n")
		return
	}

	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		_, _ = writer.WriteString("CLIENT_ERROR invalid numeric delta argument\r\n")
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	e := s.lookupLocked(args[0])
	if e == nil {
		_, _ = writer.WriteString("NOT_FOUND\r\n")
		return
	}

	current, err := strconv.ParseUint(string(e.value), 10, 64)
	if err != nil {
		_, _ = writer.WriteString(
			"CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		return
	}

	if incr {
		current += delta // wraps at 2^64
	} else if delta > current {
		current = 0
	} else {
		current -= delta
	}

	s.cas++
	e.value = []byte(strconv.FormatUint(current, 10))
	e.cas = s.cas
	_, _ = writer.WriteString(strconv.FormatUint(current, 10) + "\r\n")
}

func (s *Server) handleFlush(args []string, writer *bufio.Writer) {
	delay := int64(0)
	if len(args) > 0 {
		parsed, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			_, _ = writer.WriteString("CLIENT_ERROR bad command line format\r\n")
			return
		}
		delay = parsed
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if delay <= 0 {
		s.items = make(map[string]*entry)
	} else {
		expireAt := s.expireAt(delay)
		for _, e := range s.items {
			if e.expireAt.IsZero() || e.expireAt.After(expireAt) {
				e.expireAt = expireAt
			}
		}
	}
	_, _ = writer.WriteString("OK\r\n")
}

func (s *Server) handleStats(writer *bufio.Writer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stat := func(name string, value string) {
		_, _ = writer.WriteString("STAT " + name + " " + value + "\r\n")
	}
	stat("pid", "1")
	stat("uptime", strconv.FormatInt(s.uptime, 10))
	stat("version", s.version)
	stat("curr_connections", strconv.Itoa(len(s.conns)))
	stat("total_connections", strconv.Itoa(s.accepted))
	stat("curr_items", strconv.Itoa(len(s.items)))
	stat("get_hits", strconv.FormatUint(s.hits, 10))
	stat("get_misses", strconv.FormatUint(s.misses, 10))
	_, _ = writer.WriteString("END\r\n")
}
