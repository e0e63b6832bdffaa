//go:build linux

package net2

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"
	. "gopkg.in/check.v1"
)

type TcpSuite struct {
	ln net.Listener
}

var _ = Suite(&TcpSuite{})

func (s *TcpSuite) SetUpTest(c *C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	s.ln = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
}

func (s *TcpSuite) TearDownTest(c *C) {
	_ = s.ln.Close()
}

func userTimeout(c *C, conn net.Conn) int {
	rawConn, err := conn.(*net.TCPConn).SyscallConn()
	c.Assert(err, IsNil)

	var value int
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		value, sockErr = unix.GetsockoptInt(
			int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT)
	})
	c.Assert(err, IsNil)
	c.Assert(sockErr, IsNil)
	return value
}

func (s *TcpSuite) TestSetTCPUserTimeout(c *C) {
	conn, err := net.DialTimeout("tcp", s.ln.Addr().String(), time.Second)
	c.Assert(err, IsNil)
	defer conn.Close()

	c.Assert(SetTCPUserTimeout(conn.(*net.TCPConn), 1500*time.Millisecond), IsNil)
	c.Assert(userTimeout(c, conn), Equals, 1500)
}

func (s *TcpSuite) TestDialerControl(c *C) {
	options := ConnectionOptions{TCPUserTimeout: 250 * time.Millisecond}
	options = options.withDefaults()

	conn, err := options.dial(context.Background(), "tcp", s.ln.Addr().String())
	c.Assert(err, IsNil)
	defer conn.Close()

	c.Assert(userTimeout(c, conn), Equals, 250)
}
