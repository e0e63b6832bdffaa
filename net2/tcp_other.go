//go:build !linux

package net2

import (
	"net"
	"syscall"
	"time"
)

func SetTCPUserTimeout(tcpConn *net.TCPConn, timeout time.Duration) error {
	// TCP_USER_TIMEOUT is linux only.
	return nil
}

func ControlWithTCPUserTimeout(rawConn syscall.RawConn, timeout time.Duration) error {
	return nil
}
