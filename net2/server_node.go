package net2

import (
	"net"
	"strconv"
	"sync"
	"time"
)

type HealthState int32

const (
	Up HealthState = iota
	Down
	Recovering
)

func (s HealthState) String() string {
	switch s {
	case Up:
		return "up"
	case Down:
		return "down"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// A memcached server the client talks to.  Host, Port and Weight never change
// once the node is created; the health fields are only mutated by the
// connection pool.
type ServerNode struct {
	Host   string
	Port   int
	Weight uint32

	mutex     sync.Mutex
	state     HealthState // guarded by mutex
	lastSeen  time.Time   // guarded by mutex
	lastError error       // guarded by mutex
}

// This returns a new node in the Up state.  Zero weight is treated as one.
func NewServerNode(host string, port int, weight uint32) *ServerNode {
	if weight == 0 {
		weight = 1
	}
	return &ServerNode{
		Host:   host,
		Port:   port,
		Weight: weight,
	}
}

// Address returns the dialable "host:port" form of the node.
func (n *ServerNode) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n *ServerNode) String() string {
	return n.Address()
}

func (n *ServerNode) State() HealthState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.state
}

// LastSeen returns when the node last completed a dial or a request
// successfully.  Zero if never.
func (n *ServerNode) LastSeen() time.Time {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.lastSeen
}

// LastError returns the error that last moved the node to Down.
func (n *ServerNode) LastError() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.lastError
}

// Down -> Recovering.  Returns the previous state.
func (n *ServerNode) startDial() HealthState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	prev := n.state
	if n.state == Down {
		n.state = Recovering
	}
	return prev
}

// Undoes startDial when the dial was abandoned by its caller.  prev is the
// state startDial returned.
func (n *ServerNode) abortDial(prev HealthState) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if prev == Down && n.state == Recovering {
		n.state = Down
	}
}

// Returns the previous state.
func (n *ServerNode) markUp(now time.Time) HealthState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	prev := n.state
	n.state = Up
	n.lastSeen = now
	n.lastError = nil
	return prev
}

// Returns the previous state.
func (n *ServerNode) markDown(err error) HealthState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	prev := n.state
	n.state = Down
	n.lastError = err
	return prev
}

func (n *ServerNode) touch(now time.Time) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if now.After(n.lastSeen) {
		n.lastSeen = now
	}
}
