package testutil

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Handler handles datagrams delivered to Conn.
type Handler func(local, remote net.Addr, raw []byte)

// ErrClosed is returned by WriteTo on closed connection.
var ErrClosed = errors.New("use of closed connection")

// Network is in-memory datagram network. Datagrams are delivered
// asynchronously, each in its own goroutine.
type Network struct {
	mux   sync.RWMutex
	conns map[string]*Conn
	drop  func(from, to net.Addr, raw []byte) bool
	wg    sync.WaitGroup
}

// NewNetwork initializes and returns new network.
func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// SetDrop sets function that reports whether datagram should be lost.
func (n *Network) SetDrop(f func(from, to net.Addr, raw []byte) bool) {
	n.mux.Lock()
	n.drop = f
	n.mux.Unlock()
}

// Listen binds new connection to addr, replacing existing one.
func (n *Network) Listen(addr *net.UDPAddr, h Handler) *Conn {
	c := &Conn{n: n, addr: addr, h: h}
	n.mux.Lock()
	n.conns[addr.String()] = c
	n.mux.Unlock()
	return c
}

// Wait blocks until every sent datagram is handled.
func (n *Network) Wait() { n.wg.Wait() }

func (n *Network) send(from *Conn, raw []byte, to net.Addr) error {
	n.mux.RLock()
	dst := n.conns[to.String()]
	drop := n.drop
	n.mux.RUnlock()
	if dst == nil || dst.closed.Load() {
		// Lost.
		return nil
	}
	if drop != nil && drop(from.addr, to, raw) {
		return nil
	}
	buf := append([]byte(nil), raw...)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		dst.h(dst.addr, from.addr, buf)
	}()
	return nil
}

// Conn is connection of Network.
type Conn struct {
	n      *Network
	addr   *net.UDPAddr
	h      Handler
	closed atomic.Bool
	writes atomic.Int64
}

// WriteTo sends copy of b to addr.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	c.writes.Inc()
	if err := c.n.send(c, b, addr); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Writes returns count of WriteTo calls.
func (c *Conn) Writes() int64 { return c.writes.Load() }

// LocalAddr returns bound address.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// Close closes connection.
func (c *Conn) Close() error {
	if !c.closed.CAS(false, true) {
		return ErrClosed
	}
	c.n.mux.Lock()
	if c.n.conns[c.addr.String()] == c {
		delete(c.n.conns, c.addr.String())
	}
	c.n.mux.Unlock()
	return nil
}
