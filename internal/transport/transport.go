// Package transport implements UDP transport of local candidates.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gortc/stun"
	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Errors of transport.
var (
	ErrClosed  = errors.New("transport is closed")
	ErrTimeout = errors.New("transaction timed out")
)

// Handler handles packet that was received on local address from remote.
// The raw buffer is reused after Handler returns.
type Handler func(local, remote net.Addr, raw []byte)

// Options is set of options for Listen.
type Options struct {
	Log         *zap.Logger
	Network     string // "udp" if empty
	Addr        string
	ReusePort   bool
	Handler     Handler
	RTO         time.Duration // 500ms if zero
	MaxRequests int           // 7 if zero
}

const (
	defaultRTO         = time.Millisecond * 500
	defaultMaxRequests = 7
	maxPacketSize      = 1500
)

type transactionID [stun.TransactionIDSize]byte

// Conn is UDP transport that passes inbound packets to handler and runs
// outbound STUN transactions.
type Conn struct {
	log      *zap.Logger
	conn     net.PacketConn
	handler  Handler
	rto      time.Duration
	requests int
	closed   atomic.Bool

	txMux sync.Mutex
	tx    map[transactionID]chan *stun.Message
}

func listenPacket(log *zap.Logger, network, addr string, reusePort bool) (net.PacketConn, error) {
	if !reusePort || !reuseport.Available() {
		return net.ListenPacket(network, addr)
	}
	c, err := reuseport.ListenPacket(network, addr)
	if err == nil {
		return c, nil
	}
	// Reuseport can be reported as available while being unsupported
	// for some interfaces.
	reusePortErr := err
	c, err = net.ListenPacket(network, addr)
	if err == nil {
		log.Warn("failed to use REUSEPORT, falling back to non-reuseport", zap.Error(reusePortErr))
	}
	return c, err
}

// Listen binds new transport. Serve should be called to process packets.
func Listen(o Options) (*Conn, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Network == "" {
		o.Network = "udp"
	}
	if o.RTO <= 0 {
		o.RTO = defaultRTO
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = defaultMaxRequests
	}
	c, err := listenPacket(o.Log, o.Network, o.Addr, o.ReusePort)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", o.Addr)
	}
	return &Conn{
		log:      o.Log.With(zap.Stringer("laddr", c.LocalAddr())),
		conn:     c,
		handler:  o.Handler,
		rto:      o.RTO,
		requests: o.MaxRequests,
		tx:       make(map[transactionID]chan *stun.Message),
	}, nil
}

// LocalAddr returns local address of transport.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// WriteTo writes b to addr.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.conn.WriteTo(b, addr)
}

// Close closes underlying connection, stopping Serve.
func (c *Conn) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Serve reads packets until transport is closed. Responses to transactions
// started by Do are consumed, other packets are passed to handler.
func (c *Conn) Serve() error {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				c.log.Warn("readFrom failed", zap.Error(err))
				continue
			}
			return errors.Wrap(err, "failed to read")
		}
		if ce := c.log.Check(zapcore.DebugLevel, "read"); ce != nil {
			ce.Write(zap.Int("n", n), zap.Stringer("addr", addr))
		}
		if c.consume(buf[:n]) {
			continue
		}
		if c.handler != nil {
			c.handler(c.conn.LocalAddr(), addr, buf[:n])
		}
	}
}

// consume delivers STUN response to pending transaction.
func (c *Conn) consume(raw []byte) bool {
	if !stun.IsMessage(raw) {
		return false
	}
	m := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := m.Decode(); err != nil {
		return false
	}
	if m.Type.Class != stun.ClassSuccessResponse && m.Type.Class != stun.ClassErrorResponse {
		return false
	}
	c.txMux.Lock()
	ch, ok := c.tx[transactionID(m.TransactionID)]
	c.txMux.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- m:
	default:
		// Duplicate response.
	}
	return true
}

func (c *Conn) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.rto
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.rto << uint(c.requests)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.requests))
}

// Do sends request m to addr, retransmitting it until response arrives,
// retransmissions are exhausted or ctx is done. Serve must be running.
func (c *Conn) Do(ctx context.Context, m *stun.Message, to net.Addr) (*stun.Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := transactionID(m.TransactionID)
	ch := make(chan *stun.Message, 1)
	c.txMux.Lock()
	c.tx[id] = ch
	c.txMux.Unlock()
	defer func() {
		c.txMux.Lock()
		delete(c.tx, id)
		c.txMux.Unlock()
	}()
	b := c.newBackOff()
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, ErrTimeout
		}
		if _, err := c.WriteTo(m.Raw, to); err != nil {
			return nil, errors.Wrap(err, "failed to write")
		}
		timer := time.NewTimer(wait)
		select {
		case res := <-ch:
			timer.Stop()
			return res, nil
		case <-timer.C:
			c.log.Debug("retransmitting", zap.Stringer("to", to))
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
