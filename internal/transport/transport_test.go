package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gortc/iceagent/internal/testutil"
)

func open(t *testing.T, h Handler) (*Conn, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := Listen(Options{
		Log:     zap.New(core),
		Addr:    "127.0.0.1:0",
		Handler: h,
		RTO:     time.Millisecond * 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, logs
}

// serve starts read loop of c and returns function that stops it.
func serve(t *testing.T, c *Conn, logs *observer.ObservedLogs) func() {
	done := make(chan error, 1)
	go func() { done <- c.Serve() }()
	return func() {
		if err := c.Close(); err != nil {
			t.Error(err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Error(err)
			}
		case <-time.After(time.Second):
			t.Error("serve not stopped")
		}
		testutil.EnsureNoErrors(t, logs)
	}
}

func listen(t *testing.T, h Handler) (*Conn, func()) {
	t.Helper()
	c, logs := open(t, h)
	return c, serve(t, c, logs)
}

// stunServer responds to binding requests with XOR-MAPPED-ADDRESS.
func stunServer(t *testing.T) (*Conn, func()) {
	var (
		server *Conn
		logs   *observer.ObservedLogs
	)
	server, logs = open(t, func(local, remote net.Addr, raw []byte) {
		req := &stun.Message{Raw: append([]byte(nil), raw...)}
		if err := req.Decode(); err != nil {
			t.Error(err)
			return
		}
		ua := remote.(*net.UDPAddr)
		res := stun.MustBuild(req, stun.BindingSuccess,
			&stun.XORMappedAddress{IP: ua.IP, Port: ua.Port},
			stun.Fingerprint,
		)
		if _, err := server.WriteTo(res.Raw, remote); err != nil {
			t.Error(err)
		}
	})
	return server, serve(t, server, logs)
}

func TestConn_Do(t *testing.T) {
	server, stopServer := stunServer(t)
	defer stopServer()
	received := make(chan []byte, 1)
	client, stopClient := listen(t, func(local, remote net.Addr, raw []byte) {
		received <- append([]byte(nil), raw...)
	})
	defer stopClient()
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	res, err := client.Do(context.Background(), req, server.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	if res.TransactionID != req.TransactionID {
		t.Error("transaction id mismatch")
	}
	var mapped stun.XORMappedAddress
	if err = mapped.GetFrom(res); err != nil {
		t.Fatal(err)
	}
	local := client.LocalAddr().(*net.UDPAddr)
	if !mapped.IP.Equal(local.IP) || mapped.Port != local.Port {
		t.Errorf("%s (got) != %s (expected)", mapped, local)
	}
	select {
	case <-received:
		t.Error("response should be consumed by transaction")
	default:
	}
}

func TestConn_Handler(t *testing.T) {
	received := make(chan []byte, 1)
	server, stopServer := listen(t, func(local, remote net.Addr, raw []byte) {
		received <- append([]byte(nil), raw...)
	})
	defer stopServer()
	client, stopClient := listen(t, nil)
	defer stopClient()
	if _, err := client.WriteTo([]byte("hello"), server.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	select {
	case raw := <-received:
		if string(raw) != "hello" {
			t.Errorf("unexpected %q", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestConn_DoTimeout(t *testing.T) {
	silent, stop := listen(t, func(local, remote net.Addr, raw []byte) {})
	defer stop()
	c, err := Listen(Options{
		Addr:        "127.0.0.1:0",
		RTO:         time.Millisecond,
		MaxRequests: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	go c.Serve()
	defer c.Close()
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err = c.Do(context.Background(), req, silent.LocalAddr()); errors.Cause(err) != ErrTimeout {
		t.Errorf("unexpected error %v", err)
	}
	t.Run("Context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err = c.Do(ctx, req, silent.LocalAddr()); err != context.Canceled {
			t.Errorf("unexpected error %v", err)
		}
	})
}

func TestConn_Close(t *testing.T) {
	c, err := Listen(Options{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Serve() }()
	if err = c.Close(); err != nil {
		t.Fatal(err)
	}
	if err = c.Close(); err != nil {
		t.Error("second close should be no-op")
	}
	if err = <-done; err != nil {
		t.Error(err)
	}
	if _, err = c.WriteTo([]byte{1}, c.LocalAddr()); err != ErrClosed {
		t.Errorf("unexpected error %v", err)
	}
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err = c.Do(context.Background(), req, c.LocalAddr()); err != ErrClosed {
		t.Errorf("unexpected error %v", err)
	}
}

func TestListen_ReusePort(t *testing.T) {
	c, err := Listen(Options{Addr: "127.0.0.1:0", ReusePort: true})
	if err != nil {
		t.Fatal(err)
	}
	if err = c.Close(); err != nil {
		t.Error(err)
	}
	if _, err = Listen(Options{Addr: "bad address"}); err == nil {
		t.Error("should error")
	}
}
