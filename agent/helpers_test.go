package agent

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/testutil"
)

const testSocket = "audio"

// netDiscoverer binds transports of in-memory network.
type netDiscoverer struct {
	n     *testutil.Network
	addrs []*net.UDPAddr // one per component
}

func (d netDiscoverer) Discover(ctx context.Context, s Socket, h PacketHandler) ([]*LocalCandidate, error) {
	var locals []*LocalCandidate
	for i, addr := range d.addrs {
		l := &LocalCandidate{
			Candidate: candidate.Candidate{
				Type:        candidate.Local,
				Addr:        candidate.Addr{IP: addr.IP, Port: addr.Port},
				ComponentID: i + 1,
			},
			Conn: d.n.Listen(addr, h.HandlePacket),
		}
		l.ComputePriority(65535)
		locals = append(locals, l)
	}
	return locals, nil
}

type recordSignaler struct {
	mux     sync.Mutex
	updates []SessionUpdate
}

func (s *recordSignaler) UpdateMedia(ctx context.Context, u SessionUpdate) error {
	s.mux.Lock()
	s.updates = append(s.updates, u)
	s.mux.Unlock()
	return nil
}

func (s *recordSignaler) Updates() []SessionUpdate {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]SessionUpdate(nil), s.updates...)
}

type testAgent struct {
	*Agent
	logs     *observer.ObservedLogs
	signaler *recordSignaler
	addr     *net.UDPAddr
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: port}
}

// newTestAgent starts agent that is ticked by test.
func newTestAgent(t *testing.T, n *testutil.Network, o Options, ports ...int) *testAgent {
	t.Helper()
	o.ManualStart = true
	return startTestAgent(t, n, o, ports...)
}

// newLoopAgent starts agent that is ticked by its own loop.
func newLoopAgent(t *testing.T, n *testutil.Network, o Options, ports ...int) *testAgent {
	t.Helper()
	o.ManualStart = false
	return startTestAgent(t, n, o, ports...)
}

func startTestAgent(t *testing.T, n *testutil.Network, o Options, ports ...int) *testAgent {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d := netDiscoverer{n: n}
	for _, p := range ports {
		d.addrs = append(d.addrs, udpAddr(p))
	}
	s := &recordSignaler{}
	o.Log = zap.New(core)
	o.Discoverer = d
	o.Signaler = s
	if len(o.Sockets) == 0 {
		o.Sockets = []Socket{{Name: testSocket, Components: len(ports)}}
	}
	if o.RTO == 0 {
		o.RTO = time.Millisecond * 20
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(int64(ports[0])))
	}
	a, err := New(o)
	if err != nil {
		t.Fatal(err)
	}
	if err = a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &testAgent{Agent: a, logs: logs, signaler: s, addr: d.addrs[0]}
}

// exchange delivers local session updates of agents to each other.
func exchange(t *testing.T, a, b *testAgent) {
	t.Helper()
	ctx := context.Background()
	if err := a.UpdateMedia(ctx, b.LocalUpdate()); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateMedia(ctx, a.LocalUpdate()); err != nil {
		t.Fatal(err)
	}
}

// drive ticks agents until done returns true.
func drive(t *testing.T, done func() bool, agents ...*testAgent) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("deadline exceeded")
		}
		for _, a := range agents {
			a.tick(time.Now())
		}
		time.Sleep(time.Millisecond * 5)
	}
}

func stop(t *testing.T, agents ...*testAgent) {
	t.Helper()
	for _, a := range agents {
		if err := a.Stop(true); err != nil {
			t.Error(err)
		}
		testutil.EnsureNoErrors(t, a.logs)
	}
}

// eventually waits until done returns true without ticking agents.
func eventually(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("deadline exceeded")
		}
		time.Sleep(time.Millisecond * 5)
	}
}
