package candidate

import (
	"net"
	"testing"

	"github.com/pkg/errors"
)

func TestPriority(t *testing.T) {
	for _, tc := range []struct {
		name      string
		typ       Type
		localPref int
		component int
		priority  uint64
	}{
		{"HostRTP", Local, 65535, 1, 2130706431},
		{"HostRTCP", Local, 65535, 2, 2130706430},
		{"PeerReflexive", PeerReflexive, 65535, 1, 1862270975},
		{"NatAssisted", NatAssisted, 0, 1, 105<<24 + 255},
		{"ServerReflexive", ServerReflexive, 10, 1, 100<<24 + 10<<8 + 255},
		{"Tunnelled", UDPTunnelled, 1, 2, 75<<24 + 1<<8 + 254},
		{"Relayed", Relayed, 65535, 1, 16777215},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Candidate{Type: tc.typ, ComponentID: tc.component}
			if got := c.ComputePriority(tc.localPref); got != tc.priority {
				t.Errorf("%d (got) != %d (expected)", got, tc.priority)
			}
			// Same inputs always give same result.
			d := Candidate{Type: tc.typ, ComponentID: tc.component, Addr: Addr{Port: 1}}
			if d.ComputePriority(tc.localPref) != c.Priority {
				t.Error("priority is not deterministic")
			}
			if c.LocalPreference() != tc.localPref {
				t.Errorf("local preference %d (got) != %d", c.LocalPreference(), tc.localPref)
			}
		})
	}
}

func TestCandidate_Equal(t *testing.T) {
	a := Candidate{
		Type:        Local,
		Addr:        Addr{IP: net.IPv4(10, 0, 0, 1), Port: 1000},
		ComponentID: 1,
		Foundation:  "1",
	}
	b := a
	b.ComponentID = 2
	b.Foundation = "2"
	b.Priority = 100
	if !a.Equal(b) {
		t.Error("component, foundation and priority should not affect equality")
	}
	b.Transport = TCP
	if a.Equal(b) {
		t.Error("transport should affect equality")
	}
	b = a
	b.Type = ServerReflexive
	if a.Equal(b) {
		t.Error("type should affect equality")
	}
	b = a
	b.Addr.Port++
	if a.Equal(b) {
		t.Error("port should affect equality")
	}
}

func TestFoundation(t *testing.T) {
	base := &Candidate{Type: Local, Addr: Addr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}}
	other := &Candidate{Type: Local, Addr: Addr{IP: net.IPv4(10, 0, 0, 1), Port: 2000}}
	if Foundation(base) != Foundation(other) {
		t.Error("same type, base and transport should give same foundation")
	}
	srflx := &Candidate{Type: ServerReflexive, Addr: Addr{IP: net.IPv4(1, 1, 1, 1), Port: 1}, Base: base}
	if Foundation(srflx) == Foundation(base) {
		t.Error("different types should give different foundation")
	}
	tcp := &Candidate{Type: Local, Transport: TCP, Addr: base.Addr}
	if Foundation(tcp) == Foundation(base) {
		t.Error("different transports should give different foundation")
	}
	if Foundation(nil) != "" {
		t.Error("nil candidate should have empty foundation")
	}
}

func TestWireFormat(t *testing.T) {
	base := &Candidate{Type: Local, Addr: Addr{IP: net.IPv4(192, 168, 1, 2).To4(), Port: 5000}, ComponentID: 1}
	for _, tc := range []struct {
		name string
		c    Candidate
		wire string
	}{
		{
			name: "Host",
			c: Candidate{
				Foundation: "1", ComponentID: 1, Transport: UDP, Priority: 2130706431,
				Addr: Addr{IP: net.IPv4(192, 168, 1, 2).To4(), Port: 5000}, Type: Local,
			},
			wire: "1 1 udp 2130706431 192.168.1.2 5000 typ host",
		},
		{
			name: "ServerReflexive",
			c: Candidate{
				Foundation: "2", ComponentID: 2, Transport: UDP, Priority: 1694498814,
				Addr: Addr{IP: net.IPv4(1, 2, 3, 4).To4(), Port: 6000}, Type: ServerReflexive,
				Base: base,
			},
			wire: "2 2 udp 1694498814 1.2.3.4 6000 typ srflx raddr 192.168.1.2 rport 5000",
		},
		{
			name: "TCPv6",
			c: Candidate{
				Foundation: "abcd", ComponentID: 1, Transport: TCP, Priority: 1,
				Addr: Addr{IP: net.ParseIP("2001:db8::1"), Port: 9}, Type: Relayed,
				Related: Addr{IP: net.ParseIP("2001:db8::2"), Port: 10},
			},
			wire: "abcd 1 tcp 1 2001:db8::1 9 typ relay raddr 2001:db8::2 rport 10",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.Marshal(); got != tc.wire {
				t.Fatalf("%q (got) != %q (expected)", got, tc.wire)
			}
			parsed, err := Parse("a=candidate:" + tc.wire)
			if err != nil {
				t.Fatal(err)
			}
			if !parsed.Equal(tc.c) ||
				parsed.ComponentID != tc.c.ComponentID ||
				parsed.Priority != tc.c.Priority ||
				parsed.Foundation != tc.c.Foundation {
				t.Errorf("%s (parsed) != %s", parsed, tc.c)
			}
			if tc.c.Type != Local && !parsed.BaseAddr().Equal(tc.c.BaseAddr()) {
				t.Errorf("related %s (parsed) != %s", parsed.BaseAddr(), tc.c.BaseAddr())
			}
		})
	}
}

func TestWireFormatRoundTrip(t *testing.T) {
	for _, typ := range []Type{Local, PeerReflexive, NatAssisted, ServerReflexive, UDPTunnelled, Relayed} {
		for _, transport := range []Transport{UDP, TCP} {
			for component := 1; component <= 2; component++ {
				c := Candidate{
					Type:        typ,
					Transport:   transport,
					ComponentID: component,
					Addr:        Addr{IP: net.IPv4(10, 0, 0, byte(component)).To4(), Port: 1000 + component},
				}
				c.ComputePriority(65535)
				c.Foundation = Foundation(&c)
				parsed, err := Parse(c.Marshal())
				if err != nil {
					t.Fatalf("%s: %v", c, err)
				}
				if !parsed.Equal(c) || parsed.Priority != c.Priority ||
					parsed.Foundation != c.Foundation || parsed.ComponentID != c.ComponentID {
					t.Errorf("%s (parsed) != %s", parsed, c)
				}
			}
		}
	}
}

func TestParseMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
	}{
		{"Empty", ""},
		{"Short", "1 1 udp 1 10.0.0.1 1000 typ"},
		{"BadComponent", "1 x udp 1 10.0.0.1 1000 typ host"},
		{"ZeroComponent", "1 0 udp 1 10.0.0.1 1000 typ host"},
		{"BadTransport", "1 1 sctp 1 10.0.0.1 1000 typ host"},
		{"BadPriority", "1 1 udp -1 10.0.0.1 1000 typ host"},
		{"BadAddress", "1 1 udp 1 example 1000 typ host"},
		{"BadPort", "1 1 udp 1 10.0.0.1 70000 typ host"},
		{"NoTyp", "1 1 udp 1 10.0.0.1 1000 type host"},
		{"UnknownType", "1 1 udp 1 10.0.0.1 1000 typ magic"},
		{"BadRelatedAddress", "1 1 udp 1 10.0.0.1 1000 typ srflx raddr x rport 1"},
		{"BadRelatedPort", "1 1 udp 1 10.0.0.1 1000 typ srflx raddr 10.0.0.2 rport x"},
		{"Dangling", "1 1 udp 1 10.0.0.1 1000 typ srflx raddr"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			if err == nil {
				t.Fatal("should fail")
			}
			if errors.Cause(err) != ErrMalformed {
				t.Errorf("unexpected cause: %v", err)
			}
		})
	}
	t.Run("Extensions", func(t *testing.T) {
		c, err := Parse("1 1 UDP 1 10.0.0.1 1000 typ host generation 0 network-cost 50")
		if err != nil {
			t.Fatal(err)
		}
		if c.Type != Local || c.Transport != UDP {
			t.Errorf("unexpected %s", c)
		}
	})
}

func TestDedupe(t *testing.T) {
	addr := Addr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}
	low := &Candidate{Type: Local, Addr: addr, ComponentID: 1, Priority: 10}
	high := &Candidate{Type: Local, Addr: addr, ComponentID: 1, Priority: 20}
	rtcp := &Candidate{Type: Local, Addr: Addr{IP: addr.IP, Port: 1001}, ComponentID: 2, Priority: 15}
	srflx := &Candidate{Type: ServerReflexive, Addr: addr, ComponentID: 1, Priority: 5}
	got := Dedupe(Candidates{low, rtcp, high, srflx})
	if len(got) != 3 {
		t.Fatalf("unexpected length %d", len(got))
	}
	if got[0] != high || got[1] != rtcp || got[2] != srflx {
		t.Errorf("unexpected order: %v", got)
	}
}
