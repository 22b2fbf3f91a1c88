package agent

import (
	"net"
	"testing"

	"github.com/pkg/errors"

	"github.com/gortc/iceagent/candidate"
)

func TestPairPriority(t *testing.T) {
	for _, tc := range []struct {
		name  string
		g, d  uint64
		value uint64
	}{
		{"Equal", 10, 10, 10<<32 + 20},
		{"ControllingHigher", 20, 10, 10<<32 + 40 + 1},
		{"ControlledHigher", 10, 20, 10<<32 + 40},
		{"Zero", 0, 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if v := PairPriority(tc.g, tc.d); v != tc.value {
				t.Errorf("%d (got) != %d (expected)", v, tc.value)
			}
		})
	}
}

func newLocal(ip net.IP, port, component int) *LocalCandidate {
	l := &LocalCandidate{
		Candidate: candidate.Candidate{
			Type:        candidate.Local,
			Addr:        candidate.Addr{IP: ip, Port: port},
			ComponentID: component,
		},
		Socket: testSocket,
	}
	l.ComputePriority(65535)
	l.Foundation = candidate.Foundation(&l.Candidate)
	return l
}

func newRemote(typ candidate.Type, ip net.IP, port, component int) *candidate.Candidate {
	c := &candidate.Candidate{
		Type:        typ,
		Addr:        candidate.Addr{IP: ip, Port: port},
		ComponentID: component,
	}
	c.ComputePriority(100)
	c.Foundation = candidate.Foundation(c)
	return c
}

func TestValidatePair(t *testing.T) {
	var (
		v4        = net.IPv4(10, 0, 0, 1)
		v6        = net.ParseIP("2001:db8::1")
		linkLocal = net.ParseIP("fe80::1")
	)
	for _, tc := range []struct {
		name   string
		local  *LocalCandidate
		remote *candidate.Candidate
		ok     bool
	}{
		{"Valid", newLocal(v4, 1, 1), newRemote(candidate.Local, v4, 2, 1), true},
		{"Component", newLocal(v4, 1, 1), newRemote(candidate.Local, v4, 2, 2), false},
		{"Family", newLocal(v4, 1, 1), newRemote(candidate.Local, v6, 2, 1), false},
		{"LinkLocal", newLocal(v6, 1, 1), newRemote(candidate.Local, linkLocal, 2, 1), false},
		{"BothLinkLocal", newLocal(linkLocal, 1, 1), newRemote(candidate.Local, linkLocal, 2, 1), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePair(&tc.local.Candidate, tc.remote)
			if tc.ok {
				if err != nil {
					t.Error(err)
				}
				return
			}
			if errors.Cause(err) != ErrInvalidPair {
				t.Errorf("unexpected error %v", err)
			}
			if _, err = NewPair(tc.local, tc.remote, true); errors.Cause(err) != ErrInvalidPair {
				t.Errorf("NewPair: unexpected error %v", err)
			}
		})
	}
}

func TestPair_Priority(t *testing.T) {
	l := newLocal(net.IPv4(10, 0, 0, 1), 1, 1)
	r := newRemote(candidate.ServerReflexive, net.IPv4(10, 0, 0, 2), 2, 1)
	p, err := NewPair(l, r, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Priority() != PairPriority(l.Priority, r.Priority) {
		t.Error("controlling agent should use local priority as G")
	}
	p.setControlling(false)
	if p.priority != 0 {
		t.Error("cached priority should be invalidated")
	}
	if p.Priority() != PairPriority(r.Priority, l.Priority) {
		t.Error("controlled agent should use remote priority as G")
	}
	if p.Foundation() != l.Foundation+":"+r.Foundation {
		t.Errorf("unexpected foundation %q", p.Foundation())
	}
}

func TestFormPairs(t *testing.T) {
	var (
		host  = newLocal(net.IPv4(10, 0, 0, 1), 1000, 1)
		host2 = newLocal(net.IPv4(10, 0, 0, 1), 1001, 2)
		srflx = &LocalCandidate{
			Candidate: candidate.Candidate{
				Type:        candidate.ServerReflexive,
				Addr:        candidate.Addr{IP: net.IPv4(1, 2, 3, 4), Port: 5000},
				ComponentID: 1,
				Base:        &host.Candidate,
			},
		}
		v6      = newLocal(net.ParseIP("2001:db8::1"), 1000, 1)
		remotes = []*candidate.Candidate{
			newRemote(candidate.Local, net.IPv4(10, 0, 0, 2), 2000, 1),
			newRemote(candidate.ServerReflexive, net.IPv4(5, 6, 7, 8), 3000, 1),
			newRemote(candidate.Local, net.IPv4(10, 0, 0, 2), 2001, 2),
		}
	)
	srflx.ComputePriority(65535)
	got := FormPairs([]*LocalCandidate{host, host2, srflx, v6}, remotes, true)
	// host x 2 remotes of component 1, host2 x 1 remote of component 2;
	// srflx is replaced by host and deduplicated, v6 has no remotes.
	if len(got) != 3 {
		t.Fatalf("unexpected pairs count %d", len(got))
	}
	for i, p := range got {
		if err := ValidatePair(&p.Local.Candidate, p.Remote); err != nil {
			t.Error(err)
		}
		if p.Local.Type != candidate.Local {
			t.Errorf("derived local candidate %s", p.Local.Candidate)
		}
		if p.State() != Frozen {
			t.Errorf("unexpected state %s", p.State())
		}
		if i > 0 && got[i-1].Priority() < p.Priority() {
			t.Error("pairs are not sorted")
		}
		for j, q := range got {
			if i != j && p.Equal(q) {
				t.Error("duplicate pair")
			}
		}
	}
}

func TestBaseOf(t *testing.T) {
	host := newLocal(net.IPv4(10, 0, 0, 1), 1000, 1)
	prflx := &LocalCandidate{
		Candidate: candidate.Candidate{
			Type:        candidate.PeerReflexive,
			Addr:        candidate.Addr{IP: net.IPv4(1, 2, 3, 4), Port: 1},
			ComponentID: 1,
			Base:        &candidate.Candidate{Type: candidate.Local, Addr: host.Addr, ComponentID: 1},
		},
		Socket: testSocket,
	}
	if baseOf(prflx, []*LocalCandidate{host, prflx}) != host {
		t.Error("should find base in list")
	}
	b := baseOf(prflx, []*LocalCandidate{prflx})
	if b.Type != candidate.Local || !b.Addr.Equal(host.Addr) || b.Socket != testSocket {
		t.Errorf("unexpected base %s", b.Candidate)
	}
	if baseOf(host, nil) != host {
		t.Error("host candidate is own base")
	}
}
