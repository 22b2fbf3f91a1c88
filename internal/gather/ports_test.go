package gather

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/gortc/iceagent/agent"
)

func TestPortRange_Validate(t *testing.T) {
	for _, tc := range []struct {
		name string
		r    PortRange
		ok   bool
	}{
		{"Zero", PortRange{}, true},
		{"Single", PortRange{Min: 5000, Max: 5000}, true},
		{"Inverted", PortRange{Min: 5001, Max: 5000}, false},
		{"NoMin", PortRange{Max: 5000}, false},
		{"Overflow", PortRange{Min: 5000, Max: 70000}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.r.Validate(); (err == nil) != tc.ok {
				t.Errorf("unexpected result: %v", err)
			}
		})
	}
}

func TestPortPicker_Bind(t *testing.T) {
	t.Run("Ephemeral", func(t *testing.T) {
		p := newPortPicker(PortRange{})
		var got []int
		if err := p.bind(func(port int) error {
			got = append(got, port)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0] != 0 {
			t.Errorf("unexpected ports %v", got)
		}
	})
	t.Run("Exhausted", func(t *testing.T) {
		p := newPortPicker(PortRange{Min: 34000, Max: 34003})
		tried := make(map[int]bool)
		err := p.bind(func(port int) error {
			if port < 34000 || port > 34003 {
				t.Errorf("port %d out of range", port)
			}
			if tried[port] {
				t.Errorf("port %d tried twice", port)
			}
			tried[port] = true
			return errors.New("busy")
		})
		if errors.Cause(err) != ErrNoPorts {
			t.Errorf("unexpected error %v", err)
		}
		if !strings.Contains(err.Error(), "busy") {
			t.Errorf("last bind error is lost: %v", err)
		}
		if len(tried) != 4 {
			t.Errorf("tried %d ports", len(tried))
		}
	})
	t.Run("BadRand", func(t *testing.T) {
		// Falls back to pseudo-random.
		p := newPortPicker(PortRange{Min: 34000, Max: 34001, Rand: bytes.NewReader(nil)})
		if err := p.bind(func(port int) error { return nil }); err != nil {
			t.Fatal(err)
		}
	})
}

func TestHostDiscoverer_PortRange(t *testing.T) {
	if _, err := NewHostDiscoverer(HostOptions{Ports: PortRange{Min: 2, Max: 1}}); err == nil {
		t.Error("should fail on bad range")
	}
	r := PortRange{Min: 34100, Max: 34110}
	d, err := NewHostDiscoverer(HostOptions{
		Addrs: []net.IP{net.IPv4(127, 0, 0, 1)},
		Ports: r,
	})
	if err != nil {
		t.Fatal(err)
	}
	locals, err := d.Discover(context.Background(), agent.Socket{Name: "audio", Components: 2}, &packetHandler{})
	if err != nil {
		t.Fatal(err)
	}
	defer closeLocals(t, locals)
	if len(locals) != 2 {
		t.Fatalf("unexpected count %d", len(locals))
	}
	if locals[0].Addr.Port == locals[1].Addr.Port {
		t.Error("ports should differ")
	}
	for _, l := range locals {
		if l.Addr.Port < r.Min || l.Addr.Port > r.Max {
			t.Errorf("port %d is out of range", l.Addr.Port)
		}
	}
}
