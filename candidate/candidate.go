// Package candidate implements ICE candidate model: candidate types, priority
// and foundation computation and the "candidate" attribute wire format.
package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// Type encodes the type of candidate.
type Type byte

// Set of possible candidate types, ordered by type preference.
const (
	// Local is a candidate obtained by binding to a specific port from an IP
	// address on the host, also known as "host" candidate.
	Local Type = iota
	// PeerReflexive is a candidate whose IP address and port are a binding
	// allocated by a NAT for an agent after it sends a packet through the NAT
	// to its peer.
	PeerReflexive
	// NatAssisted is a candidate obtained from a NAT device via port mapping
	// protocol (UPnP, NAT-PMP).
	NatAssisted
	// ServerReflexive is a candidate whose IP address and port are a binding
	// allocated by a NAT for an agent after it sends a packet through the NAT
	// to a STUN server.
	ServerReflexive
	// UDPTunnelled is a candidate reachable through UDP tunnel.
	UDPTunnelled
	// Relayed is a candidate obtained from a relay server.
	Relayed
)

var typeToStr = map[Type]string{
	Local:           "host",
	PeerReflexive:   "prflx",
	NatAssisted:     "nat",
	ServerReflexive: "srflx",
	UDPTunnelled:    "tunnel",
	Relayed:         "relay",
}

func strOrUnknown(str string) string {
	if len(str) == 0 {
		return "unknown"
	}
	return str
}

func (t Type) String() string { return strOrUnknown(typeToStr[t]) }

// parseType returns Type for wire value of "typ" attribute.
func parseType(v string) (Type, bool) {
	for t, s := range typeToStr {
		if s == v {
			return t, true
		}
	}
	return 0, false
}

var typePreferences = map[Type]int{
	Local:           126,
	PeerReflexive:   110,
	NatAssisted:     105,
	ServerReflexive: 100,
	UDPTunnelled:    75,
	Relayed:         0,
}

// TypePreference returns fixed type preference for candidate type.
func TypePreference(t Type) int { return typePreferences[t] }

// Transport is transport protocol of candidate.
type Transport byte

// Supported transports.
const (
	UDP Transport = iota
	TCP
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Addr represents transport address, the combination of an IP address
// and port.
type Addr struct {
	IP   net.IP
	Port int
}

// AddrFromNet converts *net.UDPAddr or *net.TCPAddr to Addr.
func AddrFromNet(a net.Addr) (Addr, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return Addr{IP: v.IP, Port: v.Port}, true
	case *net.TCPAddr:
		return Addr{IP: v.IP, Port: v.Port}, true
	default:
		return Addr{}, false
	}
}

// Equal reports whether b equals to a.
func (a Addr) Equal(b Addr) bool {
	if a.Port != b.Port {
		return false
	}
	return a.IP.Equal(b.IP)
}

// IsZero reports whether address is not set.
func (a Addr) IsZero() bool { return len(a.IP) == 0 && a.Port == 0 }

// IsIPv4 reports whether a is IPv4 address.
func (a Addr) IsIPv4() bool { return a.IP.To4() != nil }

// IsLinkLocal reports whether a is link-local unicast address.
func (a Addr) IsLinkLocal() bool { return a.IP.IsLinkLocalUnicast() }

// UDPAddr returns a as *net.UDPAddr.
func (a Addr) UDPAddr() *net.UDPAddr { return &net.UDPAddr{IP: a.IP, Port: a.Port} }

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// The Candidate is a transport address that is a potential point of contact
// for receipt of data. Candidates also have properties: type, priority,
// foundation and base.
//
// Priority and Foundation are computed and are not part of candidate identity.
type Candidate struct {
	Type        Type
	Addr        Addr
	ComponentID int
	Transport   Transport
	Priority    uint64
	Foundation  string

	// Base is the candidate this one is derived from, nil if the candidate is
	// its own base. Local candidates never have base.
	Base *Candidate
	// Related is the related address as learned from the wire, set for
	// remote non-host candidates.
	Related Addr
}

// Priority calculates the priority value as defined in RFC 5245 Section 4.1.2.1.
//
// priority = (2^24)*(type preference) +
//
//	(2^8)*(local preference) +
//	(2^0)*(256 - component ID)
func Priority(typePref, localPref, componentID int) uint64 {
	return uint64(typePref)<<24 + uint64(localPref)<<8 + uint64(256-componentID)
}

// ComputePriority sets and returns candidate priority for provided local
// preference.
func (c *Candidate) ComputePriority(localPref int) uint64 {
	c.Priority = Priority(TypePreference(c.Type), localPref, c.ComponentID)
	return c.Priority
}

// LocalPreference extracts local preference from priority.
func (c Candidate) LocalPreference() int { return int(c.Priority>>8) & 0xFFFF }

// BaseAddr returns address of candidate base or related address if no base is
// known.
func (c Candidate) BaseAddr() Addr {
	if c.Base != nil {
		return c.Base.Addr
	}
	if !c.Related.IsZero() {
		return c.Related
	}
	return c.Addr
}

// Equal reports whether c and b are the same candidate. Component ID and
// foundation are not considered.
func (c Candidate) Equal(b Candidate) bool {
	if c.Type != b.Type {
		return false
	}
	if c.Transport != b.Transport {
		return false
	}
	return c.Addr.Equal(b.Addr)
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s/%s (%d)", c.Type, c.Addr, c.Transport, c.ComponentID)
}

const foundationLength = 4

// Foundation computes foundation value for candidate.
//
// Value is an arbitrary string used in the freezing algorithm to group
// similar candidates. It is the same for two candidates that have the same
// type, base IP address and transport.
func Foundation(c *Candidate) string {
	if c == nil {
		return ""
	}
	h := sha256.New()
	base := c.BaseAddr()
	_, _ = fmt.Fprintf(h, "%d:%s:%d", c.Type, base.IP, c.Transport)
	return hex.EncodeToString(h.Sum(nil)[:foundationLength])
}
