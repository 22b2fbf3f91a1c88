// Package gather implements discovery of local candidates: host candidates
// from network interfaces and server reflexive candidates from STUN server.
package gather

import (
	"net"

	"github.com/gortc/ice"
	icegather "github.com/gortc/ice/gather"
	"github.com/pkg/errors"

	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/filter"
)

// singleAddrPreference is local preference of the only host address.
const singleAddrPreference = 65535

// InterfaceProfile is set of host addresses with local preferences.
//
// Preferences follow RFC 8421: dual-stack hosts interleave IPv6 and IPv4
// addresses, single address gets 65535.
type InterfaceProfile struct {
	addrs []ice.HostAddr
}

// NewInterfaceProfile gathers interface addresses via g and keeps ones that
// are valid for ICE and allowed by f (nil allows all).
func NewInterfaceProfile(g icegather.Gatherer, f *filter.List) (*InterfaceProfile, error) {
	if g == nil {
		g = icegather.DefaultGatherer
	}
	gathered, err := g.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "failed to gather interfaces")
	}
	allowed := make([]icegather.Addr, 0, len(gathered))
	for _, a := range gathered {
		if f.Allowed(candidate.Addr{IP: a.IP}) {
			allowed = append(allowed, a)
		}
	}
	addrs, err := ice.HostAddresses(allowed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to process host addresses")
	}
	return &InterfaceProfile{addrs: addrs}, nil
}

// StaticProfile returns profile of explicitly configured addresses,
// preferring earlier ones. Addresses are not validated.
func StaticProfile(ips ...net.IP) *InterfaceProfile {
	p := &InterfaceProfile{addrs: make([]ice.HostAddr, 0, len(ips))}
	for i, ip := range ips {
		pref := len(ips) - i
		if len(ips) == 1 {
			pref = singleAddrPreference
		}
		p.addrs = append(p.addrs, ice.HostAddr{IP: ip, LocalPreference: pref})
	}
	return p
}

// Addrs returns host addresses in preference order.
func (p *InterfaceProfile) Addrs() []ice.HostAddr {
	return append([]ice.HostAddr(nil), p.addrs...)
}

// LocalPreference returns preference of ip or zero if ip is unknown.
func (p *InterfaceProfile) LocalPreference(ip net.IP) int {
	for _, a := range p.addrs {
		if a.IP.Equal(ip) {
			return a.LocalPreference
		}
	}
	return 0
}
