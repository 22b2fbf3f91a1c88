package agent

import (
	"context"
	"net"

	"github.com/gortc/iceagent/candidate"
)

// Transport is datagram socket that local candidate is bound to.
type Transport interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// PacketHandler handles datagrams received by transports.
type PacketHandler interface {
	HandlePacket(local, remote net.Addr, raw []byte)
}

// LocalCandidate is candidate gathered by agent, bound to transport.
//
// Derived candidates (server reflexive, peer reflexive) share transport with
// their base.
type LocalCandidate struct {
	candidate.Candidate
	Socket string
	Conn   Transport
}

// Socket is media stream that has one check list.
type Socket struct {
	Name       string
	Components int // number of components, e.g. 2 for RTP and RTCP
}

// Discoverer binds transports and returns host candidates for socket. Every
// transport must deliver received datagrams to handler.
type Discoverer interface {
	Discover(ctx context.Context, s Socket, h PacketHandler) ([]*LocalCandidate, error)
}

// Harvester derives additional candidates from host candidates, e.g.
// server reflexive candidates using STUN server. Harvester failures are
// not fatal.
type Harvester interface {
	Name() string
	Harvest(ctx context.Context, bases []*LocalCandidate) ([]*LocalCandidate, error)
}

// dedupeLocals removes redundant candidates, preserving priority order.
func dedupeLocals(locals []*LocalCandidate) []*LocalCandidate {
	var (
		list  = make(candidate.Candidates, 0, len(locals))
		index = make(map[*candidate.Candidate]*LocalCandidate, len(locals))
	)
	for _, l := range locals {
		list = append(list, &l.Candidate)
		index[&l.Candidate] = l
	}
	list = candidate.Dedupe(list)
	result := make([]*LocalCandidate, 0, len(list))
	for _, c := range list {
		result = append(result, index[c])
	}
	return result
}
