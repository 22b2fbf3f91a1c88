package gather

import (
	"context"
	"net"
	"strconv"
	"time"

	icegather "github.com/gortc/ice/gather"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/agent"
	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/filter"
	"github.com/gortc/iceagent/internal/transport"
)

// HostOptions is set of options for HostDiscoverer.
type HostOptions struct {
	Log       *zap.Logger
	Gatherer  icegather.Gatherer // interfaces of host by default
	Filter    *filter.List       // applied to interface addresses
	Addrs     []net.IP           // static addresses, disables interface gathering
	Ports     PortRange          // ephemeral ports if zero
	ReusePort bool
	RTO       time.Duration // for STUN transactions on bound transports
}

// HostDiscoverer binds one transport per host address and component.
type HostDiscoverer struct {
	log       *zap.Logger
	gatherer  icegather.Gatherer
	filter    *filter.List
	addrs     []net.IP
	ports     PortRange
	reusePort bool
	rto       time.Duration
}

// NewHostDiscoverer initializes and returns new host discoverer.
func NewHostDiscoverer(o HostOptions) (*HostDiscoverer, error) {
	if err := o.Ports.Validate(); err != nil {
		return nil, err
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return &HostDiscoverer{
		log:       o.Log,
		gatherer:  o.Gatherer,
		filter:    o.Filter,
		addrs:     o.Addrs,
		ports:     o.Ports,
		reusePort: o.ReusePort,
		rto:       o.RTO,
	}, nil
}

// Profile returns current interface profile.
func (d *HostDiscoverer) Profile() (*InterfaceProfile, error) {
	if len(d.addrs) > 0 {
		return StaticProfile(d.addrs...), nil
	}
	return NewInterfaceProfile(d.gatherer, d.filter)
}

// Discover implements agent.Discoverer.
func (d *HostDiscoverer) Discover(ctx context.Context, s agent.Socket, h agent.PacketHandler) ([]*agent.LocalCandidate, error) {
	p, err := d.Profile()
	if err != nil {
		return nil, err
	}
	var (
		result []*agent.LocalCandidate
		log    = d.log.With(zap.String("socket", s.Name))
		picker = newPortPicker(d.ports)
	)
	for _, a := range p.Addrs() {
		for id := 1; id <= s.Components; id++ {
			if err = ctx.Err(); err != nil {
				return nil, closeAll(result, err)
			}
			var c *transport.Conn
			listenErr := picker.bind(func(port int) error {
				var bindErr error
				c, bindErr = transport.Listen(transport.Options{
					Log:       log.Named("transport"),
					Addr:      net.JoinHostPort(a.IP.String(), strconv.Itoa(port)),
					ReusePort: d.reusePort,
					Handler:   h.HandlePacket,
					RTO:       d.rto,
				})
				return bindErr
			})
			if listenErr != nil {
				return nil, closeAll(result, listenErr)
			}
			go serve(log, c)
			addr, _ := candidate.AddrFromNet(c.LocalAddr())
			l := &agent.LocalCandidate{
				Candidate: candidate.Candidate{
					Type:        candidate.Local,
					Addr:        addr,
					ComponentID: id,
					Transport:   candidate.UDP,
				},
				Socket: s.Name,
				Conn:   c,
			}
			l.ComputePriority(a.LocalPreference)
			l.Foundation = candidate.Foundation(&l.Candidate)
			log.Debug("bound",
				zap.Int("component", id),
				zap.Stringer("addr", addr),
				zap.Int("preference", a.LocalPreference),
			)
			result = append(result, l)
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no host addresses")
	}
	return result, nil
}

func serve(log *zap.Logger, c *transport.Conn) {
	if err := c.Serve(); err != nil {
		log.Error("transport failed", zap.Stringer("addr", c.LocalAddr()), zap.Error(err))
	}
}

// closeAll closes transports of candidates, returning err combined with
// close errors.
func closeAll(locals []*agent.LocalCandidate, err error) error {
	for _, l := range locals {
		err = multierr.Append(err, l.Conn.Close())
	}
	return err
}
