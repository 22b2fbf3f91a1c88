package gather

import (
	"context"
	"net"
	"time"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/agent"
	"github.com/gortc/iceagent/candidate"
)

// requester is transport that can run STUN transactions.
type requester interface {
	Do(ctx context.Context, m *stun.Message, to net.Addr) (*stun.Message, error)
}

// STUNOptions is set of options for STUNHarvester.
type STUNOptions struct {
	Log     *zap.Logger
	Server  string        // host:port of STUN server
	Timeout time.Duration // per base candidate, 5s by default
}

const defaultSTUNTimeout = time.Second * 5

// STUNHarvester discovers server reflexive candidates by sending Binding
// requests to STUN server from transports of host candidates.
type STUNHarvester struct {
	log     *zap.Logger
	server  string
	timeout time.Duration
}

// NewSTUNHarvester initializes and returns new STUN harvester.
func NewSTUNHarvester(o STUNOptions) *STUNHarvester {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultSTUNTimeout
	}
	return &STUNHarvester{
		log:     o.Log,
		server:  o.Server,
		timeout: o.Timeout,
	}
}

// Name implements agent.Harvester.
func (h *STUNHarvester) Name() string { return "stun" }

// Harvest implements agent.Harvester. Bases of other address family than
// server or without STUN-capable transport are skipped.
func (h *STUNHarvester) Harvest(ctx context.Context, bases []*agent.LocalCandidate) ([]*agent.LocalCandidate, error) {
	server, err := net.ResolveUDPAddr("udp", h.server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve server")
	}
	var (
		result   []*agent.LocalCandidate
		serverV4 = server.IP.To4() != nil
		errs     error
	)
	for _, base := range bases {
		if base.Type != candidate.Local || base.Addr.IsIPv4() != serverV4 {
			continue
		}
		r, ok := base.Conn.(requester)
		if !ok {
			continue
		}
		mapped, err := h.mapped(ctx, r, server)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "%s", base.Addr))
			continue
		}
		c := &agent.LocalCandidate{
			Candidate: candidate.Candidate{
				Type:        candidate.ServerReflexive,
				Addr:        mapped,
				ComponentID: base.ComponentID,
				Transport:   base.Transport,
				Base:        &base.Candidate,
				Related:     base.Addr,
			},
			Socket: base.Socket,
			Conn:   base.Conn,
		}
		c.ComputePriority(base.LocalPreference())
		c.Foundation = candidate.Foundation(&c.Candidate)
		h.log.Debug("harvested",
			zap.Stringer("base", base.Addr),
			zap.Stringer("mapped", mapped),
		)
		result = append(result, c)
	}
	return result, errs
}

func (h *STUNHarvester) mapped(ctx context.Context, r requester, server net.Addr) (candidate.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return candidate.Addr{}, err
	}
	res, err := r.Do(ctx, req, server)
	if err != nil {
		return candidate.Addr{}, err
	}
	if res.Type != stun.BindingSuccess {
		return candidate.Addr{}, errors.Errorf("unexpected response %s", res.Type)
	}
	var xorAddr stun.XORMappedAddress
	if err = xorAddr.GetFrom(res); err != nil {
		return candidate.Addr{}, errors.Wrap(err, "failed to get mapped address")
	}
	return candidate.Addr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
