package agent

import (
	"net"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/binding"
)

func (a *Agent) handlePacket(local, remote net.Addr, raw []byte) {
	if !stun.IsMessage(raw) {
		if ce := a.log.Check(zapcore.DebugLevel, "not looks like stun message"); ce != nil {
			ce.Write(zap.Stringer("addr", remote))
		}
		return
	}
	m, err := binding.Decode(raw)
	if err != nil {
		if ce := a.log.Check(zapcore.DebugLevel, "failed to decode"); ce != nil {
			ce.Write(zap.Stringer("addr", remote), zap.Error(err))
		}
		return
	}
	switch m.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		a.deliver(m)
	case stun.ClassRequest:
		if m.Type.Method != stun.MethodBinding {
			if ce := a.log.Check(zapcore.DebugLevel, "unsupported request"); ce != nil {
				ce.Write(zap.Stringer("addr", remote), zap.Stringer("m", m))
			}
			return
		}
		a.handleRequest(local, remote, m)
	default:
		// Binding indications are only used to keep NAT bindings.
	}
}

// handleRequest authenticates binding request and responds to it. Requests
// that fail authentication are dropped without response.
func (a *Agent) handleRequest(local, remote net.Addr, m *stun.Message) {
	la, ok := candidate.AddrFromNet(local)
	if !ok {
		a.log.Warn("unknown local addr", zap.Stringer("addr", local))
		return
	}
	ra, ok := candidate.AddrFromNet(remote)
	if !ok {
		a.log.Warn("unknown remote addr", zap.Stringer("addr", remote))
		return
	}
	integrity, err := a.auth.Auth(m)
	if err != nil {
		if ce := a.log.Check(zapcore.DebugLevel, "failed to auth"); ce != nil {
			ce.Write(zap.Stringer("addr", remote), zap.Error(err))
		}
		return
	}
	in, err := binding.ParseRequest(m)
	if err != nil {
		if ce := a.log.Check(zapcore.DebugLevel, "failed to parse request"); ce != nil {
			ce.Write(zap.Stringer("addr", remote), zap.Error(err))
		}
		return
	}
	res, conn, err := a.processRequest(la, ra, in, m, integrity)
	if err != nil {
		a.log.Warn("failed to process request", zap.Stringer("addr", remote), zap.Error(err))
		return
	}
	if _, err = conn.WriteTo(res.Raw, remote); err != nil {
		a.log.Warn("failed to write response", zap.Stringer("addr", remote), zap.Error(err))
	}
}

// processRequest resolves role conflict, learns peer-reflexive remote
// candidate, nominates pair on USE-CANDIDATE or triggers check of pair
// and returns response.
func (a *Agent) processRequest(
	la, ra candidate.Addr,
	in binding.Inbound,
	req *stun.Message,
	integrity stun.MessageIntegrity,
) (*stun.Message, Transport, error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	l := a.localByAddr(la)
	if l == nil {
		return nil, nil, errors.Errorf("no local candidate for %s", la)
	}
	conflict := in.TieBreaker != 0 &&
		((in.Controlling && a.role == Controlling) || (in.Controlled && a.role == Controlled))
	if conflict {
		a.metrics.incRoleConflicts()
		if a.wins(in.TieBreaker) {
			a.log.Info("role conflict, keeping role",
				zap.Stringer("role", a.role),
				zap.Stringer("addr", ra),
			)
			res, err := binding.RoleConflict(req, a.role == Controlling, a.tieBreaker, integrity)
			return res, l.Conn, err
		}
		a.switchRole(a.role.Opposite())
	}
	res, err := binding.Success(req, ra, integrity)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to build response")
	}
	r := a.remoteByAddr(l.Socket, l.ComponentID, ra)
	if r == nil {
		r = a.addRemotePeerReflexive(l, ra, in.Priority)
	}
	p, created, err := a.pairFor(l, r)
	if err != nil {
		if ce := a.log.Check(zapcore.DebugLevel, "can't pair"); ce != nil {
			ce.Write(zap.Stringer("addr", ra), zap.Error(err))
		}
		return res, l.Conn, nil
	}
	switch {
	case in.UseCandidate && a.role == Controlled:
		a.setUseCandidate(p)
	case created:
		a.succeed(p)
	default:
		a.touch(p)
	}
	return res, l.Conn, nil
}

// touch schedules triggered check of pair that peer checked.
func (a *Agent) touch(p *Pair) {
	switch p.state {
	case Frozen, Waiting, PairFailed:
		p.state = Waiting
		a.trigger(p)
	}
}

func (a *Agent) localByAddr(addr candidate.Addr) *LocalCandidate {
	for _, s := range a.sockets {
		for _, l := range a.locals[s.Name] {
			if l.Addr.Equal(addr) {
				return l
			}
		}
	}
	return nil
}

func (a *Agent) remoteByAddr(socket string, component int, addr candidate.Addr) *candidate.Candidate {
	for _, r := range a.remotes[socket] {
		if r.ComponentID == component && r.Addr.Equal(addr) {
			return r
		}
	}
	return nil
}

// addRemotePeerReflexive learns remote candidate from source address of
// request, using priority from PRIORITY attribute.
func (a *Agent) addRemotePeerReflexive(l *LocalCandidate, addr candidate.Addr, priority uint32) *candidate.Candidate {
	c := candidate.Candidate{
		Type:        candidate.PeerReflexive,
		Addr:        addr,
		ComponentID: l.ComponentID,
		Transport:   l.Transport,
		Priority:    uint64(priority),
	}
	if priority == 0 {
		c.ComputePriority(defaultLocalPreference)
	}
	a.log.Info("learned remote peer-reflexive candidate",
		zap.String("socket", l.Socket),
		zap.Stringer("candidate", c),
	)
	return a.addRemote(l.Socket, c)
}

// pairFor returns pair of check list for candidates, adding new one if
// needed.
func (a *Agent) pairFor(l *LocalCandidate, r *candidate.Candidate) (*Pair, bool, error) {
	p, err := NewPair(baseOf(l, a.locals[l.Socket]), r, a.role == Controlling)
	if err != nil {
		return nil, false, err
	}
	cl := a.checklist(l.Socket)
	p, created := cl.add(p)
	if created {
		cl.order()
	}
	return p, created, nil
}
