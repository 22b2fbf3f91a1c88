package agent

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/candidate"
)

// nominate registers pair as nominated for its component. Aggressive
// nomination refreezes other Waiting pairs of the component. Should be called
// under a.mux.
func (a *Agent) nominate(cl *Checklist, p *Pair) {
	id := p.ComponentID()
	if cl.nominated[id] == p {
		return
	}
	cl.nominated[id] = p
	p.nominated = true
	if a.nomination == Aggressive {
		for _, q := range cl.pairs {
			if q != p && q.state == Waiting && q.ComponentID() == id {
				q.state = Frozen
			}
		}
	}
	a.metrics.incNominations()
	a.log.Info("nominated",
		zap.String("socket", cl.Socket),
		zap.Int("component", id),
		zap.Stringer("local", p.Local.Addr),
		zap.Stringer("remote", p.Remote.Addr),
	)
	a.checkStatus()
}

// SetUseCandidate nominates pair of local and remote addresses as if peer
// sent USE-CANDIDATE, creating the pair if needed.
func (a *Agent) SetUseCandidate(local, remote net.Addr) error {
	la, ok := candidate.AddrFromNet(local)
	if !ok {
		return errors.Errorf("unsupported address %s", local)
	}
	ra, ok := candidate.AddrFromNet(remote)
	if !ok {
		return errors.Errorf("unsupported address %s", remote)
	}
	a.mux.Lock()
	defer a.mux.Unlock()
	l := a.localByAddr(la)
	if l == nil {
		return errors.Errorf("no local candidate %s", la)
	}
	r := a.remoteByAddr(l.Socket, l.ComponentID, ra)
	if r == nil {
		r = a.addRemotePeerReflexive(l, ra, 0)
	}
	p, _, err := a.pairFor(l, r)
	if err != nil {
		return err
	}
	a.setUseCandidate(p)
	return nil
}

// setUseCandidate nominates pair unconditionally. Should be called under
// a.mux.
func (a *Agent) setUseCandidate(p *Pair) {
	cl := a.checklists[p.Local.Socket]
	if p.state != Succeeded {
		a.succeed(p)
	}
	a.nominate(cl, p)
}

// checkStatus re-derives overall status from nominated pairs: success iff
// every check list has nominated pair for every component.
func (a *Agent) checkStatus() {
	complete := len(a.checklists) > 0
	for _, s := range a.sockets {
		cl := a.checklists[s.Name]
		if cl == nil || !cl.complete() {
			complete = false
			break
		}
	}
	switch {
	case complete:
		a.setStatus(Success)
	case a.status == Success || a.status == Failed:
		a.setStatus(Failed)
	}
}
