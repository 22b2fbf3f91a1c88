package agent

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/candidate"
)

// SetRole changes role of agent.
func (a *Agent) SetRole(r Role) {
	a.mux.Lock()
	a.switchRole(r)
	a.mux.Unlock()
}

// switchRole flips controlling flag of every pair and re-sorts check lists.
// Controlled agent can't use aggressive nomination. Fresh session update is
// scheduled. Should be called under a.mux.
func (a *Agent) switchRole(r Role) bool {
	if a.role == r {
		return false
	}
	a.log.Info("role changed",
		zap.Stringer("from", a.role),
		zap.Stringer("to", r),
	)
	a.role = r
	for _, cl := range a.checklists {
		for _, p := range cl.pairs {
			p.setControlling(r == Controlling)
		}
		cl.order()
	}
	if r == Controlled {
		a.nomination = Regular
	} else {
		a.nomination = a.nominationOpt
	}
	if a.status != NotStarted {
		a.setStatus(InProgress)
	}
	a.finalSent = false
	a.update = updateForced
	a.wakeUp()
	return true
}

// wins reports whether agent wins role conflict against peer tie-breaker.
func (a *Agent) wins(peer uint64) bool {
	if a.role == Controlling {
		return a.tieBreaker >= peer
	}
	return a.tieBreaker < peer
}

// resolveRoleConflict handles 487 response to request sent with r.role.
func (a *Agent) resolveRoleConflict(r checkResult) {
	if r.role == Controlling && r.HasTieBreaker && a.tieBreaker >= r.TieBreaker {
		// Peer should switch.
		return
	}
	if a.role != r.role {
		// Already switched.
		return
	}
	a.metrics.incRoleConflicts()
	a.switchRole(r.role.Opposite())
}

// order returns names of sockets that have check lists.
func (a *Agent) order() []string {
	names := make([]string, 0, len(a.checklists))
	for _, s := range a.sockets {
		if a.checklists[s.Name] != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// checklist returns check list of socket, creating it if needed.
func (a *Agent) checklist(name string) *Checklist {
	cl := a.checklists[name]
	if cl != nil {
		return cl
	}
	s, ok := a.socket(name)
	if !ok {
		s = Socket{Name: name, Components: 1}
	}
	cl = newChecklist(s)
	a.checklists[name] = cl
	return cl
}

// matchAndUpdate pairs local and remote candidates of every socket, adding
// new pairs to check lists. Existing pairs keep their state.
func (a *Agent) matchAndUpdate() {
	for _, s := range a.sockets {
		var (
			locals  = a.locals[s.Name]
			remotes = a.remotes[s.Name]
		)
		if len(locals) == 0 || len(remotes) == 0 {
			continue
		}
		var (
			cl    = a.checklist(s.Name)
			added int
		)
		for _, p := range FormPairs(locals, remotes, a.role == Controlling) {
			if _, ok := cl.add(p); ok {
				added++
			}
		}
		cl.order()
		if added > 0 {
			a.log.Debug("pairs added",
				zap.String("socket", s.Name),
				zap.Int("added", added),
				zap.Int("total", len(cl.pairs)),
			)
		}
	}
}

// addRemote stores remote candidate of socket and returns stored value.
func (a *Agent) addRemote(socket string, c candidate.Candidate) *candidate.Candidate {
	for _, r := range a.remotes[socket] {
		if r.ComponentID == c.ComponentID && r.Equal(c) {
			return r
		}
	}
	if c.Foundation == "" {
		c.Foundation = candidate.Foundation(&c)
	}
	r := &c
	a.remotes[socket] = append(a.remotes[socket], r)
	return r
}

// SetRemoteCredentials sets ufrag and password of peer.
func (a *Agent) SetRemoteCredentials(ufrag, password string) {
	a.mux.Lock()
	a.remote = Credentials{Ufrag: ufrag, Password: password}
	a.mux.Unlock()
	a.wakeUp()
}

// UpdateMedia applies session update received from peer. Connection address
// "0.0.0.0" or change of both ufrag and password triggers restart, the latter
// regenerating local credentials. Changed credentials that answer hard restart
// of agent only replace remote candidates. Malformed candidates are skipped.
func (a *Agent) UpdateMedia(ctx context.Context, u SessionUpdate) error {
	a.mux.Lock()
	var (
		restart = u.Connection == restartConnection
		hard    bool
		running = a.started.Load() && !a.stopped.Load()
	)
	var (
		hasCreds     = u.ICE.Ufrag != "" && u.ICE.Password != ""
		knownCreds   = a.remote.Ufrag != "" && a.remote.Password != ""
		credsChanged = u.ICE.Ufrag != a.remote.Ufrag && u.ICE.Password != a.remote.Password
	)
	if hasCreds && knownCreds && credsChanged {
		if a.restarted {
			// Answer to own restart, checks of old session are dropped.
			a.log.Info("peer restarted")
			a.remotes = make(map[string][]*candidate.Candidate)
			a.checklists = make(map[string]*Checklist)
			a.triggered = nil
			a.restarted = false
		} else {
			restart, hard = true, true
		}
	}
	if hasCreds {
		a.remote = Credentials{Ufrag: u.ICE.Ufrag, Password: u.ICE.Password}
	}
	if restart {
		a.remotes = make(map[string][]*candidate.Candidate)
	}
	a.remoteLite = u.ICE.Lite
	if a.remoteLite && a.role != Controlling {
		a.log.Info("peer is lite")
		a.switchRole(Controlling)
	}
	for _, md := range u.Media {
		if _, ok := a.socket(md.Socket); !ok {
			a.log.Warn("skipping media", zap.Error(errors.Wrap(ErrUnknownSocket, md.Socket)))
			continue
		}
		for _, raw := range md.Candidates {
			c, err := candidate.Parse(raw)
			if err != nil {
				a.log.Warn("skipping candidate", zap.String("socket", md.Socket), zap.Error(err))
				continue
			}
			a.addRemote(md.Socket, c)
		}
	}
	if running && !restart {
		a.matchAndUpdate()
	}
	if running && a.role == Controlled {
		// Answer.
		a.update = updateForced
	}
	role := a.role
	a.mux.Unlock()
	if running && restart {
		err := a.Restart(ctx, role, hard)
		a.mux.Lock()
		// Restart of peer is answered, not awaited.
		a.restarted = false
		a.mux.Unlock()
		return err
	}
	a.wakeUp()
	return nil
}

// Restart clears check lists, triggered check queue and nominations, then
// gathers candidates again and re-pairs them with known remote candidates.
// Hard restart also regenerates local credentials.
func (a *Agent) Restart(ctx context.Context, role Role, hard bool) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if a.stopped.Load() {
		return ErrStopped
	}
	a.mux.Lock()
	a.checklists = make(map[string]*Checklist)
	a.triggered = nil
	a.setStatus(InProgress)
	a.finalSent = false
	if hard {
		c, err := NewCredentials(a.rand)
		if err != nil {
			a.mux.Unlock()
			return err
		}
		a.local = c
		a.auth.Set(c.Ufrag, c.Password)
	}
	old := a.locals
	a.mux.Unlock()

	locals, err := a.gather(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to gather")
	}

	a.mux.Lock()
	a.locals = locals
	a.switchRole(role)
	a.matchAndUpdate()
	a.update = updateForced
	a.restarted = hard
	a.mux.Unlock()

	a.metrics.incRestarts()
	a.log.Info("restarted", zap.Stringer("role", role), zap.Bool("hard", hard))
	current := make(map[Transport]bool)
	for _, t := range collectTransports(locals) {
		current[t] = true
	}
	var closeErr error
	for _, t := range collectTransports(old) {
		if !current[t] {
			closeErr = multierr.Append(closeErr, t.Close())
		}
	}
	if closeErr != nil {
		a.log.Warn("failed to close transports", zap.Error(closeErr))
	}
	a.wakeUp()
	return nil
}
