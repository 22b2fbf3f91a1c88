package agent

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type tickResult byte

const (
	tickContinue tickResult = iota
	tickUpkeep              // success reached, periodic checks are not needed
)

// tick runs one scheduler pass. Panics are recovered and only abort the
// current pass.
func (a *Agent) tick(now time.Time) tickResult {
	var (
		updates []SessionUpdate
		restart bool
		result  = tickContinue
		role    Role
	)
	func() {
		a.mux.Lock()
		defer a.mux.Unlock()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("tick failed", zap.Any("panic", r))
			}
		}()
		result, restart, updates = a.tickLocked(now)
		role = a.role
	}()
	a.emit(a.ctx, updates)
	if restart {
		if err := a.Restart(a.ctx, role, false); err != nil {
			a.log.Error("failed to restart", zap.Error(err))
		}
	}
	return result
}

// tickLocked implements scheduler pass, returning whether restart is needed
// and session updates to emit.
func (a *Agent) tickLocked(now time.Time) (tickResult, bool, []SessionUpdate) {
	var updates []SessionUpdate

	// Finished checks.
	a.reconcile()

	// Session update.
	switch {
	case a.update == updateForced,
		a.update == updateOffer && a.role == Controlling:
		updates = append(updates, a.localUpdate(false))
		a.update = updateNone
	}

	if a.remote.Ufrag == "" || a.remote.Password == "" {
		// Waiting for peer.
		return tickContinue, false, updates
	}

	for _, cl := range a.checklists {
		cl.order()
	}

	// Triggered checks go first.
	launched := false
	if len(a.triggered) > 0 {
		p := a.triggered[0]
		cl := a.checklists[p.Local.Socket]
		switch {
		case cl == nil || !cl.contains(p):
			// Stale.
			a.triggered = a.triggered[1:]
		case cl.inFlight < a.cfg.MaxInFlight():
			a.triggered = a.triggered[1:]
			launched = a.launch(cl, p, checkOrdinary, false)
		}
	} else {
		launched = a.scheduleOrdinary()
	}

	restart := false
	if !launched && !a.anyInProgress() {
		restart = a.completeChecks()
		a.checkStatus()
	}

	if a.status == Success && !a.finalSent {
		a.finalSent = true
		updates = append(updates, a.localUpdate(true))
		a.log.Info("completed", zap.Stringer("role", a.role))
	}
	if a.upkeepLocked() {
		return tickUpkeep, restart, updates
	}
	return tickContinue, restart, updates
}

// upkeepLocked reports whether periodic checks are not needed: success is
// reached and, if controlling, peer acknowledged every nomination.
func (a *Agent) upkeepLocked() bool {
	if a.status != Success {
		return false
	}
	if a.role != Controlling {
		return true
	}
	for _, cl := range a.checklists {
		for _, p := range cl.nominated {
			if !cl.confirmed[p] {
				return false
			}
		}
	}
	return true
}

// upkeep is upkeepLocked guarded by a.mux.
func (a *Agent) upkeep() bool {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.upkeepLocked()
}

// scheduleOrdinary launches check of first Waiting pair of first check list
// that has one, unfreezing lowest component of lists with neither Waiting
// nor Succeeded pairs.
func (a *Agent) scheduleOrdinary() bool {
	for _, name := range a.order() {
		cl := a.checklists[name]
		if cl.count(Waiting) == 0 && cl.count(Succeeded) == 0 {
			cl.unfreezeLowestComponent()
		}
		if cl.inFlight >= a.cfg.MaxInFlight() {
			continue
		}
		p := cl.firstWaiting()
		if p == nil {
			continue
		}
		if a.launch(cl, p, checkOrdinary, false) {
			return true
		}
	}
	return false
}

func (a *Agent) anyInProgress() bool {
	for _, cl := range a.checklists {
		if cl.count(PairInProgress) > 0 {
			return true
		}
	}
	return false
}

// completeChecks nominates best succeeded pair of every component if
// controlling and reports whether restart is required because every pair
// of some check list failed.
func (a *Agent) completeChecks() bool {
	restart := false
	for _, name := range a.order() {
		cl := a.checklists[name]
		best := cl.best()
		if len(best) == 0 {
			if a.role == Controlling && cl.failed() {
				a.log.Warn("all pairs failed", zap.String("socket", name))
				restart = true
			}
			continue
		}
		if a.role != Controlling {
			continue
		}
		for id := 1; id <= cl.Components; id++ {
			p := best[id]
			if p == nil {
				continue
			}
			if cl.nominated[id] == nil {
				a.nominate(cl, p)
			}
			nominated := cl.nominated[id]
			if cl.used[nominated] {
				continue
			}
			if a.launch(cl, nominated, checkNomination, true) {
				cl.used[nominated] = true
			}
		}
	}
	return restart
}

// keepalive re-checks nominated pairs to keep NAT bindings. Results do not
// change pair states.
func (a *Agent) keepalive(now time.Time) {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.status != Success {
		return
	}
	sent := 0
	for _, name := range a.order() {
		cl := a.checklists[name]
		for id := 1; id <= cl.Components; id++ {
			if p := cl.nominated[id]; p != nil && a.launch(cl, p, checkKeepalive, true) {
				sent++
			}
		}
	}
	if ce := a.log.Check(zapcore.DebugLevel, "keepalive"); ce != nil {
		ce.Write(zap.Int("sent", sent), zap.Time("t", now))
	}
}
