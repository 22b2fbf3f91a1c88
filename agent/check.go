package agent

import (
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/binding"
)

type checkKind byte

const (
	checkOrdinary checkKind = iota
	checkNomination
	checkKeepalive
)

func (k checkKind) String() string {
	switch k {
	case checkNomination:
		return "nomination"
	case checkKeepalive:
		return "keepalive"
	default:
		return "ordinary"
	}
}

// checkResult is outcome of check: success with mapped address, error
// response with code, or timeout.
type checkResult struct {
	binding.Result
	role    Role // role that request was sent with
	timeout bool
}

func (r checkResult) err() error {
	switch {
	case r.timeout:
		return ErrCheckTimeout
	case r.Success:
		return nil
	case r.Code == int(stun.CodeRoleConflict):
		return ErrRoleConflict
	default:
		return errors.Errorf("error response %d", r.Code)
	}
}

type transactionID [stun.TransactionIDSize]byte

type transaction struct {
	password string
	result   chan binding.Result
}

type checkTask struct {
	kind     checkKind
	list     *Checklist
	pair     *Pair
	local    candidate.Addr
	role     Role
	conn     Transport
	to       net.Addr
	password string
	msg      *stun.Message
}

// newRetransmitBackOff returns retransmission schedule of RFC 5389 Section
// 7.2.1: requests times, starting with rto and doubling.
func newRetransmitBackOff(rto time.Duration, requests int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rto
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = rto << uint(requests)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(requests))
}

// peerReflexivePriority is PRIORITY value for check from local candidate.
func peerReflexivePriority(l *LocalCandidate) uint32 {
	return uint32(candidate.Priority(
		candidate.TypePreference(candidate.PeerReflexive), l.LocalPreference(), l.ComponentID,
	))
}

// launch starts check of pair. Ordinary checks are no-op if pair is not
// Waiting. Should be called under a.mux.
func (a *Agent) launch(cl *Checklist, p *Pair, kind checkKind, useCandidate bool) bool {
	if kind == checkOrdinary && p.state != Waiting {
		return false
	}
	if cl.inFlight >= a.cfg.MaxInFlight() {
		return false
	}
	if kind == checkOrdinary && a.role == Controlling && a.nomination == Aggressive {
		useCandidate = true
	}
	req := binding.Request{
		LocalUfrag:   a.local.Ufrag,
		RemoteUfrag:  a.remote.Ufrag,
		Password:     a.remote.Password,
		Priority:     peerReflexivePriority(p.Local),
		Controlling:  a.role == Controlling,
		TieBreaker:   a.tieBreaker,
		UseCandidate: useCandidate,
	}
	m, err := req.Build()
	if err != nil {
		a.log.Error("failed to build request", zap.Error(err))
		if kind == checkOrdinary {
			p.state = PairFailed
		}
		return false
	}
	if kind == checkOrdinary {
		p.state = PairInProgress
		p.result = nil
	}
	cl.inFlight++
	t := &checkTask{
		kind:     kind,
		list:     cl,
		pair:     p,
		local:    p.Local.Addr,
		role:     a.role,
		conn:     p.Local.Conn,
		to:       p.Remote.Addr.UDPAddr(),
		password: a.remote.Password,
		msg:      m,
	}
	if ce := a.log.Check(zapcore.DebugLevel, "starting check"); ce != nil {
		ce.Write(
			zap.Stringer("kind", kind),
			zap.Stringer("local", p.Local.Addr),
			zap.Stringer("remote", p.Remote.Addr),
			zap.Bool("use-candidate", useCandidate),
		)
	}
	a.checks.Add(1)
	go a.runCheck(t)
	return true
}

func (a *Agent) register(id transactionID, password string) *transaction {
	t := &transaction{
		password: password,
		result:   make(chan binding.Result, 1),
	}
	a.txMux.Lock()
	a.tx[id] = t
	a.txMux.Unlock()
	return t
}

func (a *Agent) unregister(id transactionID) {
	a.txMux.Lock()
	delete(a.tx, id)
	a.txMux.Unlock()
}

// runCheck sends request with retransmissions until response arrives or
// retransmissions are exhausted.
func (a *Agent) runCheck(t *checkTask) {
	defer a.checks.Done()
	id := transactionID(t.msg.TransactionID)
	tx := a.register(id, t.password)
	defer a.unregister(id)

	var (
		res = checkResult{role: t.role, timeout: true}
		b   = newRetransmitBackOff(a.cfg.RTO(), a.cfg.MaxRequests())
	)
Loop:
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if _, err := t.conn.WriteTo(t.msg.Raw, t.to); err != nil {
			a.log.Warn("failed to write",
				zap.Stringer("local", t.local),
				zap.Stringer("remote", t.to),
				zap.Error(err),
			)
		}
		a.metrics.incChecksSent()
		timer := time.NewTimer(wait)
		select {
		case r := <-tx.result:
			timer.Stop()
			res = checkResult{Result: r, role: t.role}
			break Loop
		case <-timer.C:
		case <-a.checksCtx.Done():
			timer.Stop()
			break Loop
		}
	}
	a.complete(t, res)
}

// complete stores check result. Ordinary results are resolved by next tick,
// nomination and keepalive results are informational.
func (a *Agent) complete(t *checkTask, res checkResult) {
	a.mux.Lock()
	defer a.mux.Unlock()
	t.list.inFlight--
	switch {
	case res.timeout:
		a.metrics.incChecks(resultTimeout)
	case res.Success && !res.Mapped.Equal(t.local):
		a.metrics.incChecks(resultMismatch)
	case res.Success:
		a.metrics.incChecks(resultSuccess)
	case res.Code == int(stun.CodeRoleConflict):
		a.metrics.incChecks(resultConflict)
	default:
		a.metrics.incChecks(resultError)
	}
	l := a.log.With(
		zap.Stringer("kind", t.kind),
		zap.Stringer("local", t.local),
		zap.Stringer("remote", t.to),
	)
	if err := res.err(); err != nil {
		l.Info("check failed", zap.Error(err))
	} else if ce := l.Check(zapcore.DebugLevel, "check succeeded"); ce != nil {
		ce.Write(zap.Stringer("mapped", res.Mapped))
	}
	if t.kind == checkOrdinary {
		t.pair.result = &res
		return
	}
	if res.Code == int(stun.CodeRoleConflict) {
		a.resolveRoleConflict(res)
	}
	if t.kind != checkNomination {
		return
	}
	if res.Success {
		t.list.confirmed[t.pair] = true
		return
	}
	// USE-CANDIDATE should be sent again.
	delete(t.list.used, t.pair)
	a.wakeUp()
}

// deliver passes response to check that waits for it. Responses that fail
// integrity check are dropped.
func (a *Agent) deliver(m *stun.Message) {
	id := transactionID(m.TransactionID)
	a.txMux.Lock()
	tx := a.tx[id]
	a.txMux.Unlock()
	if tx == nil {
		if ce := a.log.Check(zapcore.DebugLevel, "unknown transaction"); ce != nil {
			ce.Write(zap.Stringer("m", m))
		}
		return
	}
	r, err := binding.ParseResponse(m, tx.password)
	if err != nil {
		if ce := a.log.Check(zapcore.DebugLevel, "bad response"); ce != nil {
			ce.Write(zap.Stringer("m", m), zap.Error(err))
		}
		return
	}
	select {
	case tx.result <- r:
	default:
		// Duplicate response to retransmitted request.
	}
}

// reconcile resolves finished ordinary checks. Should be called under a.mux.
func (a *Agent) reconcile() {
	for _, name := range a.order() {
		cl := a.checklists[name]
		// Resolution can append pairs.
		list := append(pairs(nil), cl.pairs...)
		for _, p := range list {
			if p.state != PairInProgress || p.result == nil {
				continue
			}
			r := *p.result
			p.result = nil
			a.resolve(cl, p, r)
			if p.state == PairInProgress {
				p.state = PairFailed
			}
		}
	}
}

// resolve applies check result to pair.
func (a *Agent) resolve(cl *Checklist, p *Pair, r checkResult) {
	switch {
	case r.timeout:
		p.state = PairFailed
	case r.Success && r.Mapped.Equal(p.Local.Addr):
		a.succeed(p)
		if r.role == Controlling && a.role == Controlling && a.nomination == Aggressive &&
			cl.nominated[p.ComponentID()] == nil {
			a.nominate(cl, p)
			// Check carried USE-CANDIDATE.
			cl.used[p] = true
			cl.confirmed[p] = true
		}
	case r.Success:
		p.state = PairFailed
		a.addPeerReflexive(cl, p, r.Mapped)
	case r.Code == int(stun.CodeRoleConflict):
		a.resolveRoleConflict(r)
		p.state = Waiting
		a.trigger(p)
	default:
		p.state = PairFailed
	}
}

// succeed moves pair to Succeeded and unfreezes pairs with same foundation in
// every check list.
func (a *Agent) succeed(p *Pair) {
	p.state = Succeeded
	f := p.Foundation()
	for _, cl := range a.checklists {
		for _, q := range cl.pairs {
			if q.state == Frozen && q.Foundation() == f {
				q.state = Waiting
			}
		}
	}
}

// addPeerReflexive learns peer-reflexive local candidate from mapped address
// of check unless some local candidate already has that address.
func (a *Agent) addPeerReflexive(cl *Checklist, p *Pair, mapped candidate.Addr) {
	for _, l := range a.locals[cl.Socket] {
		if l.ComponentID == p.ComponentID() && l.Addr.Equal(mapped) {
			return
		}
	}
	prflx := &LocalCandidate{
		Candidate: candidate.Candidate{
			Type:        candidate.PeerReflexive,
			Addr:        mapped,
			ComponentID: p.ComponentID(),
			Transport:   p.Local.Transport,
			Base:        &p.Local.Candidate,
		},
		Socket: cl.Socket,
		Conn:   p.Local.Conn,
	}
	prflx.ComputePriority(p.Local.LocalPreference())
	prflx.Foundation = candidate.Foundation(&prflx.Candidate)
	a.locals[cl.Socket] = append(a.locals[cl.Socket], prflx)
	np, err := NewPair(prflx, p.Remote, a.role == Controlling)
	if err != nil {
		a.log.Warn("failed to pair peer-reflexive candidate", zap.Error(err))
		return
	}
	np, _ = cl.add(np)
	a.succeed(np)
	a.log.Info("learned peer-reflexive candidate",
		zap.String("socket", cl.Socket),
		zap.Stringer("candidate", prflx.Candidate),
	)
	if a.update == updateNone {
		a.update = updateOffer
	}
}

// trigger adds pair to triggered check queue.
func (a *Agent) trigger(p *Pair) {
	for _, q := range a.triggered {
		if q == p {
			return
		}
	}
	a.triggered = append(a.triggered, p)
}
