// Package agent implements ICE (RFC 5245) connectivity establishment: pairing
// of local and remote candidates, scheduling of connectivity checks,
// nomination, role conflict resolution, restarts and keepalives.
//
// Agent is driven by periodic tick that launches at most one check per tick.
// Checks run asynchronously, their results are reconciled on next tick.
// Inbound binding requests are handled on transport goroutines and share
// single agent lock with the tick.
package agent

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/auth"
)

// Lifecycle errors.
var (
	ErrNotStarted     = errors.New("agent is not started")
	ErrStopped        = errors.New("agent is stopped")
	ErrAlreadyStarted = errors.New("agent is already started")
	ErrNoDiscoverer   = errors.New("no discoverer")
	ErrNoSockets      = errors.New("no sockets")
	ErrUnknownSocket  = errors.New("unknown socket")
)

// Check errors, never returned to caller.
var (
	ErrCheckTimeout = errors.New("check timed out")
	ErrRoleConflict = errors.New("role conflict")
)

// defaultLocalPreference is used for candidates that discoverer returned
// without priority.
const defaultLocalPreference = 65535

type updateKind byte

const (
	updateNone updateKind = iota
	updateOffer
	updateForced
)

// Agent is ICE agent.
type Agent struct {
	log        *zap.Logger
	cfg        *config
	metrics    metrics
	rand       io.Reader
	sockets    []Socket
	discoverer Discoverer
	harvesters []Harvester
	signaler   Signaler
	auth       *auth.ShortTerm
	manual     bool

	mux           sync.Mutex
	role          Role
	tieBreaker    uint64
	nomination    NominationType
	nominationOpt NominationType
	status        Status
	local         Credentials
	remote        Credentials
	remoteLite    bool
	locals        map[string][]*LocalCandidate
	remotes       map[string][]*candidate.Candidate
	checklists    map[string]*Checklist
	triggered     []*Pair
	update        updateKind
	finalSent     bool
	restarted     bool // peer has not answered restart yet

	txMux sync.Mutex
	tx    map[transactionID]*transaction

	started      atomic.Bool
	stopped      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	checksCtx    context.Context
	cancelChecks context.CancelFunc
	wake         chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup
	checks       sync.WaitGroup
}

// New initializes and returns new agent from options.
func New(o Options) (*Agent, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if len(o.Sockets) == 0 {
		return nil, ErrNoSockets
	}
	sockets := make([]Socket, len(o.Sockets))
	for i, s := range o.Sockets {
		if s.Components <= 0 {
			s.Components = 1
		}
		sockets[i] = s
	}
	var err error
	if o.TieBreaker == 0 {
		if o.TieBreaker, err = NewTieBreaker(o.Rand); err != nil {
			return nil, err
		}
	}
	credentials, err := NewCredentials(o.Rand)
	if err != nil {
		return nil, err
	}
	var m metrics = noopMetrics{}
	if o.Registry != nil {
		pm := newPromMetrics(nil)
		if err = o.Registry.Register(pm); err != nil {
			return nil, errors.Wrap(err, "failed to register metrics")
		}
		m = pm
	}
	a := &Agent{
		log:           o.Log,
		cfg:           newConfig(o),
		metrics:       m,
		rand:          o.Rand,
		sockets:       sockets,
		discoverer:    o.Discoverer,
		harvesters:    o.Harvesters,
		signaler:      o.Signaler,
		auth:          auth.NewShortTerm(credentials.Ufrag, credentials.Password),
		manual:        o.ManualStart,
		role:          o.Role,
		tieBreaker:    o.TieBreaker,
		nomination:    o.Nomination,
		nominationOpt: o.Nomination,
		local:         credentials,
		locals:        make(map[string][]*LocalCandidate),
		remotes:       make(map[string][]*candidate.Candidate),
		checklists:    make(map[string]*Checklist),
		tx:            make(map[transactionID]*transaction),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	if a.role == Controlled {
		a.nomination = Regular
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.checksCtx, a.cancelChecks = context.WithCancel(context.Background())
	return a, nil
}

func (a *Agent) setOptions(o Options) {
	a.cfg.set(o)
	a.mux.Lock()
	a.nominationOpt = o.Nomination
	if a.role == Controlling {
		a.nomination = o.Nomination
	}
	a.mux.Unlock()
	a.log.Info("options updated",
		zap.Duration("tick", a.cfg.TickInterval()),
		zap.Bool("keepalive", a.cfg.Keepalive()),
		zap.Stringer("nomination", o.Nomination),
	)
	a.wakeUp()
}

// Start gathers local candidates and starts connectivity establishment.
// Checks begin as soon as remote credentials and candidates are known.
func (a *Agent) Start(ctx context.Context) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	if !a.started.CAS(false, true) {
		return ErrAlreadyStarted
	}
	locals, err := a.gather(ctx)
	if err != nil {
		// Start can be retried.
		a.started.Store(false)
		return err
	}
	a.mux.Lock()
	a.locals = locals
	a.setStatus(InProgress)
	a.matchAndUpdate()
	a.update = updateOffer
	role := a.role
	a.mux.Unlock()
	a.log.Info("started",
		zap.Stringer("role", role),
		zap.Int("sockets", len(a.sockets)),
	)
	if !a.manual {
		a.wg.Add(1)
		go a.loop()
	}
	return nil
}

// Stop stops agent and closes transports. In-flight checks are cancelled if
// immediate is true, otherwise they are awaited.
func (a *Agent) Stop(immediate bool) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if !a.stopped.CAS(false, true) {
		return ErrStopped
	}
	a.log.Info("stopping", zap.Bool("immediate", immediate))
	close(a.done)
	a.cancel()
	a.wg.Wait()
	if immediate {
		a.cancelChecks()
	}
	a.checks.Wait()
	a.cancelChecks()
	a.mux.Lock()
	transports := collectTransports(a.locals)
	a.mux.Unlock()
	var err error
	for _, t := range transports {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func collectTransports(locals map[string][]*LocalCandidate) []Transport {
	var (
		result []Transport
		seen   = make(map[Transport]bool)
	)
	for _, list := range locals {
		for _, l := range list {
			if l.Conn == nil || seen[l.Conn] {
				continue
			}
			seen[l.Conn] = true
			result = append(result, l.Conn)
		}
	}
	return result
}

// Sockets returns configured sockets.
func (a *Agent) Sockets() []Socket {
	return append([]Socket(nil), a.sockets...)
}

// Status returns overall connectivity status.
func (a *Agent) Status() Status {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.status
}

// Role returns current role of agent.
func (a *Agent) Role() Role {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.role
}

// TieBreaker returns tie-breaker of agent.
func (a *Agent) TieBreaker() uint64 {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.tieBreaker
}

// LocalCredentials returns current local ufrag and password.
func (a *Agent) LocalCredentials() Credentials {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.local
}

// LocalCandidates returns gathered candidates of socket.
func (a *Agent) LocalCandidates(socket string) []*LocalCandidate {
	a.mux.Lock()
	defer a.mux.Unlock()
	return append([]*LocalCandidate(nil), a.locals[socket]...)
}

// NominatedPairs returns snapshot of nominated pairs of socket by
// component id.
func (a *Agent) NominatedPairs(socket string) map[int]Pair {
	a.mux.Lock()
	defer a.mux.Unlock()
	result := make(map[int]Pair)
	cl := a.checklists[socket]
	if cl == nil {
		return result
	}
	for id, p := range cl.nominated {
		if p != nil {
			result[id] = *p
		}
	}
	return result
}

// Pairs returns snapshot of check list of socket in priority order.
func (a *Agent) Pairs(socket string) []Pair {
	a.mux.Lock()
	defer a.mux.Unlock()
	cl := a.checklists[socket]
	if cl == nil {
		return nil
	}
	result := make([]Pair, 0, len(cl.pairs))
	for _, p := range cl.pairs {
		result = append(result, *p)
	}
	return result
}

// LocalUpdate returns session update that describes local candidates.
func (a *Agent) LocalUpdate() SessionUpdate {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.localUpdate(a.status == Success)
}

func (a *Agent) setStatus(s Status) {
	if a.status == s {
		return
	}
	a.log.Info("status changed",
		zap.Stringer("from", a.status),
		zap.Stringer("to", s),
	)
	a.status = s
}

func (a *Agent) socket(name string) (Socket, bool) {
	for _, s := range a.sockets {
		if s.Name == name {
			return s, true
		}
	}
	return Socket{}, false
}

// gather runs discovery for every socket. Harvester failures are logged and
// do not prevent other harvesters from contributing candidates.
func (a *Agent) gather(ctx context.Context) (map[string][]*LocalCandidate, error) {
	if a.discoverer == nil {
		return nil, ErrNoDiscoverer
	}
	result := make(map[string][]*LocalCandidate, len(a.sockets))
	for _, s := range a.sockets {
		hosts, err := a.discoverer.Discover(ctx, s, a)
		if err != nil {
			for _, t := range collectTransports(result) {
				_ = t.Close()
			}
			return nil, errors.Wrapf(err, "failed to discover %s", s.Name)
		}
		locals := append([]*LocalCandidate(nil), hosts...)
		var harvestErr error
		for _, h := range a.harvesters {
			found, err := h.Harvest(ctx, hosts)
			if err != nil {
				harvestErr = multierr.Append(harvestErr, errors.Wrap(err, h.Name()))
			}
			locals = append(locals, found...)
		}
		if harvestErr != nil {
			a.log.Warn("harvest failed", zap.String("socket", s.Name), zap.Error(harvestErr))
		}
		for _, l := range locals {
			l.Socket = s.Name
			if l.Priority == 0 {
				l.ComputePriority(defaultLocalPreference)
			}
			if l.Foundation == "" {
				l.Foundation = candidate.Foundation(&l.Candidate)
			}
		}
		locals = dedupeLocals(locals)
		for _, l := range locals {
			a.log.Debug("gathered",
				zap.String("socket", s.Name),
				zap.Stringer("candidate", l.Candidate),
			)
		}
		result[s.Name] = locals
	}
	return result, nil
}

// localUpdate composes session update from local state.
func (a *Agent) localUpdate(final bool) SessionUpdate {
	u := SessionUpdate{
		ICE: IceAttributes{
			Ufrag:    a.local.Ufrag,
			Password: a.local.Password,
		},
		Connection: a.defaultConnection(final),
	}
	for _, s := range a.sockets {
		md := MediaDescription{Socket: s.Name, Components: s.Components}
		for _, l := range a.locals[s.Name] {
			md.Candidates = append(md.Candidates, l.Marshal())
		}
		u.Media = append(u.Media, md)
	}
	return u
}

// defaultConnection returns address of nominated pair of first component
// if final, or of highest priority first component candidate.
func (a *Agent) defaultConnection(final bool) string {
	name := a.sockets[0].Name
	if cl := a.checklists[name]; final && cl != nil {
		if p := cl.nominated[1]; p != nil {
			return p.Local.Addr.IP.String()
		}
	}
	for _, l := range a.locals[name] {
		if l.ComponentID == 1 {
			return l.Addr.IP.String()
		}
	}
	return ""
}

func (a *Agent) emit(ctx context.Context, updates []SessionUpdate) {
	if a.signaler == nil {
		return
	}
	for _, u := range updates {
		if err := a.signaler.UpdateMedia(ctx, u); err != nil {
			a.log.Warn("failed to update media", zap.Error(err))
		}
	}
}

func (a *Agent) wakeUp() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// loop runs periodic tick until success, then keepalives if enabled.
func (a *Agent) loop() {
	defer a.wg.Done()
	var (
		interval  = a.cfg.TickInterval()
		tick      = time.NewTicker(interval)
		refresh   time.Duration
		keepalive *time.Ticker
	)
	stop := func(t *time.Ticker) *time.Ticker {
		if t != nil {
			t.Stop()
		}
		return nil
	}
	startKeepalive := func() {
		keepalive = stop(keepalive)
		if !a.cfg.Keepalive() {
			return
		}
		refresh = a.cfg.RefreshDelay()
		a.log.Info("starting keepalives", zap.Duration("delay", refresh))
		keepalive = time.NewTicker(refresh)
	}
	defer func() {
		stop(tick)
		stop(keepalive)
	}()
	for {
		select {
		case <-a.done:
			return
		case <-a.wake:
			switch {
			case tick == nil && !a.upkeep():
				keepalive = stop(keepalive)
				interval = a.cfg.TickInterval()
				tick = time.NewTicker(interval)
			case tick != nil && interval != a.cfg.TickInterval():
				// Reloaded.
				tick.Stop()
				interval = a.cfg.TickInterval()
				tick = time.NewTicker(interval)
			case tick == nil && (keepalive != nil) != a.cfg.Keepalive(),
				keepalive != nil && refresh != a.cfg.RefreshDelay():
				startKeepalive()
			}
		case now := <-tickerC(tick):
			if a.tick(now) != tickUpkeep {
				continue
			}
			tick = stop(tick)
			startKeepalive()
		case now := <-tickerC(keepalive):
			a.keepalive(now)
		}
	}
}

// HandlePacket implements PacketHandler.
func (a *Agent) HandlePacket(local, remote net.Addr, raw []byte) {
	a.handlePacket(local, remote, raw)
}
