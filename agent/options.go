package agent

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options is set of available options for Agent.
type Options struct {
	Log        *zap.Logger
	Sockets    []Socket
	Role       Role
	TieBreaker uint64 // random if zero
	Nomination NominationType

	TickInterval time.Duration // pacing of checks, 500ms by default
	RTO          time.Duration // initial retransmission timeout, 500ms by default
	MaxRequests  int           // requests per check including retransmits, 7 by default
	MaxInFlight  int           // checks in flight per check list, 4 by default
	Keepalive    bool          // keep nominated pairs alive after completion
	RefreshDelay time.Duration // keepalive interval, 15s by default

	Discoverer  Discoverer
	Harvesters  []Harvester
	Signaler    Signaler
	Registry    prometheus.Registerer // no metrics if nil
	Rand        io.Reader             // crypto/rand if nil
	ManualStart bool                  // don't start bg activity
}

const (
	defaultTickInterval = time.Millisecond * 500
	defaultRTO          = time.Millisecond * 500
	defaultMaxRequests  = 7
	defaultMaxInFlight  = 4
	defaultRefresh      = time.Second * 15
)

// config holds reloadable options.
type config struct {
	lock         sync.RWMutex
	tickInterval time.Duration
	rto          time.Duration
	maxRequests  int
	maxInFlight  int
	keepalive    bool
	refreshDelay time.Duration
}

func newConfig(o Options) *config {
	c := &config{}
	c.set(o)
	return c
}

func (c *config) set(o Options) {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.RTO <= 0 {
		o.RTO = defaultRTO
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = defaultMaxRequests
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = defaultMaxInFlight
	}
	if o.RefreshDelay <= 0 {
		o.RefreshDelay = defaultRefresh
	}
	c.lock.Lock()
	c.tickInterval = o.TickInterval
	c.rto = o.RTO
	c.maxRequests = o.MaxRequests
	c.maxInFlight = o.MaxInFlight
	c.keepalive = o.Keepalive
	c.refreshDelay = o.RefreshDelay
	c.lock.Unlock()
}

func (c *config) TickInterval() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.tickInterval
}

func (c *config) RTO() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.rto
}

func (c *config) MaxRequests() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxRequests
}

func (c *config) MaxInFlight() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxInFlight
}

func (c *config) Keepalive() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.keepalive
}

func (c *config) RefreshDelay() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.refreshDelay
}

// Updater distributes reloaded options to subscribed agents.
type Updater struct {
	v         atomic.Value
	mux       sync.RWMutex
	listeners []*Agent
}

// Get returns current options.
func (u *Updater) Get() Options {
	return u.v.Load().(Options)
}

// Set stores options and applies reloadable ones to every subscriber.
func (u *Updater) Set(o Options) {
	u.v.Store(o)
	u.mux.RLock()
	for _, a := range u.listeners {
		a.setOptions(o)
	}
	u.mux.RUnlock()
}

// Subscribe adds agent to listeners.
func (u *Updater) Subscribe(a *Agent) {
	u.mux.Lock()
	u.listeners = append(u.listeners, a)
	u.mux.Unlock()
}

// NewUpdater initializes and returns new updater.
func NewUpdater(o Options) *Updater {
	u := &Updater{}
	u.v.Store(o)
	return u
}
