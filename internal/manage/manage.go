// Package manage implements HTTP management and signaling endpoint of agent.
package manage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/gortc/iceagent/agent"
	"github.com/gortc/iceagent/candidate"
	"github.com/gortc/iceagent/internal/filter"
)

// Notifier wraps notify method.
type Notifier interface {
	Notify()
}

// Controller is agent that is managed by endpoint.
type Controller interface {
	Sockets() []agent.Socket
	Status() agent.Status
	Role() agent.Role
	LocalUpdate() agent.SessionUpdate
	NominatedPairs(socket string) map[int]agent.Pair
	UpdateMedia(ctx context.Context, u agent.SessionUpdate) error
	Restart(ctx context.Context, role agent.Role, hard bool) error
}

// Mailbox is agent.Signaler that keeps last local session update until
// peer fetches it.
type Mailbox struct {
	mux     sync.Mutex
	last    agent.SessionUpdate
	ok      bool
	updates int
}

// UpdateMedia implements agent.Signaler.
func (m *Mailbox) UpdateMedia(ctx context.Context, u agent.SessionUpdate) error {
	m.mux.Lock()
	m.last, m.ok = u, true
	m.updates++
	m.mux.Unlock()
	return nil
}

// Last returns last update and number of updates received.
func (m *Mailbox) Last() (agent.SessionUpdate, int, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.last, m.updates, m.ok
}

// Manager handles http management endpoints.
type Manager struct {
	notifier Notifier
	l        *zap.Logger
	agent    Controller
	mailbox  *Mailbox
	filter   *filter.List
}

// Options is set of options for Manager.
type Options struct {
	Log      *zap.Logger
	Notifier Notifier
	Agent    Controller
	Mailbox  *Mailbox     // local updates are composed on request if nil
	Filter   *filter.List // applied to remote candidates, nil allows all
}

type pairStatus struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type status struct {
	Status    string                        `json:"status"`
	Role      string                        `json:"role"`
	Nominated map[string]map[int]pairStatus `json:"nominated"`
}

func (m Manager) write(w http.ResponseWriter, code int, format string, args ...interface{}) {
	w.WriteHeader(code)
	if _, err := fmt.Fprintf(w, format+"\n", args...); err != nil {
		m.l.Warn("failed to write", zap.Error(err))
	}
}

func (m Manager) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.l.Warn("failed to write", zap.Error(err))
	}
}

func (m Manager) status(w http.ResponseWriter) {
	s := status{
		Status:    m.agent.Status().String(),
		Role:      m.agent.Role().String(),
		Nominated: make(map[string]map[int]pairStatus),
	}
	for _, socket := range m.agent.Sockets() {
		pairs := make(map[int]pairStatus)
		for id, p := range m.agent.NominatedPairs(socket.Name) {
			pairs[id] = pairStatus{
				Local:  p.Local.Addr.String(),
				Remote: p.Remote.Addr.String(),
			}
		}
		s.Nominated[socket.Name] = pairs
	}
	m.writeJSON(w, s)
}

func (m Manager) local(w http.ResponseWriter) {
	if m.mailbox != nil {
		if u, _, ok := m.mailbox.Last(); ok {
			m.writeJSON(w, u)
			return
		}
	}
	m.writeJSON(w, m.agent.LocalUpdate())
}

// allowed removes candidates that are not allowed by filter.
func (m Manager) allowed(u agent.SessionUpdate) agent.SessionUpdate {
	if m.filter == nil {
		return u
	}
	for i, md := range u.Media {
		kept := make([]string, 0, len(md.Candidates))
		for _, raw := range md.Candidates {
			c, err := candidate.Parse(raw)
			if err == nil && !m.filter.Allowed(c.Addr) {
				m.l.Info("candidate filtered", zap.String("candidate", raw))
				continue
			}
			// Malformed candidates are reported by agent.
			kept = append(kept, raw)
		}
		u.Media[i].Candidates = kept
	}
	return u
}

func (m Manager) remote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.write(w, http.StatusMethodNotAllowed, "POST is required")
		return
	}
	var u agent.SessionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		m.write(w, http.StatusBadRequest, "failed to decode: %v", err)
		return
	}
	if err := m.agent.UpdateMedia(r.Context(), m.allowed(u)); err != nil {
		m.l.Error("failed to update media", zap.Error(err))
		m.write(w, http.StatusInternalServerError, "failed to update: %v", err)
		return
	}
	m.write(w, http.StatusOK, "updated")
}

func (m Manager) restart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.write(w, http.StatusMethodNotAllowed, "POST is required")
		return
	}
	hard := r.URL.Query().Get("hard") != ""
	if err := m.agent.Restart(r.Context(), m.agent.Role(), hard); err != nil {
		m.l.Error("failed to restart", zap.Error(err))
		m.write(w, http.StatusInternalServerError, "failed to restart: %v", err)
		return
	}
	m.write(w, http.StatusOK, "restarted")
}

// ServeHTTP implements http.Handler.
func (m Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/reload":
		m.l.Info("got reload request")
		m.notifier.Notify()
		m.write(w, http.StatusOK, "agent will be reloaded soon")
	case "/status":
		m.status(w)
	case "/local":
		m.local(w)
	case "/remote":
		m.remote(w, r)
	case "/restart":
		m.restart(w, r)
	default:
		m.write(w, http.StatusNotFound, "management endpoint not found")
	}
}

// NewManager initializes and returns Manager.
func NewManager(o Options) Manager {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return Manager{
		l:        o.Log,
		notifier: o.Notifier,
		agent:    o.Agent,
		mailbox:  o.Mailbox,
		filter:   o.Filter,
	}
}
