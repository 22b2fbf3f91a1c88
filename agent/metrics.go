package agent

import "github.com/prometheus/client_golang/prometheus"

type metrics interface {
	incChecksSent()
	incChecks(result string)
	incRoleConflicts()
	incNominations()
	incRestarts()
}

// Check results.
const (
	resultSuccess  = "success"
	resultMismatch = "mismatch"
	resultConflict = "conflict"
	resultError    = "error"
	resultTimeout  = "timeout"
)

type noopMetrics struct{}

func (noopMetrics) incChecksSent()    {}
func (noopMetrics) incChecks(string)  {}
func (noopMetrics) incRoleConflicts() {}
func (noopMetrics) incNominations()   {}
func (noopMetrics) incRestarts()      {}

type promMetrics struct {
	checksSent    prometheus.Counter
	checks        *prometheus.CounterVec
	roleConflicts prometheus.Counter
	nominations   prometheus.Counter
	restarts      prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		checksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "iceagent_checks_sent_count",
			Help:        "iceagent sent binding requests count including retransmits",
			ConstLabels: labels,
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "iceagent_checks_count",
			Help:        "iceagent finished connectivity checks count by result",
			ConstLabels: labels,
		}, []string{"result"}),
		roleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "iceagent_role_conflicts_count",
			Help:        "iceagent detected role conflicts count",
			ConstLabels: labels,
		}),
		nominations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "iceagent_nominations_count",
			Help:        "iceagent nominated pairs count",
			ConstLabels: labels,
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "iceagent_restarts_count",
			Help:        "iceagent restarts count",
			ConstLabels: labels,
		}),
	}
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.checksSent.Desc()
	m.checks.Describe(d)
	d <- m.roleConflicts.Desc()
	d <- m.nominations.Desc()
	d <- m.restarts.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.checksSent.Collect(c)
	m.checks.Collect(c)
	m.roleConflicts.Collect(c)
	m.nominations.Collect(c)
	m.restarts.Collect(c)
}

func (m *promMetrics) incChecksSent()          { m.checksSent.Inc() }
func (m *promMetrics) incChecks(result string) { m.checks.WithLabelValues(result).Inc() }
func (m *promMetrics) incRoleConflicts()       { m.roleConflicts.Inc() }
func (m *promMetrics) incNominations()         { m.nominations.Inc() }
func (m *promMetrics) incRestarts()            { m.restarts.Inc() }
