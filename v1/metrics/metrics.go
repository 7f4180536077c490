package metrics

import "github.com/prometheus/client_golang/prometheus"

// LockMetrics groups the collectors of one lock manager. Every collector
// carries a "manager" const label so several managers can share a registry.
type LockMetrics struct {
	// Grants counts granted requests by mode.
	Grants *prometheus.CounterVec
	// Conflicts counts requests denied by a conflicting lock, by mode.
	Conflicts *prometheus.CounterVec
	// OutOfLocks counts requests denied by the lock budget, by mode.
	OutOfLocks *prometheus.CounterVec
	// Escalations counts escalation rounds by result (success, failure).
	Escalations *prometheus.CounterVec
	// Locks reports the current number of lock records.
	Locks prometheus.Gauge
	// Memory reports the memory accounted to lock records.
	Memory prometheus.Gauge
	// Resources reports the number of live lock tables.
	Resources prometheus.Gauge
	// Fatal counts transitions to the fatal state.
	Fatal prometheus.Counter
}

// NewLockMetrics creates the collectors for the manager with the given id.
func NewLockMetrics(managerID string) *LockMetrics {
	labels := prometheus.Labels{"manager": managerID}
	return &LockMetrics{
		Grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "locktree_grants_total",
			Help:        "Total number of granted lock requests",
			ConstLabels: labels,
		}, []string{"mode"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "locktree_conflicts_total",
			Help:        "Total number of lock requests denied by a conflicting lock",
			ConstLabels: labels,
		}, []string{"mode"}),
		OutOfLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "locktree_out_of_locks_total",
			Help:        "Total number of lock requests denied by the lock budget",
			ConstLabels: labels,
		}, []string{"mode"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "locktree_escalations_total",
			Help:        "Total number of lock escalation rounds",
			ConstLabels: labels,
		}, []string{"result"}),
		Locks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "locktree_locks",
			Help:        "Current number of lock records",
			ConstLabels: labels,
		}),
		Memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "locktree_lock_memory_bytes",
			Help:        "Memory accounted to lock records",
			ConstLabels: labels,
		}),
		Resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "locktree_resources",
			Help:        "Current number of lock tables",
			ConstLabels: labels,
		}),
		Fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "locktree_fatal_total",
			Help:        "Number of transitions to the fatal state",
			ConstLabels: labels,
		}),
	}
}

// Collectors returns every collector of m.
func (m *LockMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Grants, m.Conflicts, m.OutOfLocks, m.Escalations,
		m.Locks, m.Memory, m.Resources, m.Fatal,
	}
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers m on reg. It panics on duplicate registration.
func Register(reg prometheus.Registerer, m *LockMetrics) {
	reg.MustRegister(m.Collectors()...)
}
