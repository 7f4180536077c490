package locktree

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultMaxLocks is the record budget used when WithMaxLocks is not set.
	DefaultMaxLocks = 10000
	// DefaultMaxLockMemory is the memory budget used when WithMaxLockMemory
	// is not set.
	DefaultMaxLockMemory = DefaultMaxLocks * 256
)

// Option configures a Manager.
type Option func(*Manager)

// WithMaxLocks sets the total number of lock records across all resources.
func WithMaxLocks(n int64) Option {
	return func(m *Manager) {
		m.budget.maxLocks = n
	}
}

// WithMaxLockMemory sets the total memory, in bytes, lock records may
// account for.
func WithMaxLockMemory(n int64) Option {
	return func(m *Manager) {
		m.budget.maxMemory = n
	}
}

// WithFatalCallback registers fn to be called once when the manager turns
// FATAL.
func WithFatalCallback(fn FatalFunc) Option {
	return func(m *Manager) {
		m.onFatal = fn
	}
}

// WithEscalationPolicy selects how tables are escalated under budget
// pressure. The default is EscalateOwnerRuns.
func WithEscalationPolicy(p EscalationPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithLogger sets the logger used by the manager.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. Collectors are labelled with the manager id and removed on
// Close.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.reg = reg
	}
}

// WithTracing enables OpenTelemetry tracing for manager operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}
