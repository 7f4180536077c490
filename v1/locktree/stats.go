package locktree

import "sync/atomic"

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Locks         int64
	MaxLocks      int64
	LockMemory    int64
	MaxLockMemory int64
	Resources     int

	ReadGrants      uint64
	WriteGrants     uint64
	ReadConflicts   uint64
	WriteConflicts  uint64
	ReadOutOfLocks  uint64
	WriteOutOfLocks uint64

	EscalationSuccesses uint64
	EscalationFailures  uint64

	Fatal bool
}

type counters struct {
	grants              [2]atomic.Uint64
	conflicts           [2]atomic.Uint64
	outOfLocks          [2]atomic.Uint64
	escalationSuccesses atomic.Uint64
	escalationFailures  atomic.Uint64
}

// Stats returns the current counters. It is valid in every state.
func (m *Manager) Stats() Stats {
	used, maxLocks, maxMemory := m.budget.snapshot()
	m.mu.RLock()
	resources := len(m.tables)
	m.mu.RUnlock()
	return Stats{
		Locks:               used.Locks,
		MaxLocks:            maxLocks,
		LockMemory:          used.Memory,
		MaxLockMemory:       maxMemory,
		Resources:           resources,
		ReadGrants:          m.stats.grants[Read].Load(),
		WriteGrants:         m.stats.grants[Write].Load(),
		ReadConflicts:       m.stats.conflicts[Read].Load(),
		WriteConflicts:      m.stats.conflicts[Write].Load(),
		ReadOutOfLocks:      m.stats.outOfLocks[Read].Load(),
		WriteOutOfLocks:     m.stats.outOfLocks[Write].Load(),
		EscalationSuccesses: m.stats.escalationSuccesses.Load(),
		EscalationFailures:  m.stats.escalationFailures.Load(),
		Fatal:               m.state.Load() == stateFatal,
	}
}
