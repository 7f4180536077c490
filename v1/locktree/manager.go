package locktree

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
	"github.com/mirkobrombin/go-locktree/v1/interval"
	"github.com/mirkobrombin/go-locktree/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-locktree/v1/locktree")

// Resource is a handle on the lock table of one resource. It is returned by
// CreateResource and becomes invalid after ReleaseResource.
type Resource struct {
	id       ResourceID
	token    uuid.UUID
	table    *Table
	mgr      *Manager
	released atomic.Bool
}

// ID returns the resource the handle refers to.
func (r *Resource) ID() ResourceID { return r.id }

// Token identifies the handle. Every CreateResource call returns a new one.
func (r *Resource) Token() uuid.UUID { return r.token }

// Manager arbitrates range locks of many transactions over many resources
// under a global lock budget.
type Manager struct {
	id           uuid.UUID
	logger       *zap.Logger
	reg          prometheus.Registerer
	metrics      *metrics.LockMetrics
	onFatal      FatalFunc
	policy       EscalationPolicy
	traceEnabled bool

	mu     sync.RWMutex
	tables map[ResourceID]*Table

	txnMu sync.Mutex
	txns  map[TxnID]map[*Table]struct{}

	budget budget
	state  atomic.Int32
	stats  counters
}

// New creates a manager. Non-positive budgets are rejected.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		id:     uuid.New(),
		logger: zap.NewNop(),
		tables: make(map[ResourceID]*Table),
		txns:   make(map[TxnID]map[*Table]struct{}),
	}
	m.budget.maxLocks = DefaultMaxLocks
	m.budget.maxMemory = DefaultMaxLockMemory
	for _, opt := range opts {
		opt(m)
	}
	if m.budget.maxLocks <= 0 || m.budget.maxMemory <= 0 {
		return nil, fmt.Errorf("%w: max locks %d, max lock memory %d",
			lockerrors.ErrInvalidBudget, m.budget.maxLocks, m.budget.maxMemory)
	}
	if m.policy != EscalateOwnerRuns && m.policy != EscalateBorderWrite {
		return nil, fmt.Errorf("%w: unknown escalation policy %v", lockerrors.ErrBadInput, m.policy)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("manager", m.id.String()))
	if m.reg != nil {
		m.metrics = metrics.NewLockMetrics(m.id.String())
		metrics.Register(m.reg, m.metrics)
	}
	return m, nil
}

// ID returns the manager's instance id, also used as the metrics label.
func (m *Manager) ID() uuid.UUID { return m.id }

// CreateResource returns a handle on the table of id, creating the table
// when it does not exist. An existing table keeps its comparator.
func (m *Manager) CreateResource(id ResourceID, cmp interval.Comparator) (r *Resource, err error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	defer m.recoverFatal(&err)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[id]
	if !ok {
		t = NewTable(id, cmp)
		m.tables[id] = t
		m.logger.Debug("resource created", zap.String("resource", string(id)))
	}
	t.refs++
	m.observeResourcesLocked()
	return &Resource{id: id, token: uuid.New(), table: t, mgr: m}, nil
}

// ReleaseResource drops the reference held by r. The table is destroyed once
// it has no references and no lock records.
func (m *Manager) ReleaseResource(r *Resource) (err error) {
	if err := m.check(); err != nil {
		return err
	}
	if r == nil || r.mgr != m || !r.released.CompareAndSwap(false, true) {
		return lockerrors.ErrUnknownResource
	}
	defer m.recoverFatal(&err)
	m.mu.Lock()
	defer m.mu.Unlock()
	r.table.refs--
	m.dropIfUnusedLocked(r.table)
	return nil
}

// ResourceExists reports whether a table for id is alive.
func (m *Manager) ResourceExists(id ResourceID) bool {
	if m.check() != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[id]
	return ok
}

// EscalationAllowed reports whether requests against id may still escalate.
// It turns false after an escalation failed to make room and true again
// after any transaction releases locks.
func (m *Manager) EscalationAllowed(id ResourceID) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	m.mu.RLock()
	t, ok := m.tables[id]
	m.mu.RUnlock()
	if !ok {
		return false, lockerrors.ErrUnknownResource
	}
	return t.EscalationAllowed(), nil
}

// Locks returns a snapshot of the lock records of r.
func (m *Manager) Locks(r *Resource) (locks []Lock, err error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	t, err := m.resolve(r)
	if err != nil {
		return nil, err
	}
	defer m.recoverFatal(&err)
	return t.Locks(), nil
}

// AcquireRead grants txn a shared lock on iv or fails immediately.
func (m *Manager) AcquireRead(ctx context.Context, r *Resource, txn TxnID, iv interval.Interval) error {
	return m.acquire(ctx, "Manager.AcquireRead", r, txn, iv, Read)
}

// AcquireWrite grants txn an exclusive lock on iv or fails immediately.
func (m *Manager) AcquireWrite(ctx context.Context, r *Resource, txn TxnID, iv interval.Interval) error {
	return m.acquire(ctx, "Manager.AcquireWrite", r, txn, iv, Write)
}

// AcquirePointWrite grants txn an exclusive lock on a single key.
func (m *Manager) AcquirePointWrite(ctx context.Context, r *Resource, txn TxnID, key []byte) error {
	return m.acquire(ctx, "Manager.AcquirePointWrite", r, txn, interval.Single(interval.Key(key)), Write)
}

func (m *Manager) acquire(ctx context.Context, op string, r *Resource, txn TxnID, iv interval.Interval, mode Mode) (err error) {
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, op, trace.WithAttributes(
			attribute.Int64("locktree.txn", int64(txn)),
			attribute.String("locktree.mode", mode.String()),
			attribute.String("locktree.range", iv.String()),
		))
		if r != nil {
			span.SetAttributes(attribute.String("locktree.resource", string(r.id)))
		}
		defer func() {
			endSpan(span, err)
		}()
	}
	if err := m.check(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t, err := m.resolve(r)
	if err != nil {
		return err
	}
	defer m.recoverFatal(&err)
	if !t.cmp.Valid(iv) {
		return fmt.Errorf("%w: %v", lockerrors.ErrInvalidInterval, iv)
	}
	err = m.fail(m.acquireOn(ctx, t, &pendingLock{txn: txn, iv: iv, mode: mode}))
	m.count(mode, err)
	return err
}

// acquireOn runs the grant, escalate, retry sequence for one request. It
// never holds two table locks at once.
func (m *Manager) acquireOn(ctx context.Context, t *Table, req *pendingLock) error {
	done, err := m.tryGrant(ctx, t, req, true)
	if done {
		return err
	}

	escalated, err := m.escalateOthers(ctx, t)
	if err != nil {
		return err
	}
	done, err = m.tryGrant(ctx, t, req, false)
	if done {
		if err == nil {
			m.escalated(true)
		}
		return err
	}

	t.escalationAllowed.Store(false)
	for _, o := range escalated {
		o.escalationAllowed.Store(false)
	}
	m.escalated(false)
	m.logger.Warn("lock budget exhausted",
		zap.String("resource", string(t.id)),
		zap.Uint64("txn", uint64(req.txn)),
		zap.Stringer("mode", req.mode),
		zap.Int("tables_escalated", len(escalated)+1),
	)
	return fmt.Errorf("%w: %s lock %v on %q for txn %d",
		lockerrors.ErrOutOfResources, req.mode, req.iv, t.id, req.txn)
}

// tryGrant plans req against t and grants it when it fits the budget. With
// local set the table is escalated once before giving up. It reports done
// when the request was granted or denied for good.
func (m *Manager) tryGrant(ctx context.Context, t *Table, req *pendingLock, local bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped {
		return true, lockerrors.ErrUnknownResource
	}
	p, err := t.prepareLocked(req.txn, req.iv, req.mode)
	if err != nil {
		return true, err
	}
	if ok, err := m.grantLocked(t, p); ok || err != nil {
		return true, err
	}
	if !local {
		return false, nil
	}
	if !t.escalationAllowed.Load() {
		return true, fmt.Errorf("%w: escalation disabled on %q",
			lockerrors.ErrOutOfResources, t.id)
	}
	if err := m.escalateLocked(ctx, t, req); err != nil {
		return true, err
	}
	if p, err = t.prepareLocked(req.txn, req.iv, req.mode); err != nil {
		return true, err
	}
	ok, err := m.grantLocked(t, p)
	if ok {
		m.escalated(true)
	}
	return ok || err != nil, err
}

// grantLocked charges the budget for p and applies it. It reports false when
// p does not fit.
func (m *Manager) grantLocked(t *Table, p *plan) (bool, error) {
	if p.noop {
		return true, nil
	}
	ok, err := m.budget.charge(p.delta)
	if !ok || err != nil {
		return false, err
	}
	if err := t.applyLocked(p); err != nil {
		return false, err
	}
	m.track(p.txn, t)
	m.observeUsage()
	return true, nil
}

func (m *Manager) escalateLocked(ctx context.Context, t *Table, pending *pendingLock) (err error) {
	if m.traceEnabled {
		var span trace.Span
		_, span = tracer.Start(ctx, "Table.Escalate", trace.WithAttributes(
			attribute.String("locktree.resource", string(t.id)),
			attribute.String("locktree.policy", m.policy.String()),
		))
		defer func() {
			endSpan(span, err)
		}()
	}
	freed, err := t.escalateLocked(m.policy, pending)
	if err != nil {
		return err
	}
	if err := m.budget.release(freed); err != nil {
		return err
	}
	m.observeUsage()
	m.logger.Debug("table escalated",
		zap.String("resource", string(t.id)),
		zap.Stringer("policy", m.policy),
		zap.Int64("locks_freed", freed.Locks),
		zap.Int64("memory_freed", freed.Memory),
	)
	return nil
}

// escalateOthers escalates every table but target whose escalation is still
// allowed, one at a time, and returns the tables it escalated.
func (m *Manager) escalateOthers(ctx context.Context, target *Table) ([]*Table, error) {
	m.mu.RLock()
	others := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		if t != target {
			others = append(others, t)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(others, func(a, b *Table) int { return strings.Compare(string(a.id), string(b.id)) })

	var escalated []*Table
	for _, t := range others {
		if !t.escalationAllowed.Load() {
			continue
		}
		ok, err := m.escalateTable(ctx, t)
		if err != nil {
			return escalated, err
		}
		if ok {
			escalated = append(escalated, t)
		}
	}
	return escalated, nil
}

func (m *Manager) escalateTable(ctx context.Context, t *Table) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped {
		return false, nil
	}
	return true, m.escalateLocked(ctx, t, nil)
}

// UnlockTxn releases every lock txn holds on every resource. Escalation is
// allowed again on all tables when anything was released.
func (m *Manager) UnlockTxn(ctx context.Context, txn TxnID) (err error) {
	if m.traceEnabled {
		var span trace.Span
		_, span = tracer.Start(ctx, "Manager.UnlockTxn", trace.WithAttributes(
			attribute.Int64("locktree.txn", int64(txn)),
		))
		defer func() {
			endSpan(span, err)
		}()
	}
	if err := m.check(); err != nil {
		return err
	}
	defer m.recoverFatal(&err)

	tables := m.untrack(txn)
	var freed Usage
	for _, t := range tables {
		u, err := m.unlockTable(t, txn)
		if err != nil {
			return m.fail(err)
		}
		freed = freed.Add(u)
	}
	if freed.Locks > 0 {
		m.enableEscalation()
	}
	for _, t := range tables {
		m.dropIfUnused(t)
	}
	m.observeUsage()
	m.logger.Debug("transaction unlocked",
		zap.Uint64("txn", uint64(txn)),
		zap.Int("resources", len(tables)),
		zap.Int64("locks_freed", freed.Locks),
	)
	return nil
}

func (m *Manager) unlockTable(t *Table, txn TxnID) (Usage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, err := t.removeAllLocked(txn)
	if err != nil {
		return Usage{}, err
	}
	return u, m.budget.release(u)
}

func (m *Manager) enableEscalation() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tables {
		t.escalationAllowed.Store(true)
	}
}

// SetMaxLocks changes the record budget. It fails when n is not positive or
// below the records currently held.
func (m *Manager) SetMaxLocks(n int64) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.budget.setMaxLocks(n)
}

// SetMaxLockMemory changes the memory budget. It fails when n is not positive
// or below the memory currently accounted.
func (m *Manager) SetMaxLockMemory(n int64) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.budget.setMaxMemory(n)
}

// Close destroys every table and unregisters the manager's metrics. Later
// calls return ErrClosed.
func (m *Manager) Close() error {
	if !m.state.CompareAndSwap(stateNormal, stateClosed) {
		return m.check()
	}
	m.mu.Lock()
	for id, t := range m.tables {
		t.mu.Lock()
		t.dropped = true
		t.mu.Unlock()
		delete(m.tables, id)
	}
	m.mu.Unlock()
	m.txnMu.Lock()
	clear(m.txns)
	m.txnMu.Unlock()
	if m.metrics != nil {
		for _, c := range m.metrics.Collectors() {
			m.reg.Unregister(c)
		}
	}
	m.logger.Debug("lock manager closed")
	return nil
}

func (m *Manager) resolve(r *Resource) (*Table, error) {
	if r == nil || r.mgr != m || r.released.Load() {
		return nil, lockerrors.ErrUnknownResource
	}
	return r.table, nil
}

func (m *Manager) track(txn TxnID, t *Table) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	set, ok := m.txns[txn]
	if !ok {
		set = make(map[*Table]struct{})
		m.txns[txn] = set
	}
	set[t] = struct{}{}
}

func (m *Manager) untrack(txn TxnID) []*Table {
	m.txnMu.Lock()
	set := m.txns[txn]
	delete(m.txns, txn)
	m.txnMu.Unlock()
	tables := make([]*Table, 0, len(set))
	for t := range set {
		tables = append(tables, t)
	}
	slices.SortFunc(tables, func(a, b *Table) int { return strings.Compare(string(a.id), string(b.id)) })
	return tables
}

func (m *Manager) dropIfUnused(t *Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfUnusedLocked(t)
}

// dropIfUnusedLocked destroys t when nothing references it. m.mu must be
// held.
func (m *Manager) dropIfUnusedLocked(t *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped || t.refs > 0 || t.usage.Locks > 0 || m.tables[t.id] != t {
		return
	}
	t.dropped = true
	delete(m.tables, t.id)
	m.observeResourcesLocked()
	m.logger.Debug("resource destroyed", zap.String("resource", string(t.id)))
}

func (m *Manager) count(mode Mode, err error) {
	var c *atomic.Uint64
	var vec *prometheus.CounterVec
	switch {
	case err == nil:
		c = &m.stats.grants[mode]
		if m.metrics != nil {
			vec = m.metrics.Grants
		}
	case errors.Is(err, lockerrors.ErrConflict):
		c = &m.stats.conflicts[mode]
		if m.metrics != nil {
			vec = m.metrics.Conflicts
		}
	case errors.Is(err, lockerrors.ErrOutOfResources):
		c = &m.stats.outOfLocks[mode]
		if m.metrics != nil {
			vec = m.metrics.OutOfLocks
		}
	default:
		return
	}
	c.Add(1)
	if vec != nil {
		vec.WithLabelValues(mode.String()).Inc()
	}
}

func (m *Manager) escalated(ok bool) {
	result := "failure"
	if ok {
		result = "success"
		m.stats.escalationSuccesses.Add(1)
	} else {
		m.stats.escalationFailures.Add(1)
	}
	if m.metrics != nil {
		m.metrics.Escalations.WithLabelValues(result).Inc()
	}
}

func (m *Manager) observeUsage() {
	if m.metrics == nil {
		return
	}
	used, _, _ := m.budget.snapshot()
	m.metrics.Locks.Set(float64(used.Locks))
	m.metrics.Memory.Set(float64(used.Memory))
}

func (m *Manager) observeResourcesLocked() {
	if m.metrics != nil {
		m.metrics.Resources.Set(float64(len(m.tables)))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
