// Package locks serializes remediation per target resource key. A lock is
// held for the duration of one execution attempt chain; waiters queue up to a
// bounded depth, and leases expire so a crashed holder cannot wedge a key.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull signals that the per-key wait queue is at capacity; callers
// coalesce the incident into an already-queued one instead of waiting.
var ErrQueueFull = errors.New("lock queue full")

const (
	defaultLeaseTTL   = 5 * time.Minute
	defaultQueueDepth = 10
)

type waiter struct {
	holder string
	grant  chan *Lock
}

type lockState struct {
	holder  string
	expires time.Time
	queue   []*waiter
}

// Manager owns the lock table. It is the only shared mutable structure in the
// engine requiring synchronization.
type Manager struct {
	mu         sync.Mutex
	logger     *slog.Logger
	leaseTTL   time.Duration
	queueDepth int
	table      map[string]*lockState
}

// NewManager builds a lock manager with the given lease TTL and queue depth;
// non-positive values fall back to defaults.
func NewManager(logger *slog.Logger, leaseTTL time.Duration, queueDepth int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Manager{
		logger:     logger,
		leaseTTL:   leaseTTL,
		queueDepth: queueDepth,
		table:      make(map[string]*lockState),
	}
}

// Lock is a scoped guard over one resource key. Release is idempotent.
type Lock struct {
	manager *Manager
	key     string
	holder  string

	mu       sync.Mutex
	released bool
}

// Key returns the guarded resource key.
func (l *Lock) Key() string { return l.key }

// Acquire obtains the lock for key, waiting in FIFO order behind the current
// holder. It fails with ErrQueueFull when the wait queue is at depth, and
// with ctx.Err() if the caller gives up. An expired lease is reclaimed
// immediately.
func (m *Manager) Acquire(ctx context.Context, key, holder string) (*Lock, error) {
	m.mu.Lock()

	state, held := m.table[key]
	if !held {
		m.table[key] = &lockState{holder: holder, expires: time.Now().Add(m.leaseTTL)}
		m.mu.Unlock()
		return &Lock{manager: m, key: key, holder: holder}, nil
	}

	if time.Now().After(state.expires) && len(state.queue) == 0 {
		m.logger.Warn("reclaiming expired lock lease",
			slog.String("resource_key", key),
			slog.String("stale_holder", state.holder))
		state.holder = holder
		state.expires = time.Now().Add(m.leaseTTL)
		m.mu.Unlock()
		return &Lock{manager: m, key: key, holder: holder}, nil
	}

	if len(state.queue) >= m.queueDepth {
		m.mu.Unlock()
		return nil, fmt.Errorf("resource %s: %w", key, ErrQueueFull)
	}

	w := &waiter{holder: holder, grant: make(chan *Lock, 1)}
	state.queue = append(state.queue, w)
	m.mu.Unlock()

	select {
	case lock := <-w.grant:
		return lock, nil
	case <-ctx.Done():
		m.removeWaiter(key, w)
		// The grant may have raced the cancellation; release it if so.
		select {
		case lock := <-w.grant:
			lock.Release()
		default:
		}
		return nil, ctx.Err()
	}
}

// Release hands the lock to the next queued waiter, or clears the table
// entry when nobody is waiting.
func (l *Lock) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.manager.release(l.key, l.holder)
}

// Extend renews the lease while a long attempt is still making progress.
func (l *Lock) Extend() {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.table[l.key]; ok && state.holder == l.holder {
		state.expires = time.Now().Add(m.leaseTTL)
	}
}

func (m *Manager) release(key, holder string) {
	m.mu.Lock()
	state, ok := m.table[key]
	if !ok || state.holder != holder {
		// A stale holder whose expired lease was reclaimed must not free
		// the current holder's lock.
		m.mu.Unlock()
		return
	}
	if len(state.queue) == 0 {
		delete(m.table, key)
		m.mu.Unlock()
		return
	}

	next := state.queue[0]
	state.queue = state.queue[1:]
	state.holder = next.holder
	state.expires = time.Now().Add(m.leaseTTL)
	m.mu.Unlock()

	next.grant <- &Lock{manager: m, key: key, holder: next.holder}
}

func (m *Manager) removeWaiter(key string, target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.table[key]
	if !ok {
		return
	}
	for i, w := range state.queue {
		if w == target {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			return
		}
	}
}

// QueueLen reports how many acquirers are waiting on key.
func (m *Manager) QueueLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.table[key]; ok {
		return len(state.queue)
	}
	return 0
}

// Held reports whether key is currently locked.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.table[key]
	return ok
}

// Run sweeps expired leases until ctx is cancelled, so waiters behind a
// crashed holder are granted the lock instead of hanging until the next
// Acquire call touches the key.
func (m *Manager) Run(ctx context.Context) {
	interval := m.leaseTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	type expiredLease struct {
		key    string
		holder string
	}
	var expired []expiredLease
	m.mu.Lock()
	for key, state := range m.table {
		if now.After(state.expires) && len(state.queue) > 0 {
			expired = append(expired, expiredLease{key: key, holder: state.holder})
		}
	}
	m.mu.Unlock()

	for _, lease := range expired {
		m.logger.Warn("expiring stale lock lease", slog.String("resource_key", lease.key))
		m.release(lease.key, lease.holder)
	}
}
