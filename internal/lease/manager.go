// Package lease runs the background loop that renews dynamic secret-store
// credentials before they expire (spec §4.5).
package lease

import (
	"context"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/secretstore"
)

const (
	minPeriod = 30 * time.Second
	maxPeriod = 300 * time.Second
)

// tracked is the in-memory record for one outstanding lease.
type tracked struct {
	serviceID string
	ttl       time.Duration
	expires   time.Time
}

// Enqueuer schedules a Reconcile job for a service whose credentials need
// rebuilding after a failed renewal. It is satisfied by the JobQueue.
type Enqueuer interface {
	EnqueueReconcile(serviceID string)
}

// RenewalObserver records the outcome of a lease renewal attempt. It is
// satisfied by internal/metrics.LeaseMetrics; a noopObserver is wired by
// default so metrics remain optional.
type RenewalObserver interface {
	ObserveRenewal(err error)
}

type noopObserver struct{}

func (noopObserver) ObserveRenewal(err error) {}

// Manager is the lease renewal loop described in spec §4.5. Its in-memory
// index is guarded by a single mutex; Track/Untrack/RevokeAllForService/
// ListAll are safe to call from any goroutine.
type Manager struct {
	store    secretstore.Store
	registry registry.Registry
	queue    Enqueuer
	logger   kitlog.Logger
	observer RenewalObserver

	mu      sync.Mutex
	leases  map[string]tracked // lease id -> tracked
	stop    chan struct{}
	stopped chan struct{}
}

// New builds a Manager. Call Run to start its background loop and
// LoadFromRegistry to seed it with leases surviving a restart.
func New(store secretstore.Store, reg registry.Registry, queue Enqueuer, logger kitlog.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: reg,
		queue:    queue,
		logger:   logger,
		observer: noopObserver{},
		leases:   map[string]tracked{},
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// LoadFromRegistry rediscovers tracked leases from durable state, per spec
// §5's "rediscovered from the Registry at startup".
func (m *Manager) LoadFromRegistry(ctx context.Context) error {
	all, err := m.registry.ListAllLeases(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range all {
		ttl := time.Until(l.Expiration)
		if ttl < 0 {
			ttl = 0
		}
		m.leases[l.ID] = tracked{serviceID: l.ServiceID, ttl: ttl, expires: l.Expiration}
	}
	return nil
}

// TrackLease registers a newly issued lease, rejecting (and revoking) it if
// the service no longer exists.
func (m *Manager) TrackLease(ctx context.Context, l registry.Lease) error {
	if err := m.registry.TrackLease(ctx, l); err != nil {
		_ = m.store.RevokeLease(ctx, l.ID)
		return err
	}
	m.mu.Lock()
	m.leases[l.ID] = tracked{serviceID: l.ServiceID, ttl: time.Until(l.Expiration), expires: l.Expiration}
	m.mu.Unlock()
	return nil
}

// UntrackLease removes a lease from the index without revoking it; the
// caller owns the revoke decision (spec §4.5).
func (m *Manager) UntrackLease(ctx context.Context, serviceID, leaseID string) error {
	m.mu.Lock()
	delete(m.leases, leaseID)
	m.mu.Unlock()
	return m.registry.UntrackLease(ctx, serviceID, leaseID)
}

// Adopt registers an already-persisted lease in the renewal index without
// writing it to the Registry again. The Reconciler uses this after its own
// atomic commit has already inserted the row (spec §4.7 step 9).
func (m *Manager) Adopt(l registry.Lease) {
	m.mu.Lock()
	m.leases[l.ID] = tracked{serviceID: l.ServiceID, ttl: time.Until(l.Expiration), expires: l.Expiration}
	m.mu.Unlock()
}

// Revoke revokes a single lease at the secret store and drops it from the
// renewal index, without touching the Registry row — for callers that are
// about to remove that row themselves (rollback, retiring an old lease).
func (m *Manager) Revoke(ctx context.Context, leaseID string) error {
	m.mu.Lock()
	delete(m.leases, leaseID)
	m.mu.Unlock()
	return m.store.RevokeLease(ctx, leaseID)
}

// RevokeAllForService revokes and untracks every lease belonging to
// serviceID. Revoke failures are logged but never block the caller.
func (m *Manager) RevokeAllForService(ctx context.Context, serviceID string) {
	m.mu.Lock()
	var ids []string
	for id, t := range m.leases {
		if t.serviceID == serviceID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(m.leases, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.store.RevokeLease(ctx, id); err != nil {
			m.logger.Log("warning", "revoke lease failed", "lease_id", id, "service_id", serviceID, "err", err)
		}
		if err := m.registry.UntrackLease(ctx, serviceID, id); err != nil {
			m.logger.Log("warning", "untrack lease failed", "lease_id", id, "service_id", serviceID, "err", err)
		}
	}
}

// ListAll returns a consistent snapshot of every tracked lease.
func (m *Manager) ListAll() []registry.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Lease, 0, len(m.leases))
	for id, t := range m.leases {
		out = append(out, registry.Lease{ID: id, ServiceID: t.serviceID, Expiration: t.expires})
	}
	return out
}

// Run drives the renewal loop until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stopped)
	for {
		period := m.tickPeriod()
		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stop:
			timer.Stop()
			return
		case <-timer.C:
			m.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.stopped
}

func (m *Manager) tickPeriod() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.leases) == 0 {
		return minPeriod
	}
	min := time.Duration(0)
	for _, t := range m.leases {
		if min == 0 || t.ttl < min {
			min = t.ttl
		}
	}
	period := min / 2
	if period < minPeriod {
		period = minPeriod
	}
	if period > maxPeriod {
		period = maxPeriod
	}
	return period
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	due := make([]string, 0)
	for id, t := range m.leases {
		if t.ttl > 0 && time.Until(t.expires) < t.ttl/3 {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		m.renew(ctx, id)
	}
}

// SetObserver wires a RenewalObserver, typically internal/metrics.LeaseMetrics.
// Call before Run; the manager otherwise records nothing.
func (m *Manager) SetObserver(o RenewalObserver) {
	m.observer = o
}

// SetQueue wires the Enqueuer used to request a credential rebuild after a
// failed renewal. It exists because the Queue's Handler is the Reconciler,
// which itself needs the Manager as its LeaseTracker — breaking the
// construction cycle by letting New take a nil Enqueuer and wiring the
// real one once the Queue exists. Call before Run.
func (m *Manager) SetQueue(q Enqueuer) {
	m.queue = q
}

func (m *Manager) renew(ctx context.Context, leaseID string) {
	m.mu.Lock()
	t, ok := m.leases[leaseID]
	m.mu.Unlock()
	if !ok {
		return
	}

	newTTL, err := m.store.RenewLease(ctx, leaseID)
	m.observer.ObserveRenewal(err)
	if err != nil {
		m.logger.Log("warning", "lease renewal failed, rebuilding credentials", "lease_id", leaseID, "service_id", t.serviceID, "err", err)
		m.mu.Lock()
		delete(m.leases, leaseID)
		m.mu.Unlock()
		_ = m.registry.UntrackLease(ctx, t.serviceID, leaseID)
		m.queue.EnqueueReconcile(t.serviceID)
		return
	}

	expires := time.Now().Add(newTTL)
	m.mu.Lock()
	m.leases[leaseID] = tracked{serviceID: t.serviceID, ttl: newTTL, expires: expires}
	m.mu.Unlock()

	if err := m.registry.UpdateLeaseExpiration(ctx, leaseID, expires); err != nil {
		m.logger.Log("warning", "persist lease renewal failed", "lease_id", leaseID, "err", err)
	}
}
