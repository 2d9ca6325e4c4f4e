// Package registrytest provides an in-memory registry.Registry for tests
// of the components that consume it (lease manager, reconciler, management).
package registrytest

import (
	"context"
	"sync"
	"time"

	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Fake is a single-process, mutex-guarded Registry.
type Fake struct {
	mu         sync.Mutex
	commit     string
	deployment []registry.Change
	services   map[string]registry.Service
	containers map[string]registry.Container
	leases     map[string]registry.Lease // keyed by lease id
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{
		services:   map[string]registry.Service{},
		containers: map[string]registry.Container{},
		leases:     map[string]registry.Lease{},
	}
}

func (f *Fake) LastCommit(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commit, nil
}

func (f *Fake) RecordDeployment(ctx context.Context, commit string, changes []registry.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commit = commit
	f.deployment = changes
	return nil
}

func (f *Fake) UpsertService(ctx context.Context, svc registry.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[svc.ID] = svc
	return nil
}

func (f *Fake) GetService(ctx context.Context, id string) (*registry.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[id]
	if !ok {
		return nil, wferrors.New(wferrors.KindNotFound, "service "+id+" not found")
	}
	return &svc, nil
}

func (f *Fake) ListServices(ctx context.Context) ([]registry.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Service, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, svc)
	}
	return out, nil
}

func (f *Fake) DeleteService(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, id)
	return nil
}

func (f *Fake) GetContainer(ctx context.Context, serviceID string) (*registry.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[serviceID]
	if !ok {
		return nil, wferrors.New(wferrors.KindNotFound, "container for "+serviceID+" not found")
	}
	return &c, nil
}

// PutContainer is a test-only helper to seed a prior container.
func (f *Fake) PutContainer(c registry.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[c.ServiceID] = c
}

func (f *Fake) ListContainers(ctx context.Context) ([]registry.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) ListLeasesForService(ctx context.Context, serviceID string) ([]registry.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.Lease
	for _, l := range f.leases {
		if l.ServiceID == serviceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *Fake) ListAllLeases(ctx context.Context) ([]registry.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Lease, 0, len(f.leases))
	for _, l := range f.leases {
		out = append(out, l)
	}
	return out, nil
}

func (f *Fake) TrackLease(ctx context.Context, lease registry.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[lease.ServiceID]; !ok {
		return wferrors.New(wferrors.KindNotFound, "cannot track lease for unknown service "+lease.ServiceID)
	}
	f.leases[lease.ID] = lease
	return nil
}

func (f *Fake) UntrackLease(ctx context.Context, serviceID, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, leaseID)
	return nil
}

func (f *Fake) UpdateLeaseExpiration(ctx context.Context, leaseID string, expiration time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[leaseID]
	if !ok {
		return wferrors.New(wferrors.KindNotFound, "lease "+leaseID+" not found")
	}
	l.Expiration = expiration
	f.leases[leaseID] = l
	return nil
}

func (f *Fake) CommitReconcile(ctx context.Context, container registry.Container, newLeases []registry.Lease, retiredLeaseIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[container.ServiceID] = container
	for _, l := range newLeases {
		f.leases[l.ID] = l
	}
	for _, id := range retiredLeaseIDs {
		delete(f.leases, id)
	}
	return nil
}

func (f *Fake) CommitDelete(ctx context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, serviceID)
	delete(f.services, serviceID)
	for id, l := range f.leases {
		if l.ServiceID == serviceID {
			delete(f.leases, id)
		}
	}
	return nil
}

var _ registry.Registry = (*Fake)(nil)
