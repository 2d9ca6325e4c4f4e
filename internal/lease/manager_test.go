package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/lease"
	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/registry/registrytest"
	"github.com/wafflehacks/wafflemaker/internal/secretstore/secretstoretest"
)

type fakeEnqueuer struct {
	enqueued []string
}

func (f *fakeEnqueuer) EnqueueReconcile(serviceID string) {
	f.enqueued = append(f.enqueued, serviceID)
}

func TestTrackLeaseRejectsUnknownService(t *testing.T) {
	reg := registrytest.New()
	store := secretstoretest.New()
	m := lease.New(store, reg, &fakeEnqueuer{}, logging.New())

	err := m.TrackLease(context.Background(), registry.Lease{ID: "lease-1", ServiceID: "app/api", Expiration: time.Now().Add(time.Hour)})
	assert.Error(t, err)
	assert.Empty(t, m.ListAll())
}

func TestTrackLeaseSucceedsForKnownService(t *testing.T) {
	reg := registrytest.New()
	require.NoError(t, reg.UpsertService(context.Background(), registry.Service{ID: "app/api"}))
	store := secretstoretest.New()
	m := lease.New(store, reg, &fakeEnqueuer{}, logging.New())

	err := m.TrackLease(context.Background(), registry.Lease{ID: "lease-1", ServiceID: "app/api", Expiration: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, m.ListAll(), 1)
}

func TestRevokeAllForServiceClearsIndex(t *testing.T) {
	reg := registrytest.New()
	require.NoError(t, reg.UpsertService(context.Background(), registry.Service{ID: "app/api"}))
	store := secretstoretest.New()
	m := lease.New(store, reg, &fakeEnqueuer{}, logging.New())

	require.NoError(t, m.TrackLease(context.Background(), registry.Lease{ID: "lease-1", ServiceID: "app/api", Expiration: time.Now().Add(time.Hour)}))
	require.NoError(t, m.TrackLease(context.Background(), registry.Lease{ID: "lease-2", ServiceID: "app/api", Expiration: time.Now().Add(time.Hour)}))

	m.RevokeAllForService(context.Background(), "app/api")
	assert.Empty(t, m.ListAll())
}

func TestLoadFromRegistrySeedsIndex(t *testing.T) {
	reg := registrytest.New()
	require.NoError(t, reg.UpsertService(context.Background(), registry.Service{ID: "app/api"}))
	require.NoError(t, reg.TrackLease(context.Background(), registry.Lease{ID: "lease-1", ServiceID: "app/api", Expiration: time.Now().Add(time.Hour)}))

	store := secretstoretest.New()
	m := lease.New(store, reg, &fakeEnqueuer{}, logging.New())
	require.NoError(t, m.LoadFromRegistry(context.Background()))
	assert.Len(t, m.ListAll(), 1)
}
