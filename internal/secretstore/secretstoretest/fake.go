// Package secretstoretest provides an in-memory secretstore.Store for
// tests of the components that consume it (secret resolver, lease manager).
package secretstoretest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wafflehacks/wafflemaker/internal/secretstore"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Fake is a single-process, mutex-guarded secretstore.Store. Dynamic
// credentials are minted from Issuers registered per engine/role.
type Fake struct {
	mu      sync.Mutex
	kv      map[string][]byte
	leases  map[string]time.Duration
	Issuers map[string]func() map[string]string // key is "engine/role"
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{
		kv:      map[string][]byte{},
		leases:  map[string]time.Duration{},
		Issuers: map[string]func() map[string]string{},
	}
}

func (f *Fake) ReadJSON(ctx context.Context, path string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.kv[path]
	if !ok {
		return wferrors.New(wferrors.KindNotFound, "secret "+path+" not found")
	}
	return json.Unmarshal(raw, out)
}

func (f *Fake) WriteJSON(ctx context.Context, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[path] = raw
	return nil
}

func (f *Fake) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, path)
	return nil
}

func (f *Fake) DeleteTree(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.kv {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.kv, k)
		}
	}
	return nil
}

func (f *Fake) IssueDynamic(ctx context.Context, engine, role string) (secretstore.DynamicSecret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.Issuers[engine+"/"+role]
	if !ok {
		return secretstore.DynamicSecret{}, wferrors.New(wferrors.KindNotFound, "no issuer registered for "+engine+"/"+role)
	}
	id := uuid.New().String()
	f.leases[id] = time.Hour
	return secretstore.DynamicSecret{
		LeaseID: id,
		TTL:     time.Hour,
		Data:    issue(),
	}, nil
}

func (f *Fake) RenewLease(ctx context.Context, leaseID string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ttl, ok := f.leases[leaseID]
	if !ok {
		return 0, wferrors.New(wferrors.KindNotFound, "lease "+leaseID+" not found")
	}
	return ttl, nil
}

func (f *Fake) RevokeLease(ctx context.Context, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, leaseID)
	return nil
}

// RenewSelf is a no-op: the Fake has no session of its own to expire.
func (f *Fake) RenewSelf(ctx context.Context) error {
	return nil
}

var _ secretstore.Store = (*Fake)(nil)
