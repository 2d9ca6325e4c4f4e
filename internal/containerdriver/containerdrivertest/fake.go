// Package containerdrivertest provides an in-memory containerdriver.Driver
// for tests of the components that consume it (reconciler).
package containerdrivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wafflehacks/wafflemaker/internal/containerdriver"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

type container struct {
	spec    containerdriver.CreateSpec
	running bool
	health  containerdriver.Health
}

// Fake is a mutex-guarded in-memory Driver. HealthOverrides lets tests
// script a container's Inspect result by id.
type Fake struct {
	mu              sync.Mutex
	containers      map[string]*container
	next            int
	PulledImages    []string
	HealthOverrides map[string]containerdriver.Health
	FailPull        bool
	FailStart       bool
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{
		containers:      map[string]*container{},
		HealthOverrides: map[string]containerdriver.Health{},
	}
}

func (f *Fake) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPull {
		return wferrors.New(wferrors.KindTransient, "forced pull failure")
	}
	f.PulledImages = append(f.PulledImages, image)
	return nil
}

func (f *Fake) Create(ctx context.Context, spec containerdriver.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("fake-%d", f.next)
	f.containers[id] = &container{spec: spec}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart {
		return wferrors.New(wferrors.KindTransient, "forced start failure")
	}
	c, ok := f.containers[id]
	if !ok {
		return wferrors.New(wferrors.KindNotFound, "container "+id+" not found")
	}
	c.running = true
	return nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (containerdriver.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.HealthOverrides[id]; ok {
		return h, nil
	}
	c, ok := f.containers[id]
	if !ok {
		return containerdriver.Health{}, wferrors.New(wferrors.KindNotFound, "container "+id+" not found")
	}
	return containerdriver.Health{Running: c.running}, nil
}

func (f *Fake) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

var _ containerdriver.Driver = (*Fake)(nil)
