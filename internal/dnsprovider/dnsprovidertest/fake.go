// Package dnsprovidertest provides an in-memory dnsprovider.Provider for
// tests of the components that consume it (dns reconciler, reconciler).
package dnsprovidertest

import (
	"context"
	"sync"

	"github.com/wafflehacks/wafflemaker/internal/dnsprovider"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Fake is a mutex-guarded in-memory Provider. FailUpsert/FailDelete let
// tests force an error on the next N calls.
type Fake struct {
	mu         sync.Mutex
	Records    map[string]string
	FailUpsert int
	FailDelete int
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{Records: map[string]string{}}
}

func (f *Fake) Upsert(ctx context.Context, name, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailUpsert > 0 {
		f.FailUpsert--
		return wferrors.New(wferrors.KindTransient, "forced upsert failure")
	}
	f.Records[name] = target
	return nil
}

func (f *Fake) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDelete > 0 {
		f.FailDelete--
		return wferrors.New(wferrors.KindTransient, "forced delete failure")
	}
	delete(f.Records, name)
	return nil
}

var _ dnsprovider.Provider = (*Fake)(nil)
