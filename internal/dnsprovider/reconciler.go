package dnsprovider

import (
	"context"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

const deleteRetries = 3

// Reconciler upserts or deletes a web-enabled service's DNS record,
// per spec §4.6.
type Reconciler struct {
	provider Provider
	logger   kitlog.Logger
}

// New builds a Reconciler over a Provider.
func New(provider Provider, logger kitlog.Logger) *Reconciler {
	return &Reconciler{provider: provider, logger: logger}
}

// Swap upserts name -> target. A failure does not prevent the caller's
// container from starting; it returns the error so the caller can surface
// it as a job warning instead of aborting.
func (r *Reconciler) Swap(ctx context.Context, name, target string) error {
	if err := r.provider.Upsert(ctx, name, target); err != nil {
		r.logger.Log("warning", "dns upsert failed", "name", name, "target", target, "err", err)
		return err
	}
	return nil
}

// Remove deletes name's record, retrying up to deleteRetries times before
// surfacing the final error, per spec §4.6.
func (r *Reconciler) Remove(ctx context.Context, name string) error {
	var err error
	for attempt := 0; attempt <= deleteRetries; attempt++ {
		if err = r.provider.Delete(ctx, name); err == nil {
			return nil
		}
		r.logger.Log("warning", "dns delete failed, retrying", "name", name, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return err
}
