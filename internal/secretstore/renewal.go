package secretstore

import (
	"context"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// DefaultSelfRenewInterval is how often the daemon's own secret-store
// session is renewed absent an explicit configuration, matching
// original_source/src/vault's 24-hour default.
const DefaultSelfRenewInterval = 24 * time.Hour

// TokenRenewer periodically renews the bearer token behind a Store's own
// session, independent of the per-lease renewals internal/lease.Manager
// drives for services' credentials.
type TokenRenewer struct {
	store    Store
	interval time.Duration
	logger   kitlog.Logger

	stop    chan struct{}
	stopped chan struct{}
}

// NewTokenRenewer builds a TokenRenewer over store, renewing every
// interval. Call Run to start it.
func NewTokenRenewer(store Store, interval time.Duration, logger kitlog.Logger) *TokenRenewer {
	if interval <= 0 {
		interval = DefaultSelfRenewInterval
	}
	return &TokenRenewer{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run drives the renewal loop until ctx is cancelled or Stop is called.
func (r *TokenRenewer) Run(ctx context.Context) {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.store.RenewSelf(ctx); err != nil {
				r.logger.Log("msg", "failed to renew secret store token", "err", err)
				continue
			}
			r.logger.Log("msg", "renewed secret store token")
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (r *TokenRenewer) Stop() {
	close(r.stop)
	<-r.stopped
}
