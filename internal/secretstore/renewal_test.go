package secretstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/secretstore"
	"github.com/wafflehacks/wafflemaker/internal/secretstore/secretstoretest"
)

// countingRenewer wraps secretstoretest.Fake to count RenewSelf calls and
// optionally fail them, since the Fake's own RenewSelf is a bare no-op.
type countingRenewer struct {
	*secretstoretest.Fake
	mu     sync.Mutex
	calls  int
	failAt int // RenewSelf fails on calls <= failAt, 0 disables
}

func (c *countingRenewer) RenewSelf(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failAt > 0 && c.calls <= c.failAt {
		return errors.New("renew-self failed")
	}
	return nil
}

func (c *countingRenewer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newCountingRenewer() *countingRenewer {
	return &countingRenewer{Fake: secretstoretest.New()}
}

func TestTokenRenewerRenewsOnEveryTick(t *testing.T) {
	store := newCountingRenewer()
	r := secretstore.NewTokenRenewer(store, 10*time.Millisecond, logging.New())

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	require.Eventually(t, func() bool { return store.count() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	r.Stop()
}

func TestTokenRenewerStopHaltsTheLoop(t *testing.T) {
	store := newCountingRenewer()
	r := secretstore.NewTokenRenewer(store, 5*time.Millisecond, logging.New())

	go r.Run(context.Background())
	require.Eventually(t, func() bool { return store.count() >= 1 }, time.Second, 5*time.Millisecond)

	r.Stop()
	after := store.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, store.count())
}

func TestTokenRenewerSurvivesFailedRenewals(t *testing.T) {
	store := newCountingRenewer()
	store.failAt = 2
	r := secretstore.NewTokenRenewer(store, 5*time.Millisecond, logging.New())

	go r.Run(context.Background())
	require.Eventually(t, func() bool { return store.count() >= 4 }, time.Second, 5*time.Millisecond)

	r.Stop()
}
