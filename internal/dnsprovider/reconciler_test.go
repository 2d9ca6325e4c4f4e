package dnsprovider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/dnsprovider"
	"github.com/wafflehacks/wafflemaker/internal/dnsprovider/dnsprovidertest"
	"github.com/wafflehacks/wafflemaker/internal/logging"
)

func TestSwapUpsertsRecord(t *testing.T) {
	fake := dnsprovidertest.New()
	r := dnsprovider.New(fake, logging.New())

	require.NoError(t, r.Swap(context.Background(), "api.example.com", "10.0.0.1"))
	assert.Equal(t, "10.0.0.1", fake.Records["api.example.com"])
}

func TestSwapReturnsErrorWithoutPanicking(t *testing.T) {
	fake := dnsprovidertest.New()
	fake.FailUpsert = 1
	r := dnsprovider.New(fake, logging.New())

	err := r.Swap(context.Background(), "api.example.com", "10.0.0.1")
	assert.Error(t, err)
}

func TestRemoveRetriesUntilSuccess(t *testing.T) {
	fake := dnsprovidertest.New()
	fake.Records["api.example.com"] = "10.0.0.1"
	fake.FailDelete = 2
	r := dnsprovider.New(fake, logging.New())

	require.NoError(t, r.Remove(context.Background(), "api.example.com"))
	_, exists := fake.Records["api.example.com"]
	assert.False(t, exists)
}

func TestRemoveSurfacesErrorAfterExhaustingRetries(t *testing.T) {
	fake := dnsprovidertest.New()
	fake.Records["api.example.com"] = "10.0.0.1"
	fake.FailDelete = 10
	r := dnsprovider.New(fake, logging.New())

	err := r.Remove(context.Background(), "api.example.com")
	assert.Error(t, err)
}
