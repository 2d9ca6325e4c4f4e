package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/notifier"
)

func TestDiscordSinkPostsAnEmbed(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notifier.NewDiscordSink(srv.URL, "acme/services", logging.New())
	sink.Notify(context.Background(), notifier.Event{
		Kind:      notifier.KindServiceUpdate,
		ServiceID: "app/api",
		State:     notifier.StateSuccess,
	})

	embeds, ok := received["embeds"].([]interface{})
	require.True(t, ok)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "Service update", embed["title"])
}

func TestGitHubSinkOnlyActsOnDeploymentEvents(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := notifier.NewGitHubSink("acme", "services", "tok", logging.New())
	sink.Notify(context.Background(), notifier.Event{Kind: notifier.KindServiceUpdate, ServiceID: "app/api", State: notifier.StateSuccess})

	assert.False(t, called)
}

type recordingSink struct {
	events []notifier.Event
}

func (r *recordingSink) Notify(ctx context.Context, event notifier.Event) {
	r.events = append(r.events, event)
}

func TestFanoutDispatchesToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	fanout := notifier.NewFanout(logging.New(), a, b)

	fanout.Notify(context.Background(), notifier.Event{
		Kind:      notifier.KindServiceDelete,
		ServiceID: "app/api",
		State:     notifier.StateFailure,
		Err:       errors.New("boom"),
	})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, "boom", a.events[0].Err.Error())
}

func TestNoopSinkDiscardsEvents(t *testing.T) {
	assert.NotPanics(t, func() {
		notifier.Noop{}.Notify(context.Background(), notifier.Event{})
	})
}
