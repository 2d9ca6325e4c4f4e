package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/planner"
	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/spec"
	"github.com/wafflehacks/wafflemaker/internal/webhook"
)

type stubPuller struct {
	called bool
	err    error
}

func (p *stubPuller) Pull(ctx context.Context, cloneURL, ref, commit string) error {
	p.called = true
	return p.err
}

type stubPlanner struct {
	before, after string
	plan          *planner.Plan
	err           error
}

func (p *stubPlanner) Plan(ctx context.Context, before, after string) (*planner.Plan, error) {
	p.before, p.after = before, after
	return p.plan, p.err
}

type stubDispatcher struct {
	jobs []queue.Job
}

func (d *stubDispatcher) Enqueue(job queue.Job) {
	d.jobs = append(d.jobs, job)
}

type stubServices struct {
	services []registry.Service
}

func (s *stubServices) ListServices(ctx context.Context) ([]registry.Service, error) {
	return s.services, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubPingIsAcknowledged(t *testing.T) {
	puller := &stubPuller{}
	plan := &stubPlanner{}
	dispatcher := &stubDispatcher{}
	h := webhook.New(webhook.Config{GitHubSecret: "s3cr3t"}, puller, plan, dispatcher, &stubServices{}, logging.New())

	body := []byte(`{"zen":"Responsive is better than fast.","hook_id":123}`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	h.GitHub(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, puller.called)
}

func TestGitHubPushTriggersPullAndPlan(t *testing.T) {
	puller := &stubPuller{}
	dispatcher := &stubDispatcher{}
	plan := &stubPlanner{plan: &planner.Plan{
		Jobs: []queue.Job{{Kind: queue.KindReconcile, ServiceID: "app/api"}},
	}}
	h := webhook.New(webhook.Config{GitHubSecret: "s3cr3t", RepositoryName: "acme/services", BranchSuffix: "refs/heads/main"}, puller, plan, dispatcher, &stubServices{}, logging.New())

	body := []byte(`{"ref":"refs/heads/main","before":"aaa","after":"bbb","repository":{"full_name":"acme/services","clone_url":"https://example.com/acme/services.git"}}`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	h.GitHub(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, puller.called)
	assert.Equal(t, "aaa", plan.before)
	assert.Equal(t, "bbb", plan.after)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, "app/api", dispatcher.jobs[0].ServiceID)
}

func TestGitHubRejectsBadSignature(t *testing.T) {
	h := webhook.New(webhook.Config{GitHubSecret: "s3cr3t"}, &stubPuller{}, &stubPlanner{}, &stubDispatcher{}, &stubServices{}, logging.New())

	body := []byte(`{"zen":"x","hook_id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=0000")
	rec := httptest.NewRecorder()

	h.GitHub(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGitHubRejectsWrongRepository(t *testing.T) {
	h := webhook.New(webhook.Config{GitHubSecret: "s3cr3t", RepositoryName: "acme/services"}, &stubPuller{}, &stubPlanner{}, &stubDispatcher{}, &stubServices{}, logging.New())

	body := []byte(`{"ref":"refs/heads/main","before":"aaa","after":"bbb","repository":{"full_name":"someone-else/other","clone_url":"x"}}`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	h.GitHub(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGitHubRejectsOversizedBody(t *testing.T) {
	h := webhook.New(webhook.Config{GitHubSecret: "s3cr3t"}, &stubPuller{}, &stubPlanner{}, &stubDispatcher{}, &stubServices{}, logging.New())

	body := bytes.Repeat([]byte("a"), 64*1024+1)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	h.GitHub(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDockerRejectsWrongCredentials(t *testing.T) {
	h := webhook.New(webhook.Config{DockerUser: "hub", DockerPassword: "hook"}, &stubPuller{}, &stubPlanner{}, &stubDispatcher{}, &stubServices{}, logging.New())

	req := httptest.NewRequest(http.MethodPost, "/docker", bytes.NewReader([]byte(`{}`)))
	req.SetBasicAuth("hub", "wrong")
	rec := httptest.NewRecorder()

	h.Docker(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDockerReconcilesMatchingAutomaticServices(t *testing.T) {
	s := &spec.ServiceSpec{
		Docker: spec.Docker{
			Image:  "acme/api",
			Tag:    "v1",
			Update: spec.AutoUpdate{Automatic: true, AdditionalTags: []string{"v*"}},
		},
		Environment: map[string]string{},
		Secrets:     map[string]spec.SecretDecl{},
	}
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	services := &stubServices{services: []registry.Service{
		{ID: "app/api", Spec: datatypes.JSON(raw)},
	}}
	dispatcher := &stubDispatcher{}
	h := webhook.New(webhook.Config{DockerUser: "hub", DockerPassword: "hook"}, &stubPuller{}, &stubPlanner{}, dispatcher, services, logging.New())

	body := []byte(`{"callback_url":"https://hub.docker.com/cb","push_data":{"tag":"v2"},"repository":{"repo_name":"acme/api"}}`)
	req := httptest.NewRequest(http.MethodPost, "/docker", bytes.NewReader(body))
	req.SetBasicAuth("hub", "hook")
	rec := httptest.NewRecorder()

	h.Docker(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, "app/api", dispatcher.jobs[0].ServiceID)
	assert.Equal(t, "v2", dispatcher.jobs[0].Spec.Docker.Tag)
}

func TestDockerSkipsServicesWithoutAutomaticUpdates(t *testing.T) {
	s := &spec.ServiceSpec{
		Docker:      spec.Docker{Image: "acme/api", Tag: "v1"},
		Environment: map[string]string{},
		Secrets:     map[string]spec.SecretDecl{},
	}
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	services := &stubServices{services: []registry.Service{
		{ID: "app/api", Spec: datatypes.JSON(raw)},
	}}
	dispatcher := &stubDispatcher{}
	h := webhook.New(webhook.Config{DockerUser: "hub", DockerPassword: "hook"}, &stubPuller{}, &stubPlanner{}, dispatcher, services, logging.New())

	body := []byte(`{"callback_url":"https://hub.docker.com/cb","push_data":{"tag":"v2"},"repository":{"repo_name":"acme/api"}}`)
	req := httptest.NewRequest(http.MethodPost, "/docker", bytes.NewReader(body))
	req.SetBasicAuth("hub", "hook")
	rec := httptest.NewRecorder()

	h.Docker(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, dispatcher.jobs)
}
