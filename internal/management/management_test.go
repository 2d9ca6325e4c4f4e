package management_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/wafflehacks/wafflemaker/internal/lease"
	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/management"
	"github.com/wafflehacks/wafflemaker/internal/planner"
	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/registry/registrytest"
	"github.com/wafflehacks/wafflemaker/internal/secretstore/secretstoretest"
	"github.com/wafflehacks/wafflemaker/internal/spec"
)

type stubHead struct {
	commit string
	err    error
}

func (h *stubHead) Head() (string, error) {
	return h.commit, h.err
}

type stubPlanner struct {
	before, after string
	plan          *planner.Plan
}

func (p *stubPlanner) Plan(ctx context.Context, before, after string) (*planner.Plan, error) {
	p.before, p.after = before, after
	return p.plan, nil
}

type stubDispatcher struct {
	jobs []queue.Job
}

func (d *stubDispatcher) Enqueue(job queue.Job) {
	d.jobs = append(d.jobs, job)
}

type stubEnqueuer struct{}

func (stubEnqueuer) EnqueueReconcile(serviceID string) {}

func seedService(t *testing.T, reg *registrytest.Fake, id string) {
	t.Helper()
	s := &spec.ServiceSpec{
		Docker:      spec.Docker{Image: "acme/api", Tag: "v1", Update: spec.AutoUpdate{Automatic: true}},
		Environment: map[string]string{},
		Secrets:     map[string]spec.SecretDecl{},
	}
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, reg.UpsertService(context.Background(), registry.Service{ID: id, Spec: datatypes.JSON(raw)}))
}

func newHarness(t *testing.T) (*management.Handlers, *registrytest.Fake, *stubDispatcher, *lease.Manager) {
	reg := registrytest.New()
	store := secretstoretest.New()
	leases := lease.New(store, reg, stubEnqueuer{}, logging.New())
	dispatcher := &stubDispatcher{}
	head := &stubHead{commit: "deadbeef"}
	plan := &stubPlanner{plan: &planner.Plan{}}

	h := management.New(management.Config{Token: "s3cr3t"}, reg, plan, dispatcher, head, leases, logging.New())
	return h, reg, dispatcher, leases
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer s3cr3t")
	return req
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	h, _, _, _ := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()

	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetDeploymentsReportsCommitAndCounts(t *testing.T) {
	h, reg, _, _ := newHarness(t)
	seedService(t, reg, "app/api")
	reg.PutContainer(registry.Container{ServiceID: "app/api", RuntimeID: "abc123", Status: registry.StatusHealthy})

	req := authed(httptest.NewRequest(http.MethodGet, "/deployments", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Commit   string `json:"commit"`
		Services int    `json:"services"`
		Running  int    `json:"running"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "deadbeef", body.Commit)
	assert.Equal(t, 1, body.Services)
	assert.Equal(t, 1, body.Running)
}

func TestListServicesReturnsIDs(t *testing.T) {
	h, reg, _, _ := newHarness(t)
	seedService(t, reg, "app/api")
	seedService(t, reg, "app/worker")

	req := authed(httptest.NewRequest(http.MethodGet, "/services", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.ElementsMatch(t, []string{"app/api", "app/worker"}, ids)
}

func TestGetUnknownServiceReturns404(t *testing.T) {
	h, _, _, _ := newHarness(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/services/app/missing", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, http.StatusNotFound, envelope.Code)
}

func TestRedeployServiceEnqueuesReconcile(t *testing.T) {
	h, reg, dispatcher, _ := newHarness(t)
	seedService(t, reg, "app/api")

	req := authed(httptest.NewRequest(http.MethodPut, "/services/app/api", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, queue.KindReconcile, dispatcher.jobs[0].Kind)
	assert.Equal(t, "app/api", dispatcher.jobs[0].ServiceID)
}

func TestDeleteServiceEnqueuesDelete(t *testing.T) {
	h, _, dispatcher, _ := newHarness(t)

	req := authed(httptest.NewRequest(http.MethodDelete, "/services/app/api", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, queue.KindDelete, dispatcher.jobs[0].Kind)
}

func TestPutLeaseTracksItForRenewal(t *testing.T) {
	h, reg, _, leases := newHarness(t)
	seedService(t, reg, "app/api")

	body, err := json.Marshal(map[string]interface{}{"id": "lease-1", "ttl": 3600})
	require.NoError(t, err)
	req := authed(httptest.NewRequest(http.MethodPut, "/leases/app/api", bytes.NewReader(body)))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	all := leases.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, "lease-1", all[0].ID)
}

func TestUntrackLeaseRequiresIDParameter(t *testing.T) {
	h, _, _, _ := newHarness(t)

	req := authed(httptest.NewRequest(http.MethodDelete, "/leases/app/api", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRerunDeploymentEnqueuesPlannedJobs(t *testing.T) {
	reg := registrytest.New()
	leases := lease.New(secretstoretest.New(), reg, stubEnqueuer{}, logging.New())
	dispatcher := &stubDispatcher{}
	planned := []queue.Job{
		{Kind: queue.KindDelete, ServiceID: "app/old"},
		{Kind: queue.KindReconcile, ServiceID: "app/api"},
	}
	plan := &stubPlanner{plan: &planner.Plan{Jobs: planned}}
	h := management.New(management.Config{Token: "s3cr3t"}, reg, plan, dispatcher, &stubHead{commit: "deadbeef"}, leases, logging.New())

	req := authed(httptest.NewRequest(http.MethodPut, "/deployments?before=aaa", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "aaa", plan.before)
	assert.Equal(t, "deadbeef", plan.after)
	assert.Equal(t, planned, dispatcher.jobs)
}
