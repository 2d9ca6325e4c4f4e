// Package management implements the bearer-token HTTP control surface
// (spec §6): inspect deployment/service/lease state and enqueue
// replan/reconcile/delete work, mirroring
// original_source/src/management's route layout but routed with
// gorilla/mux instead of warp filters.
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	kitlog "github.com/go-kit/kit/log"

	"github.com/wafflehacks/wafflemaker/internal/planner"
	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/spec"
	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

const maxBodyBytes = 64 * 1024

// Planner is the subset of internal/planner.Planner the deployments
// rerun route drives.
type Planner interface {
	Plan(ctx context.Context, before, after string) (*planner.Plan, error)
}

// Dispatcher is how a validated request hands off work, satisfied by
// internal/queue.Queue.
type Dispatcher interface {
	Enqueue(job queue.Job)
}

// HeadReader reports the local clone's current commit, satisfied by
// internal/gitsync.Checkout.
type HeadReader interface {
	Head() (string, error)
}

// LeaseTracker is the subset of lease.Manager the /leases routes drive:
// registering an externally issued lease and dropping one from the
// renewal index without touching the secret store (the caller already
// owns that side of the lease's lifecycle).
type LeaseTracker interface {
	TrackLease(ctx context.Context, l registry.Lease) error
	UntrackLease(ctx context.Context, serviceID, leaseID string) error
	ListAll() []registry.Lease
}

// Config carries the management plane's bearer token.
type Config struct {
	Token string
}

// Handlers wires the management routes to the Registry, Dispatcher,
// Planner, HeadReader, and LeaseTracker.
type Handlers struct {
	cfg      Config
	reg      registry.Registry
	planner  Planner
	dispatch Dispatcher
	head     HeadReader
	leases   LeaseTracker
	logger   kitlog.Logger
}

// New builds the management Handlers.
func New(cfg Config, reg registry.Registry, planner Planner, dispatch Dispatcher, head HeadReader, leases LeaseTracker, logger kitlog.Logger) *Handlers {
	return &Handlers{cfg: cfg, reg: reg, planner: planner, dispatch: dispatch, head: head, leases: leases, logger: logger}
}

// Router builds the mux.Router serving every management route, gated by
// the bearer-token middleware.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.authenticate)

	r.HandleFunc("/deployments", h.getDeployments).Methods(http.MethodGet)
	r.HandleFunc("/deployments", h.rerunDeployment).Methods(http.MethodPut)

	r.HandleFunc("/services", h.listServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{id:.+}", h.getService).Methods(http.MethodGet)
	r.HandleFunc("/services/{id:.+}", h.redeployService).Methods(http.MethodPut)
	r.HandleFunc("/services/{id:.+}", h.deleteService).Methods(http.MethodDelete)

	r.HandleFunc("/leases", h.listLeases).Methods(http.MethodGet)
	r.HandleFunc("/leases/{service:.+}", h.putLease).Methods(http.MethodPut)
	r.HandleFunc("/leases/{service:.+}", h.untrackLease).Methods(http.MethodDelete)

	return r
}

func (h *Handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		given := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(given), []byte(h.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Code: status, Message: message})
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case wferrors.Is(err, wferrors.KindNotFound):
		status = http.StatusNotFound
	case wferrors.Is(err, wferrors.KindParse):
		status = http.StatusBadRequest
	case wferrors.Is(err, wferrors.KindAuth):
		status = http.StatusUnauthorized
	case wferrors.Is(err, wferrors.KindConflict):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return nil, false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 64KiB")
		return nil, false
	}
	return body, true
}

type deploymentsResponse struct {
	Commit   string `json:"commit"`
	Services int    `json:"services"`
	Running  int    `json:"running"`
}

// getDeployments answers `GET /deployments`: the locally checked out
// commit, the number of declared services, and the number with a
// healthy or otherwise present container.
func (h *Handlers) getDeployments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	commit, err := h.head.Head()
	if err != nil {
		writeErr(w, err)
		return
	}
	services, err := h.reg.ListServices(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	containers, err := h.reg.ListContainers(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, deploymentsResponse{Commit: commit, Services: len(services), Running: len(containers)})
}

// rerunDeployment answers `PUT /deployments?before=<hash>`: replan from
// before to the locally checked out HEAD and enqueue the resulting jobs.
func (h *Handlers) rerunDeployment(w http.ResponseWriter, r *http.Request) {
	before := r.URL.Query().Get("before")

	current, err := h.head.Head()
	if err != nil {
		writeErr(w, err)
		return
	}

	plan, err := h.planner.Plan(r.Context(), before, current)
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, job := range plan.Jobs {
		h.dispatch.Enqueue(job)
	}

	w.WriteHeader(http.StatusNoContent)
}

// listServices answers `GET /services`: every declared service id.
func (h *Handlers) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.reg.ListServices(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	ids := make([]string, 0, len(services))
	for _, svc := range services {
		ids = append(ids, svc.ID)
	}
	writeJSON(w, ids)
}

type dependenciesResponse struct {
	Postgres bool `json:"postgres"`
	Redis    bool `json:"redis"`
}

type serviceResponse struct {
	Dependencies     dependenciesResponse `json:"dependencies"`
	Image            string               `json:"image"`
	AutomaticUpdates bool                 `json:"automatic_updates"`
	Domain           *string              `json:"domain"`
	DeploymentID     *string              `json:"deployment_id"`
}

// getService answers `GET /services/:id`: the service's declared
// configuration and its current runtime id, if any.
func (h *Handlers) getService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	svc, err := h.reg.GetService(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	var s spec.ServiceSpec
	if err := json.Unmarshal([]byte(svc.Spec), &s); err != nil {
		writeError(w, http.StatusInternalServerError, "stored service spec is corrupt")
		return
	}

	_, hasPostgres := s.Dependencies.Postgres.Resolve("", "")
	_, hasRedis := s.Dependencies.Redis.Resolve("")

	var deploymentID *string
	if c, err := h.reg.GetContainer(ctx, id); err == nil {
		deploymentID = &c.RuntimeID
	}

	writeJSON(w, serviceResponse{
		Dependencies:     dependenciesResponse{Postgres: hasPostgres, Redis: hasRedis},
		Image:            s.Image(),
		AutomaticUpdates: s.Docker.Update.Automatic,
		Domain:           svc.Domain,
		DeploymentID:     deploymentID,
	})
}

// redeployService answers `PUT /services/:id`: enqueue a Reconcile for
// the service's already-declared spec.
func (h *Handlers) redeployService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	svc, err := h.reg.GetService(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	var s spec.ServiceSpec
	if err := json.Unmarshal([]byte(svc.Spec), &s); err != nil {
		writeError(w, http.StatusInternalServerError, "stored service spec is corrupt")
		return
	}

	h.dispatch.Enqueue(queue.Job{Kind: queue.KindReconcile, ServiceID: id, Spec: &s})
	w.WriteHeader(http.StatusNoContent)
}

// deleteService answers `DELETE /services/:id`: enqueue a Delete.
func (h *Handlers) deleteService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.dispatch.Enqueue(queue.Job{Kind: queue.KindDelete, ServiceID: id})
	w.WriteHeader(http.StatusNoContent)
}

type httpLease struct {
	ID         string `json:"id"`
	TTLSeconds int64  `json:"ttl"`
}

type leasesResponse struct {
	Leases   map[string][]httpLease `json:"leases"`
	Services map[string]string      `json:"services"`
}

// listLeases answers `GET /leases`: every tracked lease grouped by
// service id, plus a service-name-to-id index (spec §6's current,
// service-name-keyed form).
func (h *Handlers) listLeases(w http.ResponseWriter, r *http.Request) {
	byService := map[string][]httpLease{}
	for _, l := range h.leases.ListAll() {
		byService[l.ServiceID] = append(byService[l.ServiceID], httpLease{
			ID:         l.ID,
			TTLSeconds: int64(time.Until(l.Expiration).Seconds()),
		})
	}

	services, err := h.reg.ListServices(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	names := make(map[string]string, len(services))
	for _, svc := range services {
		names[svc.ID] = svc.ID
	}

	writeJSON(w, leasesResponse{Leases: byService, Services: names})
}

type putLeaseRequest struct {
	ID         string `json:"id"`
	TTLSeconds int64  `json:"ttl"`
}

// putLease answers `PUT /leases/:service`: register an externally
// issued lease for renewal tracking.
func (h *Handlers) putLease(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req putLeaseRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be {id, ttl}")
		return
	}

	lease := registry.Lease{
		ID:         req.ID,
		ServiceID:  service,
		Expiration: time.Now().Add(time.Duration(req.TTLSeconds) * time.Second),
	}
	if err := h.leases.TrackLease(r.Context(), lease); err != nil {
		writeErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// untrackLease answers `DELETE /leases/:service?id=…`: stop tracking a
// lease without revoking it at the secret store — the caller manages
// that lease's lifecycle directly.
func (h *Handlers) untrackLease(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing required id query parameter")
		return
	}

	if err := h.leases.UntrackLease(r.Context(), service, id); err != nil {
		writeErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
