// Package webhook adapts the two inbound push notifications (spec §6)
// into Planner and Reconciler work: a source-repository push, validated
// by an HMAC-SHA256 signature, and an image-registry push, validated by
// HTTP Basic auth. Both handlers are grounded in spirit on
// services/agent.AgentCommunication's bearer-token HTTP surface — the
// validators themselves are ported from
// original_source/src/webhooks/validators.rs, which has nothing
// resembling either beyond "check a header before doing work".
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	kitlog "github.com/go-kit/kit/log"

	"github.com/wafflehacks/wafflemaker/internal/planner"
	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/spec"
)

const maxBodyBytes = 64 * 1024

// Planner is the subset of internal/planner.Planner the github handler
// drives: diff before..after into a job list, and hand it off.
type Planner interface {
	Plan(ctx context.Context, before, after string) (*planner.Plan, error)
}

// Dispatcher is how a validated webhook hands off work, satisfied by
// internal/queue.Queue.
type Dispatcher interface {
	Enqueue(job queue.Job)
}

// Puller fast-forwards the local clone before a Planner run, satisfied by
// whatever wraps go-git in the daemon's wiring layer.
type Puller interface {
	Pull(ctx context.Context, cloneURL, ref, commit string) error
}

// Config carries the shared secrets the two webhook handlers validate
// against.
type Config struct {
	GitHubSecret      string
	DockerUser        string
	DockerPassword    string
	RepositoryName    string
	BranchSuffix      string // reference must end in "refs/heads/<branch>"
}

// Handlers wires the validated webhook bodies to the Planner/Dispatcher.
type Handlers struct {
	cfg        Config
	puller     Puller
	planner    Planner
	dispatcher Dispatcher
	services   ServiceLister
	logger     kitlog.Logger
}

// ServiceLister is the subset of registry.Registry the image-update
// trigger needs: every currently declared service, to test against the
// pushed (repository, tag) pair (spec §4.7).
type ServiceLister interface {
	ListServices(ctx context.Context) ([]registry.Service, error)
}

// New builds the webhook Handlers.
func New(cfg Config, puller Puller, planner Planner, dispatcher Dispatcher, services ServiceLister, logger kitlog.Logger) *Handlers {
	return &Handlers{cfg: cfg, puller: puller, planner: planner, dispatcher: dispatcher, services: services, logger: logger}
}

type githubPing struct {
	Zen    string `json:"zen"`
	HookID int64  `json:"hook_id"`
}

type githubPush struct {
	Ref        string           `json:"ref"`
	Before     string           `json:"before"`
	After      string           `json:"after"`
	Repository githubRepository `json:"repository"`
}

type githubRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

// GitHub handles a source-repository push webhook (spec §6): a ping is
// acknowledged with 204, a push of the configured branch enqueues a
// Planner run for (before, after).
func (h *Handlers) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	if !validSignature(body, r.Header.Get("X-Hub-Signature-256"), h.cfg.GitHubSecret) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var ping githubPing
	if err := json.Unmarshal(body, &ping); err == nil && ping.Zen != "" {
		h.logger.Log("webhook", "github", "event", "ping", "zen", ping.Zen, "hook_id", ping.HookID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var push githubPush
	if err := json.Unmarshal(body, &push); err != nil || push.After == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if h.cfg.RepositoryName != "" && push.Repository.FullName != h.cfg.RepositoryName {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if h.cfg.BranchSuffix != "" && !strings.HasSuffix(push.Ref, h.cfg.BranchSuffix) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h.logger.Log("webhook", "github", "event", "push", "before", push.Before, "after", push.After)

	ctx := r.Context()
	if err := h.puller.Pull(ctx, push.Repository.CloneURL, push.Ref, push.After); err != nil {
		h.logger.Log("webhook", "github", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	plan, err := h.planner.Plan(ctx, push.Before, push.After)
	if err != nil {
		h.logger.Log("webhook", "github", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for _, job := range plan.Jobs {
		h.dispatcher.Enqueue(job)
	}

	w.WriteHeader(http.StatusNoContent)
}

type dockerPush struct {
	CallbackURL string           `json:"callback_url"`
	PushData    dockerPushData   `json:"push_data"`
	Repository  dockerRepository `json:"repository"`
}

type dockerPushData struct {
	Tag string `json:"tag"`
}

type dockerRepository struct {
	RepoName string `json:"repo_name"`
}

// Docker handles an image-registry push webhook (spec §6 / §4.7): every
// service whose docker.image matches the pushed repository and whose
// update policy allows the pushed tag is re-enqueued for Reconcile with
// that tag.
func (h *Handlers) Docker(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || !validBasicAuth(user, pass, h.cfg.DockerUser, h.cfg.DockerPassword) {
		w.Header().Set("WWW-Authenticate", `Basic realm="wafflemaker"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var push dockerPush
	if err := json.Unmarshal(body, &push); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Log("webhook", "docker", "image", push.Repository.RepoName, "tag", push.PushData.Tag)

	ctx := r.Context()
	services, err := h.services.ListServices(ctx)
	if err != nil {
		h.logger.Log("webhook", "docker", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for _, svc := range services {
		var s spec.ServiceSpec
		if err := json.Unmarshal([]byte(svc.Spec), &s); err != nil {
			h.logger.Log("webhook", "docker", "service_id", svc.ID, "err", err)
			continue
		}
		if s.Docker.Image != push.Repository.RepoName || !s.MatchesUpdate(push.PushData.Tag) {
			continue
		}
		s.Docker.Tag = push.PushData.Tag
		h.dispatcher.Enqueue(queue.Job{Kind: queue.KindReconcile, ServiceID: svc.ID, Spec: &s})
		h.logger.Log("webhook", "docker", "service_id", svc.ID, "action", "reconcile enqueued")
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health answers a liveness probe with 204. cmd/wafflemakerd's webhook
// mux does not route it.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func validSignature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	hexSig := strings.TrimPrefix(header, "sha256=")
	if hexSig == header {
		return false
	}
	given, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(given, expected) == 1
}

func validBasicAuth(user, pass, wantUser, wantPass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	return userOK && passOK
}
