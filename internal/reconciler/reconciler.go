// Package reconciler drives the per-job state machine that turns a
// ServiceSpec into a running container (spec §4.7): Reconcile and Delete.
// It is the seam where Registry, ContainerDriver, SecretResolver,
// LeaseManager, and the DNS reconciler meet.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"

	"github.com/wafflehacks/wafflemaker/internal/containerdriver"
	"github.com/wafflehacks/wafflemaker/internal/dnsprovider"
	"github.com/wafflehacks/wafflemaker/internal/notifier"
	"github.com/wafflehacks/wafflemaker/internal/queue"
	"github.com/wafflehacks/wafflemaker/internal/registry"
	"github.com/wafflehacks/wafflemaker/internal/resolver"
	"github.com/wafflehacks/wafflemaker/internal/spec"
)

const (
	healthCeiling = 120 * time.Second
	stopGrace     = 10 * time.Second
)

var healthBackoff = []time.Duration{1, 2, 4, 8, 15, 15, 15, 15, 15, 15}

// LeaseTracker is the subset of lease.Manager the Reconciler drives.
type LeaseTracker interface {
	Adopt(l registry.Lease)
	Revoke(ctx context.Context, leaseID string) error
	RevokeAllForService(ctx context.Context, serviceID string)
}

// Reconciler implements queue.Handler by dispatching to Reconcile,
// Delete, or Fail depending on job kind.
type Reconciler struct {
	registry registry.Registry
	driver   containerdriver.Driver
	resolve  *resolver.Resolver
	leases   LeaseTracker
	dns      *dnsprovider.Reconciler
	secrets  secretDeleter
	notify   notifier.Sink
	logger   kitlog.Logger

	healthCeiling time.Duration
}

type secretDeleter interface {
	DeleteTree(ctx context.Context, prefix string) error
}

// New builds a Reconciler over its collaborators.
func New(
	reg registry.Registry,
	driver containerdriver.Driver,
	resolve *resolver.Resolver,
	leases LeaseTracker,
	dns *dnsprovider.Reconciler,
	secrets secretDeleter,
	logger kitlog.Logger,
) *Reconciler {
	return &Reconciler{registry: reg, driver: driver, resolve: resolve, leases: leases, dns: dns, secrets: secrets, notify: notifier.Noop{}, logger: logger, healthCeiling: healthCeiling}
}

// SetNotifier wires the Sink notified of a Reconcile/Delete outcome,
// typically a notifier.Fanout. A Reconciler that never calls this stays
// silent (notifier.Noop).
func (r *Reconciler) SetNotifier(n notifier.Sink) {
	r.notify = n
}

// SetHealthCeiling overrides the deadline waitHealthy polls against,
// defaulting to healthCeiling. Tests use this to shrink a 120s real-time
// wait down to something a test suite can afford.
func (r *Reconciler) SetHealthCeiling(d time.Duration) {
	r.healthCeiling = d
}

// Handle implements queue.Handler.
func (r *Reconciler) Handle(ctx context.Context, job queue.Job) {
	switch job.Kind {
	case queue.KindReconcile:
		s := job.Spec
		var err error
		if s == nil {
			// Queue.EnqueueReconcile's credential-rebuild jobs carry only the
			// service id; rebuild from the spec already stored for it.
			var svc *registry.Service
			if svc, err = r.registry.GetService(ctx, job.ServiceID); err == nil {
				s = &spec.ServiceSpec{}
				err = json.Unmarshal([]byte(svc.Spec), s)
			}
		}
		if err == nil {
			err = r.Reconcile(ctx, job.ServiceID, s)
		}
		if err != nil {
			r.logger.Log("job", "reconcile", "service_id", job.ServiceID, "err", err)
		}
		r.notify.Notify(ctx, outcomeEvent(notifier.KindServiceUpdate, job.ServiceID, err))
	case queue.KindDelete:
		err := r.Delete(ctx, job.ServiceID)
		if err != nil {
			r.logger.Log("job", "delete", "service_id", job.ServiceID, "err", err)
		}
		r.notify.Notify(ctx, outcomeEvent(notifier.KindServiceDelete, job.ServiceID, err))
	case queue.KindFail:
		r.logger.Log("job", "fail", "service_id", job.ServiceID, "reason", job.Reason)
		r.notify.Notify(ctx, notifier.Event{Kind: notifier.KindServiceUpdate, ServiceID: job.ServiceID, State: notifier.StateFailure, Err: fmt.Errorf("%s", job.Reason)})
	}
}

// Reconcile drives one service through Configuring -> Commit or Rollback
// (spec §4.7).
func (r *Reconciler) Reconcile(ctx context.Context, id string, s *spec.ServiceSpec) error {
	r.logger.Log("state", "configuring", "service_id", id)
	specJSON, err := marshalSpec(s)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	if err := r.registry.UpsertService(ctx, registry.Service{
		ID:     id,
		Spec:   specJSON,
		Domain: webDomain(id, s),
	}); err != nil {
		return fmt.Errorf("persist service: %w", err)
	}

	prior, _ := r.registry.GetContainer(ctx, id)

	r.logger.Log("state", "pulling", "service_id", id, "image", s.Image())
	if err := r.driver.Pull(ctx, s.Image()); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}

	r.logger.Log("state", "resolving", "service_id", id)
	env, newLeases, err := r.resolve.Resolve(ctx, id, s)
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	name := containerName(id)
	labels := map[string]string{"wafflemaker.service": id}
	if s.Web.Enabled {
		labels["wafflemaker.web"] = "true"
	}

	r.logger.Log("state", "creating", "service_id", id, "container", name)
	containerID, err := r.driver.Create(ctx, containerdriver.CreateSpec{Name: name, Image: s.Image(), Env: env, Labels: labels})
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	r.logger.Log("state", "starting", "service_id", id)
	if err := r.driver.Start(ctx, containerID); err != nil {
		r.rollback(ctx, id, containerID, newLeases)
		return fmt.Errorf("start container: %w", err)
	}

	r.logger.Log("state", "health_probe", "service_id", id)
	if !r.waitHealthy(ctx, containerID) {
		r.logger.Log("state", "unhealthy", "service_id", id)
		r.rollback(ctx, id, containerID, newLeases)
		// A prior container's row must survive untouched (spec §4.7's
		// Rollback path leaves the old container running); only a
		// service with no prior container gets an unhealthy placeholder
		// so a subsequent Delete has something to report and tear down.
		if prior == nil {
			_ = r.registry.CommitReconcile(ctx, registry.Container{ServiceID: id, RuntimeID: "", Status: registry.StatusUnhealthy}, nil, nil)
		}
		return fmt.Errorf("container did not become healthy within %s", r.healthCeiling)
	}

	if s.Web.Enabled && r.dns != nil {
		r.logger.Log("state", "swap_dns", "service_id", id)
		if err := r.dns.Swap(ctx, spec.Hostname(id, s.Web.Base), name); err != nil {
			r.logger.Log("warning", "dns swap failed, continuing", "service_id", id, "err", err)
		}
	}

	var retiredLeaseIDs []string
	if prior != nil {
		r.logger.Log("state", "retire_old", "service_id", id, "runtime_id", prior.RuntimeID)
		if err := r.driver.Stop(ctx, prior.RuntimeID, stopGrace); err != nil {
			r.logger.Log("warning", "stop old container failed", "service_id", id, "err", err)
		}
		if err := r.driver.Remove(ctx, prior.RuntimeID); err != nil {
			r.logger.Log("warning", "remove old container failed", "service_id", id, "err", err)
		}
		priorLeases, err := r.registry.ListLeasesForService(ctx, id)
		if err == nil {
			for _, l := range priorLeases {
				if err := r.leases.Revoke(ctx, l.ID); err != nil {
					r.logger.Log("warning", "revoke retired lease failed", "service_id", id, "lease_id", l.ID, "err", err)
				}
				retiredLeaseIDs = append(retiredLeaseIDs, l.ID)
			}
		}
	}

	r.logger.Log("state", "commit", "service_id", id)
	if err := r.registry.CommitReconcile(ctx, registry.Container{
		ServiceID: id,
		RuntimeID: containerID,
		Image:     s.Image(),
		Status:    registry.StatusHealthy,
	}, newLeases, retiredLeaseIDs); err != nil {
		return fmt.Errorf("commit reconcile: %w", err)
	}
	for _, l := range newLeases {
		r.leases.Adopt(l)
	}

	return nil
}

// rollback destroys the new container and its freshly issued leases,
// leaving old state untouched (spec §4.7's Rollback path). The leases were
// never committed to the Registry, so each is revoked individually rather
// than through RevokeAllForService.
func (r *Reconciler) rollback(ctx context.Context, id, containerID string, newLeases []registry.Lease) {
	if containerID != "" {
		_ = r.driver.Stop(ctx, containerID, stopGrace)
		_ = r.driver.Remove(ctx, containerID)
	}
	for _, l := range newLeases {
		if err := r.leases.Revoke(ctx, l.ID); err != nil {
			r.logger.Log("warning", "revoke lease during rollback failed", "service_id", id, "lease_id", l.ID, "err", err)
		}
	}
}

// waitHealthy polls the container's health with the backoff schedule from
// spec §4.7 step 6, up to r.healthCeiling.
func (r *Reconciler) waitHealthy(ctx context.Context, containerID string) bool {
	deadline := time.Now().Add(r.healthCeiling)
	attempt := 0
	for {
		h, err := r.driver.Inspect(ctx, containerID)
		if err == nil {
			if h.HasHealth {
				if h.Healthy {
					return true
				}
			} else if h.Running {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		wait := healthBackoff[attempt]
		if attempt < len(healthBackoff)-1 {
			attempt++
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait * time.Second):
		}
	}
}

// Delete tears down a service's footprint best-effort (spec §4.7's
// Delete(id)): every sub-step is attempted regardless of earlier failures.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	var errs []error

	if c, err := r.registry.GetContainer(ctx, id); err == nil {
		if err := r.driver.Stop(ctx, c.RuntimeID, stopGrace); err != nil {
			errs = append(errs, fmt.Errorf("stop container: %w", err))
		}
		if err := r.driver.Remove(ctx, c.RuntimeID); err != nil {
			errs = append(errs, fmt.Errorf("remove container: %w", err))
		}
	}

	if svc, err := r.registry.GetService(ctx, id); err == nil && svc.Domain != nil && r.dns != nil {
		if err := r.dns.Remove(ctx, *svc.Domain); err != nil {
			errs = append(errs, fmt.Errorf("delete dns record: %w", err))
		}
	}

	r.leases.RevokeAllForService(ctx, id)

	if err := r.secrets.DeleteTree(ctx, "services/"+id); err != nil {
		errs = append(errs, fmt.Errorf("delete secret namespace: %w", err))
	}

	if err := r.registry.CommitDelete(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("commit delete: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("delete %s completed with errors: %v", id, errs)
	}
	return nil
}

func containerName(id string) string {
	slug := spec.IDTail(id)
	return fmt.Sprintf("%s_%s", slug, uuid.NewString()[:8])
}

func outcomeEvent(kind notifier.Kind, serviceID string, err error) notifier.Event {
	if err != nil {
		return notifier.Event{Kind: kind, ServiceID: serviceID, State: notifier.StateFailure, Err: err}
	}
	return notifier.Event{Kind: kind, ServiceID: serviceID, State: notifier.StateSuccess}
}

func webDomain(id string, s *spec.ServiceSpec) *string {
	if !s.Web.Enabled {
		return nil
	}
	host := spec.Hostname(id, s.Web.Base)
	return &host
}

var _ queue.Handler = (*Reconciler)(nil)
