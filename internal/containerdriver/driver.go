// Package containerdriver runs one container per service against the
// Docker Engine API (spec §6). It is adapted from
// services/docker.DockerPlatform, narrowed from a job-scoped multi-service
// deploy plan to a single named container per service, and stripped of
// the resource/connection/network-group machinery that has no equivalent
// here.
package containerdriver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Health reports a container's runtime and health-check state.
type Health struct {
	Running   bool
	Healthy   bool
	HasHealth bool
}

// CreateSpec describes the container the driver should create for a
// reconcile job.
type CreateSpec struct {
	Name   string
	Image  string
	Env    map[string]string
	Labels map[string]string
}

// Driver is the narrow contract the Reconciler talks to (spec §6):
// pull(image), create(spec) -> id, start(id), inspect(id) -> {state,
// health}, stop(id, grace), remove(id).
type Driver interface {
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Health, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
}

// DockerDriver implements Driver against the local Docker Engine.
type DockerDriver struct {
	client *client.Client
}

// New builds a DockerDriver from environment variables (DOCKER_HOST etc),
// mirroring NewDockerPlatform.
func New() (*DockerDriver, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "initialize docker client", err)
	}
	return &DockerDriver{client: c}, nil
}

func (d *DockerDriver) Pull(ctx context.Context, image string) error {
	rc, err := d.client.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "pull image "+image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "read pull progress for "+image, err)
	}
	return nil
}

func (d *DockerDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
	}
	hCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}
	nCfg := &network.NetworkingConfig{}

	created, err := d.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cCfg,
		HostConfig:       hCfg,
		NetworkingConfig: nCfg,
		Name:             spec.Name,
		Image:            spec.Image,
	})
	if err != nil {
		return "", wferrors.Wrap(wferrors.KindTransient, "create container "+spec.Name, err)
	}
	return created.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, id string) error {
	if _, err := d.client.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "start container "+id, err)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, id string) (Health, error) {
	inspect, err := d.client.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Health{}, wferrors.New(wferrors.KindNotFound, "container "+id+" not found")
		}
		return Health{}, wferrors.Wrap(wferrors.KindTransient, "inspect container "+id, err)
	}

	h := Health{}
	if inspect.Container.State != nil {
		h.Running = inspect.Container.State.Running
		if inspect.Container.State.Health != nil {
			h.HasHealth = true
			h.Healthy = inspect.Container.State.Health.Status == "healthy"
		}
	}
	return h, nil
}

func (d *DockerDriver) Stop(ctx context.Context, id string, grace time.Duration) error {
	graceSecs := int(grace.Seconds())
	_, err := d.client.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &graceSecs})
	if err != nil && !errdefs.IsNotFound(err) {
		return wferrors.Wrap(wferrors.KindTransient, "stop container "+id, err)
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, id string) error {
	_, err := d.client.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !errdefs.IsNotFound(err) {
		return wferrors.Wrap(wferrors.KindTransient, "remove container "+id, err)
	}
	return nil
}

var _ Driver = (*DockerDriver)(nil)
