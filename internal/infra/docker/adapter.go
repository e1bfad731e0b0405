// Package docker implements C3, the Runtime Adapter, against the local
// Docker Engine via github.com/docker/docker/client — the same SDK the
// teacher links for its Docker Compose backend and lighthouse-paas links
// for its container adapter.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// AppIDLabel, ServiceNameLabel and ImageIDLabel tag every container this
// supervisor creates so a later ListContainers call can be joined back to
// (AppID, ServiceName, ImageID) by internal/runtimesync without a second
// inspect round-trip. Exported so runtimesync can read them back off
// repository.ContainerInfo.Labels.
const (
	AppIDLabel       = "io.hostsupervisor.app-id"
	ServiceNameLabel = "io.hostsupervisor.service-name"
	ImageIDLabel     = "io.hostsupervisor.image-id"
)

// Adapter implements repository.RuntimeAdapter over the Docker Engine API.
type Adapter struct {
	cli *client.Client
	mu  sync.RWMutex
}

// New connects to the Docker daemon using the standard environment
// variables (DOCKER_HOST etc.), mirroring the teacher's and
// lighthouse-paas's client construction.
func New() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

func (a *Adapter) ListContainers(ctx context.Context) ([]repository.ContainerInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, &model.RuntimeError{Op: "ListContainers", Err: err}
	}

	result := make([]repository.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		ports := make([]repository.ContainerPort, 0, len(c.Ports))
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				ports = append(ports, repository.ContainerPort{
					PrivatePort: p.PrivatePort,
					PublicPort:  p.PublicPort,
					Protocol:    p.Type,
				})
			}
		}
		names := make([]string, 0, len(c.Names))
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
		result = append(result, repository.ContainerInfo{
			ID:        c.ID,
			Names:     names,
			Image:     c.Image,
			ImageID:   c.ImageID,
			Labels:    c.Labels,
			State:     c.State,
			Status:    c.Status,
			CreatedAt: c.Created,
			Ports:     ports,
		})
	}
	return result, nil
}

func (a *Adapter) ListImages(ctx context.Context) ([]repository.ImageInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	images, err := a.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, &model.RuntimeError{Op: "ListImages", Err: err}
	}

	result := make([]repository.ImageInfo, 0, len(images))
	for _, img := range images {
		result = append(result, repository.ImageInfo{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Size:     img.Size,
		})
	}
	return result, nil
}

func (a *Adapter) Inspect(ctx context.Context, containerID string) (repository.ContainerDetail, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	inspect, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return repository.ContainerDetail{}, &model.RuntimeError{Op: "Inspect", Err: err}
	}

	detail := repository.ContainerDetail{
		ContainerInfo: repository.ContainerInfo{
			ID:     inspect.ID,
			Names:  []string{strings.TrimPrefix(inspect.Name, "/")},
			Image:  inspect.Config.Image,
			Labels: inspect.Config.Labels,
		},
	}
	if inspect.State != nil {
		detail.State = inspect.State.Status
		detail.ExitCode = inspect.State.ExitCode
		detail.Error = inspect.State.Error
	}
	return detail, nil
}

func (a *Adapter) Create(ctx context.Context, spec repository.ServiceSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[AppIDLabel] = strconv.FormatInt(spec.AppID, 10)
	labels[ServiceNameLabel] = spec.ServiceName
	labels[ImageIDLabel] = strconv.FormatInt(spec.ImageID, 10)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	resp, err := a.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}, &container.HostConfig{
		Binds: spec.Volumes,
	}, &networktypes.NetworkingConfig{}, nil, containerName(spec.AppID, spec.ServiceName))
	if err != nil {
		return "", &model.RuntimeError{Op: "Create", Err: err}
	}
	return resp.ID, nil
}

func containerName(appID int64, serviceName string) string {
	return fmt.Sprintf("hostsup_%d_%s", appID, serviceName)
}

func (a *Adapter) Start(ctx context.Context, containerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return &model.RuntimeError{Op: "Start", Err: err}
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	timeout := timeoutSeconds
	if err := a.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return &model.RuntimeError{Op: "Stop", Err: err}
	}
	return nil
}

func (a *Adapter) Kill(ctx context.Context, containerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return &model.RuntimeError{Op: "Kill", Err: err}
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, containerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return &model.RuntimeError{Op: "Remove", Err: err}
	}
	return nil
}

func (a *Adapter) PullImage(ctx context.Context, name string, onProgress func(repository.PullProgress)) (string, error) {
	a.mu.Lock()
	reader, err := a.cli.ImagePull(ctx, name, image.PullOptions{})
	a.mu.Unlock()
	if err != nil {
		return "", &model.RuntimeError{Op: "PullImage", Err: err}
	}
	defer reader.Close()

	decodePullProgress(reader, onProgress)

	a.mu.RLock()
	defer a.mu.RUnlock()
	inspect, _, err := a.cli.ImageInspectWithRaw(ctx, name)
	if err != nil {
		return "", &model.RuntimeError{Op: "PullImage/inspect", Err: err}
	}
	return inspect.ID, nil
}

// decodePullProgress drains the pull response stream, reporting coarse
// progress through onProgress. Malformed lines are ignored; the stream is
// read to completion regardless so the pull itself runs to completion.
func decodePullProgress(r io.Reader, onProgress func(repository.PullProgress)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && onProgress != nil {
			onProgress(repository.PullProgress{Status: "downloading"})
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) CreateNetwork(ctx context.Context, appID int64, net model.Network) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.cli.NetworkCreate(ctx, networkName(appID, net.Name), networktypes.CreateOptions{
		Labels: map[string]string{AppIDLabel: strconv.FormatInt(appID, 10)},
	})
	if err != nil {
		return &model.RuntimeError{Op: "CreateNetwork", Err: err}
	}
	return nil
}

func (a *Adapter) RemoveNetwork(ctx context.Context, appID int64, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cli.NetworkRemove(ctx, networkName(appID, name)); err != nil {
		return &model.RuntimeError{Op: "RemoveNetwork", Err: err}
	}
	return nil
}

func networkName(appID int64, name string) string {
	return fmt.Sprintf("hostsup_%d_%s", appID, name)
}

func (a *Adapter) CreateVolume(ctx context.Context, appID int64, vol model.Volume) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName(appID, vol.Name),
		Labels: map[string]string{AppIDLabel: strconv.FormatInt(appID, 10)},
	})
	if err != nil {
		return &model.RuntimeError{Op: "CreateVolume", Err: err}
	}
	return nil
}

func (a *Adapter) RemoveVolume(ctx context.Context, appID int64, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cli.VolumeRemove(ctx, volumeName(appID, name), true); err != nil {
		return &model.RuntimeError{Op: "RemoveVolume", Err: err}
	}
	return nil
}

func volumeName(appID int64, name string) string {
	return fmt.Sprintf("hostsup_%d_%s", appID, name)
}

func (a *Adapter) Events(ctx context.Context) (<-chan repository.RuntimeEvent, error) {
	a.mu.RLock()
	msgs, errs := a.cli.Events(ctx, events.ListOptions{Filters: filters.NewArgs()})
	a.mu.RUnlock()

	out := make(chan repository.RuntimeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					log.Warn("runtime event stream error", "error", err)
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				attrs := make(map[string]string, len(msg.Actor.Attributes))
				for k, v := range msg.Actor.Attributes {
					attrs[k] = v
				}
				select {
				case out <- repository.RuntimeEvent{
					Type:       string(msg.Type),
					ActorID:    msg.Actor.ID,
					Action:     string(msg.Action),
					Attributes: attrs,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, err := a.cli.Ping(ctx)
	if err != nil {
		return &model.RuntimeError{Op: "Ping", Err: err}
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.cli.Close()
}

var _ repository.RuntimeAdapter = (*Adapter)(nil)
