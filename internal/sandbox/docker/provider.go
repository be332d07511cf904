package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/logger"
	"github.com/e2b-dev/research/internal/sandbox"
)

// Provider runs each sandbox as a resource-limited docker container.
type Provider struct {
	client    *client.Client
	instances cmap.ConcurrentMap[string, *instance]
}

var _ sandbox.Provider = (*Provider)(nil)

func NewProvider(dockerClient *client.Client) *Provider {
	return &Provider{
		client:    dockerClient,
		instances: cmap.New[*instance](),
	}
}

func (p *Provider) Create(ctx context.Context, image string, config sandbox.Config) (sandbox.Instance, error) {
	ctx, span := tracer.Start(ctx, "create-sandbox", trace.WithAttributes(attribute.String("image", image)))
	defer span.End()

	resp, err := p.client.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Env:        envList(config.Env),
		WorkingDir: config.Workdir,
		Labels:     maps.Clone(config.Labels),
	}, &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(config.Resources.CPUCount) * 1e9,
			Memory:   int64(config.Resources.MemoryMB) << 20,
		},
	}, nil, nil, containerName("sbx"))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	inst := &instance{id: resp.ID, client: p.client, onKill: p.forget}
	p.instances.Set(resp.ID, inst)

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		killErr := inst.Kill(context.WithoutCancel(ctx))

		return nil, errors.Join(fmt.Errorf("failed to start container: %w", err), killErr)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		killErr := inst.Kill(context.WithoutCancel(ctx))

		return nil, errors.Join(fmt.Errorf("failed to inspect container: %w", err), killErr)
	}

	if inspect.NetworkSettings != nil {
		inst.address = inspect.NetworkSettings.IPAddress
	}

	if inst.address == "" {
		inst.address = "127.0.0.1"
	}

	zap.L().Info("sandbox started", logger.WithSandboxID(resp.ID), zap.String("image", image), zap.String("address", inst.address))

	return inst, nil
}

// Close kills every sandbox still running.
func (p *Provider) Close(ctx context.Context) error {
	var errs []error
	for _, inst := range p.instances.Items() {
		if err := inst.Kill(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Provider) forget(id string) {
	p.instances.Remove(id)
}

type instance struct {
	id      string
	address string
	client  *client.Client
	onKill  func(id string)
}

func (i *instance) ID() string {
	return i.id
}

func (i *instance) Address() string {
	return i.address
}

func (i *instance) Exec(ctx context.Context, cmd string, opts sandbox.ExecOptions) (int, error) {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}

	if stderr == nil {
		stderr = io.Discard
	}

	exec, err := i.client.ContainerExecCreate(ctx, i.id, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		Env:          envList(opts.Env),
		WorkingDir:   opts.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := i.client.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-copied:
		if err != nil {
			return 0, fmt.Errorf("failed to read exec output: %w", err)
		}
	}

	inspect, err := i.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return inspect.ExitCode, nil
}

func (i *instance) WriteFile(ctx context.Context, filePath string, data []byte) error {
	archive, err := tarFile(filePath, data, 0o644)
	if err != nil {
		return err
	}

	if err := i.client.CopyToContainer(ctx, i.id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}

	return nil
}

func (i *instance) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	reader, _, err := i.client.CopyFromContainer(ctx, i.id, path.Clean(filePath))
	if client.IsErrNotFound(err) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrFileNotFound, filePath)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	defer reader.Close()

	return untarFirstFile(reader, maxReadFileSize)
}

func (i *instance) Kill(ctx context.Context) error {
	defer i.onKill(i.id)

	err := i.client.ContainerRemove(ctx, i.id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove sandbox %s: %w", i.id, err)
	}

	return nil
}
