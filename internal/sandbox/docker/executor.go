package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/template/build"
)

const removeTimeout = 10 * time.Second

// Executor builds template layers as committed docker images.
type Executor struct {
	client *client.Client
}

var _ build.Executor = (*Executor)(nil)

func NewExecutor(dockerClient *client.Client) *Executor {
	return &Executor{client: dockerClient}
}

func (e *Executor) PullBase(ctx context.Context, ref string, logs io.Writer) (string, error) {
	ctx, span := tracer.Start(ctx, "pull-base-image")
	defer span.End()

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		// Offline builds can still use an image that is already present.
		inspect, inspectErr := e.client.ImageInspect(ctx, ref)
		if inspectErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", ref, err)
		}

		fmt.Fprintf(logs, "using local image %s: %v\n", ref, err)

		return inspect.ID, nil
	}
	defer reader.Close()

	if _, err := io.Copy(logs, reader); err != nil {
		return "", fmt.Errorf("failed to read pull progress: %w", err)
	}

	inspect, err := e.client.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to inspect pulled image %s: %w", ref, err)
	}

	return inspect.ID, nil
}

func (e *Executor) RunCommand(ctx context.Context, parent string, cmd build.Command, logs io.Writer) (string, error) {
	ctx, span := tracer.Start(ctx, "run-build-command")
	defer span.End()

	id, err := e.createBuildContainer(ctx, parent, cmd.Cmd, cmd.Workdir)
	if err != nil {
		return "", err
	}
	defer e.remove(ctx, id)

	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start build container: %w", err)
	}

	logsReader, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return "", fmt.Errorf("failed to attach build logs: %w", err)
	}
	defer logsReader.Close()

	copied := make(chan struct{})
	go func() {
		defer close(copied)

		_, _ = stdcopy.StdCopy(logs, logs, logsReader)
	}()

	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", fmt.Errorf("failed waiting for build command: %w", err)
	case status := <-statusCh:
		<-copied

		if status.Error != nil {
			return "", fmt.Errorf("build command failed: %s", status.Error.Message)
		}

		if status.StatusCode != 0 {
			return "", fmt.Errorf("command %q exited with code %d", cmd.Cmd, status.StatusCode)
		}
	}

	return e.commit(ctx, id, parent)
}

func (e *Executor) CopyFile(ctx context.Context, parent string, src string, dest string, logs io.Writer) (string, error) {
	ctx, span := tracer.Start(ctx, "copy-build-file")
	defer span.End()

	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", src, err)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", src, err)
	}

	archive, err := tarFile(dest, data, info.Mode())
	if err != nil {
		return "", err
	}

	id, err := e.createBuildContainer(ctx, parent, "true", "/")
	if err != nil {
		return "", err
	}
	defer e.remove(ctx, id)

	if err := e.client.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("failed to copy %s to %s: %w", src, dest, err)
	}

	fmt.Fprintf(logs, "copied %s to %s\n", humanize.Bytes(uint64(len(data))), dest)

	return e.commit(ctx, id, parent)
}

func (e *Executor) Configure(ctx context.Context, parent string, config build.ImageConfig) (string, error) {
	ctx, span := tracer.Start(ctx, "configure-image")
	defer span.End()

	id, err := e.createBuildContainer(ctx, parent, "true", "/")
	if err != nil {
		return "", err
	}
	defer e.remove(ctx, id)

	changes := []string{"ENTRYPOINT []", startCommandChange(config.StartCommand)}
	if config.Workdir != "" {
		changes = append(changes, "WORKDIR "+config.Workdir)
	}

	resp, err := e.client.ContainerCommit(ctx, id, container.CommitOptions{Changes: changes})
	if err != nil {
		return "", fmt.Errorf("failed to commit image config: %w", err)
	}

	return resp.ID, nil
}

func (e *Executor) Tag(ctx context.Context, layer string, alias string) (string, error) {
	ref := imageRef(alias)

	if err := e.client.ImageTag(ctx, layer, ref); err != nil {
		return "", fmt.Errorf("failed to tag %s as %s: %w", layer, ref, err)
	}

	return ref, nil
}

func (e *Executor) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := e.client.ImageInspect(ctx, ref)
	if client.IsErrNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	return true, nil
}

func (e *Executor) createBuildContainer(ctx context.Context, parent string, cmd string, workdir string) (string, error) {
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:      parent,
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{cmd},
		WorkingDir: workdir,
		Labels:     map[string]string{buildLabel: "true"},
	}, &container.HostConfig{}, nil, nil, containerName("build"))
	if err != nil {
		return "", fmt.Errorf("failed to create build container: %w", err)
	}

	for _, warning := range resp.Warnings {
		zap.L().Warn("docker warning", zap.String("container_id", resp.ID), zap.String("warning", warning))
	}

	return resp.ID, nil
}

// commit snapshots the container as a new layer, keeping the parent's entrypoint, command and workdir.
func (e *Executor) commit(ctx context.Context, id string, parent string) (string, error) {
	inspect, err := e.client.ImageInspect(ctx, parent)
	if err != nil {
		return "", fmt.Errorf("failed to inspect parent layer: %w", err)
	}

	changes := []string{"ENTRYPOINT []", "CMD []"}
	if inspect.Config != nil {
		changes = []string{
			"ENTRYPOINT " + jsonArray(append([]string{}, inspect.Config.Entrypoint...)),
			"CMD " + jsonArray(append([]string{}, inspect.Config.Cmd...)),
		}

		if inspect.Config.WorkingDir != "" {
			changes = append(changes, "WORKDIR "+inspect.Config.WorkingDir)
		}
	}

	resp, err := e.client.ContainerCommit(ctx, id, container.CommitOptions{Changes: changes})
	if err != nil {
		return "", fmt.Errorf("failed to commit layer: %w", err)
	}

	return resp.ID, nil
}

func (e *Executor) remove(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		zap.L().Warn("failed to remove build container", zap.String("container_id", id), zap.Error(err))
	}
}
