package handler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/executor"
)

const (
	executionLabel = "flowsched.execution_id"
	removeTimeout  = 30 * time.Second
)

// DockerAPI is the subset of the docker client used to run workflow containers
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// NewDockerClient connects to the docker daemon configured in the environment
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// ContainerHandler runs a workflow as a one-shot container. The target is
// the image reference; variables become WF_<NAME> environment variables.
type ContainerHandler struct {
	logger *zap.Logger
	docker DockerAPI
	logs   *executor.LogManager
}

// NewContainerHandler creates a container handler. logs may be nil.
func NewContainerHandler(docker DockerAPI, logs *executor.LogManager, logger *zap.Logger) *ContainerHandler {
	return &ContainerHandler{
		logger: logger.Named("container"),
		docker: docker,
		logs:   logs,
	}
}

// Validate checks that the target looks like an image reference
func (h *ContainerHandler) Validate(target string) error {
	if strings.TrimSpace(target) == "" || strings.ContainsAny(target, " \t\n") {
		return fmt.Errorf("invalid image reference %q", target)
	}
	return nil
}

// Run creates, starts and waits for the container, collecting its logs
func (h *ContainerHandler) Run(ctx context.Context, target string, variables map[string]any) (map[string]any, error) {
	executionID := executor.ExecutionIDFrom(ctx)

	config := &container.Config{
		Image:  target,
		Env:    variableEnv(variables),
		Labels: map[string]string{executionLabel: executionID},
	}
	if executionID != "" {
		config.Env = append(config.Env, envPrefix+"EXECUTION_ID="+executionID)
	}

	created, err := h.create(ctx, config)
	if err != nil {
		return nil, err
	}
	containerID := created.ID
	defer h.remove(containerID)

	h.logger.Info("Starting container",
		zap.String("execution_id", executionID),
		zap.String("image", target),
		zap.String("container_id", containerID))

	if err := h.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := h.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var status container.WaitResponse
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to wait for container: %w", err)
	case status = <-statusCh:
	}

	h.collectLogs(ctx, containerID, executionID)

	if status.Error != nil && status.Error.Message != "" {
		return nil, fmt.Errorf("container error: %s", status.Error.Message)
	}
	if status.StatusCode != 0 {
		return nil, fmt.Errorf("container exited with status %d", status.StatusCode)
	}

	return map[string]any{
		"container_id": containerID,
		"exit_code":    status.StatusCode,
	}, nil
}

func (h *ContainerHandler) create(ctx context.Context, config *container.Config) (container.CreateResponse, error) {
	created, err := h.docker.ContainerCreate(ctx, config, &container.HostConfig{}, nil, nil, "")
	if err == nil {
		return created, nil
	}
	if !errdefs.IsNotFound(err) {
		return created, fmt.Errorf("failed to create container: %w", err)
	}

	h.logger.Info("Pulling image", zap.String("image", config.Image))
	reader, err := h.docker.ImagePull(ctx, config.Image, image.PullOptions{})
	if err != nil {
		return created, fmt.Errorf("failed to pull image: %w", err)
	}
	_, err = io.Copy(io.Discard, reader)
	reader.Close()
	if err != nil {
		return created, fmt.Errorf("failed to pull image: %w", err)
	}

	created, err = h.docker.ContainerCreate(ctx, config, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return created, fmt.Errorf("failed to create container: %w", err)
	}
	return created, nil
}

func (h *ContainerHandler) collectLogs(ctx context.Context, containerID, executionID string) {
	if h.logs == nil || executionID == "" {
		return
	}
	reader, err := h.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: false,
	})
	if err != nil {
		h.logger.Warn("Failed to get container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
		return
	}
	defer reader.Close()

	if err := h.logs.CollectContainerLogs(reader, executionID); err != nil {
		h.logger.Warn("Failed to collect container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

func (h *ContainerHandler) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := h.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		h.logger.Warn("Failed to remove container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}
