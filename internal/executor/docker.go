package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/task"
)

// Container fault kinds handled by DockerRunner.
const (
	KindContainerStop    = "container-stop"
	KindContainerKill    = "container-kill"
	KindContainerPause   = "container-pause"
	KindContainerRestart = "container-restart"
)

// DockerAPI is the part of the Docker Engine client the runner uses.
type DockerAPI interface {
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// NewDockerClient connects to the daemon named by the environment, or by
// host when it is set.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// DockerRunner injects container faults. Spec.Target is the container ID
// or name.
type DockerRunner struct {
	api DockerAPI
	log *slog.Logger
}

// NewDockerRunner creates a runner that drives containers through api.
func NewDockerRunner(api DockerAPI, logger *slog.Logger) *DockerRunner {
	return &DockerRunner{api: api, log: logging.OrDefault(logger, "docker")}
}

func (d *DockerRunner) Kinds() []string {
	return []string{KindContainerStop, KindContainerKill, KindContainerPause, KindContainerRestart}
}

// Run injects spec. A pause with a duration unpauses the container once
// the duration has elapsed.
func (d *DockerRunner) Run(ctx context.Context, spec task.FaultSpec) error {
	d.log.Info("injecting container fault", "kind", spec.Kind, "target", spec.Target)
	switch spec.Kind {
	case KindContainerStop:
		opts, err := stopOptions(spec)
		if err != nil {
			return err
		}
		return wrap(spec, d.api.ContainerStop(ctx, spec.Target, opts))
	case KindContainerRestart:
		opts, err := stopOptions(spec)
		if err != nil {
			return err
		}
		return wrap(spec, d.api.ContainerRestart(ctx, spec.Target, opts))
	case KindContainerKill:
		signal := spec.Args["signal"]
		if signal == "" {
			signal = "SIGKILL"
		}
		return wrap(spec, d.api.ContainerKill(ctx, spec.Target, signal))
	case KindContainerPause:
		if err := d.api.ContainerPause(ctx, spec.Target); err != nil {
			return wrap(spec, err)
		}
		if spec.Duration <= 0 {
			return nil
		}
		timer := time.NewTimer(spec.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return wrap(spec, d.api.ContainerUnpause(context.WithoutCancel(ctx), spec.Target))
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFault, spec.Kind)
}

func stopOptions(spec task.FaultSpec) (container.StopOptions, error) {
	var opts container.StopOptions
	if s := spec.Args["timeout"]; s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil {
			return opts, fmt.Errorf("%w: timeout %q: %v", ErrInvalidTask, s, err)
		}
		opts.Timeout = &secs
	}
	opts.Signal = spec.Args["signal"]
	return opts, nil
}

func wrap(spec task.FaultSpec, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", spec.Kind, spec.Target, err)
}
