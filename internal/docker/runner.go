// Package docker runs sandboxed agent containers.
package docker

import (
	"bytes"
	"context"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
)

// ExitTimedOut is reported when the container outlived its timeout.
const ExitTimedOut = 124

type RunOpts struct {
	Image       string
	Command     []string
	WorkDir     string
	Env         map[string]string
	Timeout     time.Duration
	ExtraMounts []Mount
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	Labels      map[string]string
	Logger      *zap.SugaredLogger
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// RunContainer runs a container with WorkDir bind-mounted at /workspace and
// waits for it to exit, the timeout to expire or ctx to be cancelled.
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	logger := logging.OrNop(opts.Logger)
	if opts.Image == "" {
		return nil, errors.NewInvalidRequestError("container image is required")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	defer cli.Close()

	envSlice := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envSlice = append(envSlice, k+"="+v)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: "/workspace",
		},
	}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
		// Lets the agent reach a gateway listening on the host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	labels := map[string]string{"tourney": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        envSlice,
		WorkingDir: "/workspace",
		Labels:     labels,
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating container")
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, errors.Wrap(err, "starting container")
	}
	logger.Debugw("Container started", "id", shortID(containerID), "image", opts.Image)

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	waitResult := cli.ContainerWait(waitCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				continue
			}
			cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res := &RunResult{ExitCode: ExitTimedOut, TimedOut: true, Duration: time.Since(start)}
			res.Stdout, res.Stderr = collectLogs(cli, containerID)
			logger.Warnw("Container timed out", "id", shortID(containerID), "timeout", opts.Timeout)
			return res, nil
		case status := <-waitResult.Result:
			res := &RunResult{ExitCode: int(status.StatusCode), Duration: time.Since(start)}
			res.Stdout, res.Stderr = collectLogs(cli, containerID)
			logger.Debugw("Container exited", "id", shortID(containerID), "exit_code", res.ExitCode, "duration", res.Duration)
			return res, nil
		}
	}
}

// collectLogs demultiplexes the container's output streams.
func collectLogs(cli *client.Client, containerID string) (string, string) {
	logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil || logReader == nil {
		return "", ""
	}
	defer logReader.Close()
	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logReader)
	return stdout.String(), stderr.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
