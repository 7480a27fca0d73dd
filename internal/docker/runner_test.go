package docker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tourney/internal/docker"
	"github.com/signalnine/tourney/internal/errors"
)

func requireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("TOURNEY_DOCKER_TESTS") == "" {
		t.Skip("set TOURNEY_DOCKER_TESTS=1 to run Docker tests")
	}
}

func TestRunContainer(t *testing.T) {
	requireDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "task.md"), []byte("test task"), 0o644))

	res, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "cat task.md; echo hello > /workspace/output.txt; echo oops >&2"},
		WorkDir: workDir,
		Env:     map[string]string{"TASK_DIR": "/workspace"},
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "test task", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)

	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRunContainerTimeout(t *testing.T) {
	requireDocker(t)
	res, err := docker.RunContainer(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		WorkDir: t.TempDir(),
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, docker.ExitTimedOut, res.ExitCode)
}

func TestRunContainerCrash(t *testing.T) {
	requireDocker(t)
	res, err := docker.RunContainer(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 1"},
		WorkDir: t.TempDir(),
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunContainerRequiresImage(t *testing.T) {
	_, err := docker.RunContainer(context.Background(), &docker.RunOpts{WorkDir: t.TempDir()})
	assert.True(t, errors.IsInvalidRequestError(err))
}
