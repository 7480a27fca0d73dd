// Package gateway talks to an OpenAI-compatible LLM gateway and can
// launch a local LiteLLM proxy to serve as one.
package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
)

// Gateway is a LiteLLM proxy process started by Start.
type Gateway struct {
	Port    int
	cmd     *exec.Cmd
	logFile *os.File
}

type StartOpts struct {
	SecretsEnvFile string
	LogDir         string
	Logger         *zap.SugaredLogger
}

func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, errors.Wrap(err, "finding free port")
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

func (g *Gateway) URL() string {
	return fmt.Sprintf("http://localhost:%d", g.Port)
}

// Start launches litellm on a free port and waits until it accepts
// connections. Secrets from the env file are passed to the proxy only.
func Start(ctx context.Context, opts *StartOpts) (*Gateway, error) {
	logger := logging.OrNop(opts.Logger)
	port, err := FindFreePort()
	if err != nil {
		return nil, err
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating gateway log dir")
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("litellm-%d.log", port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, errors.Wrap(err, "creating log file")
	}

	cmd := exec.CommandContext(ctx, "litellm", "--port", fmt.Sprintf("%d", port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	cmd.Env = os.Environ()
	if opts.SecretsEnvFile != "" {
		secrets, err := ParseEnvFile(opts.SecretsEnvFile)
		if err != nil {
			logFile.Close()
			return nil, errors.Wrap(err, "reading secrets env file")
		}
		for k, v := range secrets {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "starting litellm")
	}

	if err := waitForPort(ctx, port, 30*time.Second); err != nil {
		cmd.Process.Kill()
		logFile.Close()
		return nil, errors.Wrap(err, "litellm did not start")
	}

	logger.Infow("Gateway started", "port", port, "log", logPath)
	return &Gateway{Port: port, cmd: cmd, logFile: logFile}, nil
}

func (g *Gateway) Stop() error {
	if g.cmd != nil && g.cmd.Process != nil {
		g.cmd.Process.Kill()
		g.cmd.Wait()
	}
	if g.logFile != nil {
		g.logFile.Close()
	}
	return nil
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.Newf("port %d not ready after %s", port, timeout)
}

// ParseEnvFile reads KEY=VALUE lines, ignoring blanks, comments and a
// leading "export ". Surrounding quotes are stripped from values.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		env[strings.TrimSpace(key)] = stripQuotes(strings.TrimSpace(val))
	}
	return env, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
