// Package sandbox supervises ephemeral containers used to run exactly one
// untrusted query with OS-level isolation from the host and other tenants.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// State tracks the single process a Container may own. A handle never has
// two live processes.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStartFailed
	StateStopping
	StateStopped
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStartFailed:
		return "start_failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const logCharLimit = 2000

// commandRunner abstracts the container runtime binary so tests can script
// runtime behavior.
type commandRunner interface {
	Run(ctx context.Context, args ...string) (stdout string, stderr string, exitCode int, err error)
}

type execRunner struct {
	binary string
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return stdout.String(), stderr.String(), code, err
}

// Options tune container supervision.
type Options struct {
	// Runtime is the container runtime binary, normally "docker".
	Runtime        string
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	HealthInterval time.Duration
	Logger         *slog.Logger
	HTTPClient     *http.Client

	runner commandRunner
}

func (o Options) withDefaults() Options {
	if o.Runtime == "" {
		o.Runtime = "docker"
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	if o.runner == nil {
		o.runner = &execRunner{binary: o.Runtime}
	}
	return o
}

// Container supervises one ephemeral sandbox process: start, health poll,
// in-process command execution, log retrieval, graceful stop, forced kill.
type Container struct {
	cfg  Config
	opts Options

	mu    sync.Mutex
	state State
	id    string
}

func NewContainer(cfg Config, opts Options) (*Container, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Container{cfg: cfg, opts: opts.withDefaults()}, nil
}

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start launches the container and returns its runtime id. If healthURL is
// non-empty it polls the URL until ready, re-checking process liveness on
// every tick; a dead process or an elapsed startup timeout aborts with the
// container's recent logs attached.
func (c *Container) Start(ctx context.Context, healthURL string) (string, error) {
	c.mu.Lock()
	if c.state != StateNotStarted {
		state := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("sandbox %q cannot start from state %s", c.cfg.Name, state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	stdout, stderr, code, err := c.opts.runner.Run(ctx, c.cfg.RunArgs()...)
	if err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("runtime exited with code %d", code)
		}
		// Best-effort cleanup in case the runtime partially created the
		// container before failing.
		c.cleanupAfterFailedStart(ctx)
		c.setState(StateStartFailed)
		return "", &StartupError{Name: c.cfg.Name, Logs: strings.TrimSpace(stderr), Err: err}
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		c.cleanupAfterFailedStart(ctx)
		c.setState(StateStartFailed)
		return "", &StartupError{Name: c.cfg.Name, Err: fmt.Errorf("runtime returned no container id")}
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	if healthURL != "" {
		if err := c.pollHealth(ctx, healthURL); err != nil {
			c.cleanupAfterFailedStart(ctx)
			c.setState(StateStartFailed)
			return "", err
		}
	}

	c.setState(StateReady)
	c.opts.Logger.Debug("sandbox started",
		slog.String("name", c.cfg.Name),
		slog.String("container_id", id))
	return id, nil
}

func (c *Container) pollHealth(ctx context.Context, healthURL string) error {
	deadline := time.Now().Add(c.opts.StartupTimeout)
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		running, err := c.IsRunning(ctx)
		if err == nil && !running {
			return &StartupError{
				Name: c.cfg.Name,
				Logs: c.Logs(ctx, 50),
				Err:  fmt.Errorf("process died before becoming healthy"),
			}
		}
		if c.probeHTTP(ctx, healthURL) {
			return nil
		}
		if time.Now().After(deadline) {
			return &StartupError{
				Name: c.cfg.Name,
				Logs: c.Logs(ctx, 50),
				Err:  fmt.Errorf("health check timed out after %s", c.opts.StartupTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return &StartupError{Name: c.cfg.Name, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (c *Container) probeHTTP(ctx context.Context, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Container) cleanupAfterFailedStart(ctx context.Context) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		// Nothing launched; try removal by name in case the runtime
		// registered the container before failing.
		id = c.cfg.Name
	}
	_, _, _, _ = c.opts.runner.Run(ctx, "stop", "-t", "1", id)
}

// IsRunning asks the runtime supervisor, not the health endpoint, whether
// the process is alive.
func (c *Container) IsRunning(ctx context.Context) (bool, error) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return false, nil
	}
	stdout, _, code, err := c.opts.runner.Run(ctx, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		return false, err
	}
	if code != 0 {
		return false, nil
	}
	return strings.TrimSpace(stdout) == "true", nil
}

// CheckHealth combines the liveness check with one fresh HTTP probe when a
// health URL is supplied.
func (c *Container) CheckHealth(ctx context.Context, healthURL string) bool {
	running, err := c.IsRunning(ctx)
	if err != nil || !running {
		return false
	}
	if healthURL == "" {
		return true
	}
	return c.probeHTTP(ctx, healthURL)
}

// Exec runs a command inside the live container under a hard timeout. A
// timeout is an error, never retried here.
func (c *Container) Exec(ctx context.Context, timeout time.Duration, command ...string) (string, string, int, error) {
	c.mu.Lock()
	id := c.id
	state := c.state
	c.mu.Unlock()
	if id == "" || (state != StateReady && state != StateStarting) {
		return "", "", 0, &NotFoundError{Name: c.cfg.Name}
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append([]string{"exec", id}, command...)
	stdout, stderr, code, err := c.opts.runner.Run(execCtx, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return stdout, stderr, code, &ExecutionError{
				Name:   c.cfg.Name,
				Stderr: stderr,
				Err:    fmt.Errorf("command timed out after %s", timeout),
			}
		}
		return stdout, stderr, code, &ExecutionError{Name: c.cfg.Name, Stderr: stderr, Err: err}
	}
	return stdout, stderr, code, nil
}

// Logs fetches recent container output. It never fails; any error collapses
// to a placeholder string, and output is capped to bound log volume.
func (c *Container) Logs(ctx context.Context, tailLines int) string {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return "<no container>"
	}
	if tailLines <= 0 {
		tailLines = 50
	}
	stdout, stderr, code, err := c.opts.runner.Run(ctx, "logs", "--tail", fmt.Sprintf("%d", tailLines), id)
	if err != nil || code != 0 {
		return "<logs unavailable>"
	}
	combined := stdout
	if stderr != "" {
		combined += stderr
	}
	if len(combined) > logCharLimit {
		combined = combined[:logCharLimit]
	}
	return combined
}

// Stop signals a graceful shutdown with the configured grace period. It
// never escalates to Kill; callers wanting forced termination call Kill
// explicitly.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	c.setState(StateStopping)

	seconds := int(c.opts.StopTimeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	_, stderr, code, err := c.opts.runner.Run(ctx, "stop", "-t", fmt.Sprintf("%d", seconds), id)
	if err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("runtime exited with code %d: %s", code, strings.TrimSpace(stderr))
		}
		return &StopError{Name: c.cfg.Name, Err: err}
	}
	c.setState(StateStopped)
	return nil
}

// Kill terminates the process immediately. Failures are logged, not
// returned; kill is the last resort and must not itself be fragile.
func (c *Container) Kill(ctx context.Context) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return
	}
	_, stderr, code, err := c.opts.runner.Run(ctx, "kill", id)
	if err != nil || code != 0 {
		c.opts.Logger.Error("sandbox kill failed",
			slog.String("name", c.cfg.Name),
			slog.String("container_id", id),
			slog.String("stderr", strings.TrimSpace(stderr)))
		return
	}
	c.setState(StateKilled)
}
