package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRuntime scripts container runtime behavior per command verb and
// records every invocation.
type fakeRuntime struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(ctx context.Context, args []string) (string, string, int, error)
}

func (f *fakeRuntime) Run(ctx context.Context, args ...string) (string, string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, args)
	}
	return "", "", 0, nil
}

func (f *fakeRuntime) verbCalled(verb string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if len(call) > 0 && call[0] == verb {
			return true
		}
	}
	return false
}

func testContainer(t *testing.T, rt *fakeRuntime) *Container {
	t.Helper()
	c, err := NewContainer(
		Config{Name: "duckgate-test", Image: "img", Command: []string{"true"}},
		Options{
			runner:         rt,
			StartupTimeout: 200 * time.Millisecond,
			HealthInterval: 10 * time.Millisecond,
		},
	)
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	return c
}

func happyRuntime(running string) *fakeRuntime {
	return &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "inspect":
			return running, "", 0, nil
		case "logs":
			return "log line\n", "", 0, nil
		default:
			return "", "", 0, nil
		}
	}}
}

func TestStartCapturesContainerID(t *testing.T) {
	rt := happyRuntime("true\n")
	c := testContainer(t, rt)

	id, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id != "abc123" {
		t.Fatalf("id = %q", id)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStartLaunchFailureReturnsStartupError(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		if args[0] == "run" {
			return "", "no such image", 125, nil
		}
		return "", "", 0, nil
	}}
	c := testContainer(t, rt)

	_, err := c.Start(context.Background(), "")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Start() error = %v, want StartupError", err)
	}
	if startup.Logs != "no such image" {
		t.Fatalf("Logs = %q", startup.Logs)
	}
	if c.State() != StateStartFailed {
		t.Fatalf("state = %v", c.State())
	}
	running, err := c.IsRunning(context.Background())
	if err != nil || running {
		t.Fatalf("IsRunning() = %v, %v", running, err)
	}
	if !rt.verbCalled("stop") {
		t.Fatal("cleanup stop was not attempted")
	}
}

func TestStartDoubleStartRejected(t *testing.T) {
	c := testContainer(t, happyRuntime("true\n"))
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.Start(context.Background(), ""); err == nil {
		t.Fatal("second Start() = nil, want error")
	}
}

func TestStartHealthPollSucceeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := testContainer(t, happyRuntime("true\n"))
	if _, err := c.Start(context.Background(), server.URL); err != nil {
		t.Fatalf("Start() with health URL error = %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStartHealthPollDeadProcessAttachesLogs(t *testing.T) {
	c := testContainer(t, happyRuntime("false\n"))

	_, err := c.Start(context.Background(), "http://127.0.0.1:1/health")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Start() error = %v, want StartupError", err)
	}
	if !strings.Contains(startup.Logs, "log line") {
		t.Fatalf("Logs = %q", startup.Logs)
	}
}

func TestStartHealthPollTimeout(t *testing.T) {
	c := testContainer(t, happyRuntime("true\n"))

	_, err := c.Start(context.Background(), "http://127.0.0.1:1/health")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Start() error = %v, want StartupError", err)
	}
	if !strings.Contains(startup.Err.Error(), "timed out") {
		t.Fatalf("Err = %v", startup.Err)
	}
}

func TestExecBeforeStartFails(t *testing.T) {
	c := testContainer(t, happyRuntime("true\n"))
	_, _, _, err := c.Exec(context.Background(), time.Second, "true")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Exec() error = %v, want NotFoundError", err)
	}
}

func TestExecTimeoutIsHardError(t *testing.T) {
	rt := &fakeRuntime{respond: func(ctx context.Context, args []string) (string, string, int, error) {
		if args[0] == "run" {
			return "abc123\n", "", 0, nil
		}
		if args[0] == "exec" {
			<-ctx.Done()
			return "", "", 0, ctx.Err()
		}
		return "", "", 0, nil
	}}
	c := testContainer(t, rt)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, _, _, err := c.Exec(context.Background(), 20*time.Millisecond, "sleep", "60")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Exec() error = %v, want ExecutionError", err)
	}
	if !strings.Contains(execErr.Err.Error(), "timed out") {
		t.Fatalf("Err = %v", execErr.Err)
	}
}

func TestLogsNeverFails(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "logs":
			return "", "daemon unavailable", 1, nil
		}
		return "", "", 0, nil
	}}
	c := testContainer(t, rt)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.Logs(context.Background(), 10); got != "<logs unavailable>" {
		t.Fatalf("Logs() = %q", got)
	}
}

func TestLogsTruncated(t *testing.T) {
	huge := strings.Repeat("x", 5000)
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "logs":
			return huge, "", 0, nil
		}
		return "", "", 0, nil
	}}
	c := testContainer(t, rt)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.Logs(context.Background(), 10); len(got) != logCharLimit {
		t.Fatalf("len(Logs()) = %d", len(got))
	}
}

func TestStopFailureDoesNotEscalateToKill(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "stop":
			return "", "cannot stop", 1, nil
		}
		return "", "", 0, nil
	}}
	c := testContainer(t, rt)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := c.Stop(context.Background())
	var stopErr *StopError
	if !errors.As(err, &stopErr) {
		t.Fatalf("Stop() error = %v, want StopError", err)
	}
	if rt.verbCalled("kill") {
		t.Fatal("Stop() escalated to kill")
	}
}

func TestKillFailureIsSwallowed(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "kill":
			return "", "no such container", 1, nil
		}
		return "", "", 0, nil
	}}
	c := testContainer(t, rt)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Kill(context.Background())
	if c.State() == StateKilled {
		t.Fatal("failed kill still transitioned to killed")
	}
}
