package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"agent/internal/executor"
	"agent/internal/sandbox"
)

// fakeSandbox is an in-memory Sandbox used to exercise the executor's
// classification logic without a real Docker daemon.
type fakeSandbox struct {
	execResult *sandbox.ExecResult
	execErr    error
	execDelay  time.Duration
	killed     []string

	statsMemory uint64
	statsErr    error
}

func (f *fakeSandbox) Start(ctx context.Context) error                   { return nil }
func (f *fakeSandbox) Stop(ctx context.Context, timeoutSeconds int) error { return nil }
func (f *fakeSandbox) Remove(ctx context.Context) error                  { return nil }

func (f *fakeSandbox) Exec(ctx context.Context, cmd []string, env []string, workDir string) (*sandbox.ExecResult, error) {
	if f.execDelay > 0 {
		select {
		case <-time.After(f.execDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.execResult, f.execErr
}

func (f *fakeSandbox) GetStatus(ctx context.Context) (container.ContainerState, error) {
	return container.ContainerState{}, nil
}

func (f *fakeSandbox) GetLogs(ctx context.Context, tail int) (*sandbox.LogResult, error) {
	return &sandbox.LogResult{}, nil
}

func (f *fakeSandbox) GetExecLogs(ctx context.Context) ([]sandbox.ExecLogEntry, error) {
	return nil, nil
}

func (f *fakeSandbox) ListFiles(ctx context.Context, path string) ([]sandbox.FileInfo, error) {
	return nil, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path string, reader io.Reader, perm os.FileMode) error {
	return nil
}

func (f *fakeSandbox) OpenFile(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeSandbox) CopyFromContainer(ctx context.Context, srcPath string, dest io.Writer) error {
	return nil
}

func (f *fakeSandbox) UploadArchive(ctx context.Context, destPath string, tarStream io.Reader) error {
	return nil
}

func (f *fakeSandbox) CopyToContainer(ctx context.Context, destPath string, src io.Reader) error {
	return nil
}

func (f *fakeSandbox) IsRunning(ctx context.Context) bool { return true }

func (f *fakeSandbox) Kill(ctx context.Context, signal string) error {
	f.killed = append(f.killed, signal)
	return nil
}

func (f *fakeSandbox) Stats(ctx context.Context) (sandbox.Stats, error) {
	return sandbox.Stats{MemoryUsageBytes: f.statsMemory}, f.statsErr
}

func (f *fakeSandbox) ApplyResourceLimits(ctx context.Context, memoryBytes int64, cpuCores float64) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSucceeded(t *testing.T) {
	fs := &fakeSandbox{execResult: &sandbox.ExecResult{ExitCode: 0, Stdout: "hello\n"}}
	ex := executor.New(testLogger())

	outcome, err := ex.Run(context.Background(), fs, executor.Request{
		RequestID: "r1", Argv: []string{"echo", "hello"}, TimeoutMs: 5000, MemoryBytes: 128 << 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != executor.Succeeded {
		t.Errorf("expected Succeeded, got %s", outcome.Status)
	}
	if outcome.Dirty {
		t.Error("expected clean disposition on success")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	fs := &fakeSandbox{execResult: &sandbox.ExecResult{ExitCode: 1, Stderr: "boom\n"}}
	ex := executor.New(testLogger())

	outcome, err := ex.Run(context.Background(), fs, executor.Request{
		RequestID: "r2", Argv: []string{"false"}, TimeoutMs: 5000, MemoryBytes: 128 << 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != executor.FailedNonZeroExit {
		t.Errorf("expected FailedNonZeroExit, got %s", outcome.Status)
	}
}

func TestRunOOMKilled(t *testing.T) {
	fs := &fakeSandbox{execResult: &sandbox.ExecResult{ExitCode: 137}}
	ex := executor.New(testLogger())

	outcome, err := ex.Run(context.Background(), fs, executor.Request{
		RequestID: "r3", Argv: []string{"alloc"}, TimeoutMs: 5000, MemoryBytes: 16 << 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != executor.MemoryExceeded {
		t.Errorf("expected MemoryExceeded, got %s", outcome.Status)
	}
}

func TestRunTimeout(t *testing.T) {
	fs := &fakeSandbox{
		execResult: &sandbox.ExecResult{ExitCode: 0},
		execDelay:  200 * time.Millisecond,
	}
	ex := executor.New(testLogger())

	outcome, err := ex.Run(context.Background(), fs, executor.Request{
		RequestID: "r4", Argv: []string{"sleep", "10"}, TimeoutMs: 20, MemoryBytes: 128 << 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != executor.TimedOut {
		t.Errorf("expected TimedOut, got %s", outcome.Status)
	}
	if !outcome.Dirty {
		t.Error("expected a timed-out slot to be marked dirty")
	}
	if len(fs.killed) != 2 || fs.killed[0] != "TERM" || fs.killed[1] != "KILL" {
		t.Errorf("expected TERM then KILL, got %v", fs.killed)
	}
}

func TestRunExecError(t *testing.T) {
	fs := &fakeSandbox{execErr: errors.New("daemon gone")}
	ex := executor.New(testLogger())

	_, err := ex.Run(context.Background(), fs, executor.Request{
		RequestID: "r5", Argv: []string{"echo"}, TimeoutMs: 5000, MemoryBytes: 128 << 20,
	})
	if err == nil {
		t.Fatal("expected an infrastructural error to propagate")
	}
}
