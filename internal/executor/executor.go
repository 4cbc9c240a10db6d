// Package executor runs a staged command inside a rented container
// under a wall-clock deadline and a memory ceiling, capturing output and
// classifying how the run ended.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agent/internal/sandbox"
)

// Status is the terminal classification of one execution.
type Status string

const (
	Succeeded         Status = "Succeeded"
	FailedNonZeroExit Status = "FailedNonZeroExit"
	TimedOut          Status = "TimedOut"
	MemoryExceeded    Status = "MemoryExceeded"
	InternalError     Status = "InternalError"
)

// statsSampleInterval is how often the executor polls container memory
// usage while a job runs.
const statsSampleInterval = 250 * time.Millisecond

// killGracePeriod is how long a TERM'd process is given before KILL.
const killGracePeriod = 500 * time.Millisecond

// Request is everything the executor needs to run one job.
type Request struct {
	RequestID   string
	Argv        []string
	WorkDir     string
	Env         []string
	TimeoutMs   int64
	MemoryBytes int64
}

// Outcome is the result of one execution, independent of output binding
// or publication.
type Outcome struct {
	Status          Status
	ExitCode        int
	Stdout          string
	Stderr          string
	DurationMs      int64
	PeakMemoryBytes uint64
	// Dirty is true when the slot must not be returned Clean: a
	// timeout kill may have left the process tree or workspace in an
	// inconsistent state.
	Dirty bool
}

// Executor runs commands inside a Sandbox and classifies the result.
type Executor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With(slog.String("component", "executor"))}
}

// Run executes req.Argv inside box, enforcing req.TimeoutMs. The
// returned Outcome never returns an error for ordinary process failures
// (non-zero exit, timeout, OOM) -- those are represented as Status
// values. A non-nil error means the executor itself could not drive the
// container (an infrastructural failure, distinct from the user
// program's outcome).
func (e *Executor) Run(ctx context.Context, box sandbox.Sandbox, req Request) (Outcome, error) {
	log := e.logger.With(slog.String("request_id", req.RequestID))

	if err := box.ApplyResourceLimits(ctx, req.MemoryBytes, 0); err != nil {
		log.Warn("failed to apply per-job resource limits, proceeding with pool defaults", "error", err)
	}

	deadline := time.Duration(req.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var peak uint64
	var peakMu sync.Mutex
	sampleDone := make(chan struct{})
	sampleCtx, stopSampling := context.WithCancel(execCtx)
	defer stopSampling()
	go e.sampleMemory(sampleCtx, box, &peakMu, &peak, sampleDone)

	type execOutcome struct {
		res *sandbox.ExecResult
		err error
	}
	resultCh := make(chan execOutcome, 1)
	start := time.Now()
	go func() {
		res, err := box.Exec(execCtx, req.Argv, req.Env, req.WorkDir)
		resultCh <- execOutcome{res, err}
	}()

	var out execOutcome
	timedOut := false
	select {
	case out = <-resultCh:
		if out.err != nil && execCtx.Err() != nil {
			// Exec gave up because the deadline passed: still a timeout.
			timedOut = true
			e.killWithGrace(box, log)
		}
	case <-execCtx.Done():
		timedOut = true
		e.killWithGrace(box, log)
		out = <-resultCh
	}
	stopSampling()
	<-sampleDone
	duration := time.Since(start)

	peakMu.Lock()
	peakSample := peak
	peakMu.Unlock()

	if timedOut {
		return Outcome{
			Status:          TimedOut,
			DurationMs:      duration.Milliseconds(),
			PeakMemoryBytes: peakSample,
			Stdout:          safeStdout(out.res),
			Stderr:          safeStderr(out.res),
			Dirty:           true,
		}, nil
	}

	if out.err != nil {
		return Outcome{Status: InternalError, DurationMs: duration.Milliseconds(), Dirty: true}, out.err
	}

	if oomKilled(out.res.ExitCode) {
		return Outcome{
			Status:          MemoryExceeded,
			ExitCode:        out.res.ExitCode,
			DurationMs:      duration.Milliseconds(),
			PeakMemoryBytes: peakSample,
			Stdout:          out.res.Stdout,
			Stderr:          out.res.Stderr,
			Dirty:           false,
		}, nil
	}

	status := Succeeded
	if out.res.ExitCode != 0 {
		status = FailedNonZeroExit
	}

	return Outcome{
		Status:          status,
		ExitCode:        out.res.ExitCode,
		DurationMs:      duration.Milliseconds(),
		PeakMemoryBytes: peakSample,
		Stdout:          out.res.Stdout,
		Stderr:          out.res.Stderr,
		Dirty:           false,
	}, nil
}

func (e *Executor) killWithGrace(box sandbox.Sandbox, log *slog.Logger) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := box.Kill(killCtx, "TERM"); err != nil {
		log.Warn("failed to send TERM on timeout", "error", err)
	}

	time.Sleep(killGracePeriod)

	if err := box.Kill(killCtx, "KILL"); err != nil {
		log.Warn("failed to send KILL after grace period", "error", err)
	}
}

func (e *Executor) sampleMemory(ctx context.Context, box sandbox.Sandbox, mu *sync.Mutex, peak *uint64, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(statsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := box.Stats(context.Background())
			if err != nil {
				continue
			}
			mu.Lock()
			if stats.MemoryUsageBytes > *peak {
				*peak = stats.MemoryUsageBytes
			}
			mu.Unlock()
		}
	}
}

// oomKilled reports whether exitCode is the shell convention for
// "killed by signal N" (128+N) with N == SIGKILL(9), the signal the
// kernel's OOM killer sends.
func oomKilled(exitCode int) bool {
	return exitCode == 137
}

func safeStdout(res *sandbox.ExecResult) string {
	if res == nil {
		return ""
	}
	return res.Stdout
}

func safeStderr(res *sandbox.ExecResult) string {
	if res == nil {
		return ""
	}
	return res.Stderr
}
