// Package dispatcher owns long-polling the inbound queue, bounding
// concurrent job execution, and driving each job through its state
// machine from receipt to published result.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"agent/internal/eventbus"
	"agent/internal/executor"
	"agent/internal/monitor"
	"agent/internal/outputs"
	"agent/internal/pool"
	"agent/internal/queue"
	"agent/internal/sandbox"
	"agent/internal/stager"
)

// Config controls intake pacing and shutdown behavior.
type Config struct {
	MaxInFlight         int64
	WaitTimeSeconds     int32
	MaxNumberOfMessages int32
	VisibilityTimeout   time.Duration
	ShutdownGrace       time.Duration
}

// Dispatcher is the top-level job loop: Received → Staging → Acquiring
// → Executing → Binding → Publishing → Completed, with any failure
// along the way collapsing into a FailedTerminal envelope.
type Dispatcher struct {
	cfg     Config
	queue   queue.QueueClient
	pools   *pool.Manager
	stager  *stager.Stager
	exec    *executor.Executor
	binder  *outputs.Binder
	bus     eventbus.Publisher
	auditor AuditRecorder
	logger  *slog.Logger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	stopped bool
	stopMu  sync.Mutex

	fatalMu  sync.Mutex
	fatalErr error

	inFlightMu sync.Mutex
	inFlight   map[string]context.CancelFunc
}

func New(
	cfg Config,
	q queue.QueueClient,
	pools *pool.Manager,
	st *stager.Stager,
	exec *executor.Executor,
	binder *outputs.Binder,
	bus eventbus.Publisher,
	auditor AuditRecorder,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = int64(pools.TotalCapacity())
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		pools:    pools,
		stager:   st,
		exec:     exec,
		binder:   binder,
		bus:      bus,
		auditor:  auditor,
		logger:   logger.With(slog.String("component", "dispatcher")),
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Run is the intake loop: single-threaded long-poll, bounded fan-out
// into per-job state machines. It blocks until ctx is canceled or a job
// reports sandbox.ErrDaemonUnavailable, then runs the shutdown sequence
// and returns an error in the latter case so the caller can exit fatally.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "max_in_flight", d.cfg.MaxInFlight)

	for ctx.Err() == nil && d.fatal() == nil {
		messages, err := d.queue.Receive(ctx, d.cfg.MaxNumberOfMessages, d.cfg.WaitTimeSeconds)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("receive failed, backing off", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				break
			}
			monitor.DispatcherJobsReceived.Inc()
			monitor.DispatcherInFlight.Inc()

			d.wg.Add(1)
			go func(msg queue.Message) {
				defer d.wg.Done()
				defer d.sem.Release(1)
				defer monitor.DispatcherInFlight.Dec()
				d.handleMessage(msg)
			}(msg)
		}
	}

	d.shutdown()
	return d.fatal()
}

// markFatal records the agent's first daemon-unavailable failure. Intake
// stops at the next Run loop check and /healthz degrades immediately.
func (d *Dispatcher) markFatal(err error) {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	if d.fatalErr == nil {
		d.fatalErr = err
		d.logger.Error("container daemon unavailable, stopping intake", "error", err)
	}
}

func (d *Dispatcher) fatal() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	return d.fatalErr
}

func (d *Dispatcher) shutdown() {
	d.stopMu.Lock()
	d.stopped = true
	d.stopMu.Unlock()

	d.logger.Info("intake stopped, waiting for in-flight jobs", "grace", d.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("all in-flight jobs completed cleanly")
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("shutdown grace period elapsed, canceling still-running jobs")
		d.cancelInFlight()
		<-done
	}
}

// cancelInFlight cancels every job context still registered. Jobs in
// Executing/Binding observe the cancellation and publish
// InternalError{shutdown} from within runJob; jobs still in
// Staging/Acquiring are simply abandoned -- nothing irreversible has
// happened to them yet, and the message will redeliver.
func (d *Dispatcher) cancelInFlight() {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	for requestID, cancel := range d.inFlight {
		d.logger.Warn("forcing shutdown of in-flight job", "request_id", requestID)
		cancel()
	}
}

func (d *Dispatcher) handleMessage(msg queue.Message) {
	req, err := ParseJobRequest(msg.Body)
	if err != nil {
		d.logger.Error("dropping malformed message", "error", err)
		// Nothing about a redelivery would fix a parse failure: delete
		// now to avoid an infinite poison-message loop.
		if delErr := d.queue.Delete(context.Background(), msg.ReceiptHandle); delErr != nil {
			d.logger.Error("failed to delete malformed message", "error", delErr)
		}
		return
	}

	log := d.logger.With(slog.String("request_id", req.RequestID), slog.String("function_id", req.FunctionID))

	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.registerInFlight(req.RequestID, cancel)
	defer d.unregisterInFlight(req.RequestID)

	heartbeatStop := make(chan struct{})
	go d.heartbeat(req.RequestID, msg.ReceiptHandle, heartbeatStop, log)
	defer close(heartbeatStop)

	start := time.Now()
	env := d.runJob(jobCtx, req, log)
	monitor.DispatcherJobDuration.Observe(time.Since(start).Seconds())

	if env.RequestID == "" {
		// PoolExhausted/DaemonUnavailable, or shutdown during staging:
		// nothing ran, nothing to publish. Leave the message for
		// redelivery.
		return
	}

	if err := d.bus.Publish(context.Background(), req.RequestID, env); err != nil {
		log.Error("publish failed after retries, leaving message for redelivery", "error", err)
		return
	}

	if d.auditor != nil {
		// Fire-and-forget: audit recording must never sit on the
		// critical path between a successful publish and the delete
		// that retires the message.
		go d.auditor.Record(context.Background(), env)
	}

	if err := d.queue.Delete(context.Background(), msg.ReceiptHandle); err != nil {
		log.Error("failed to delete message after successful publish", "error", err)
	}
}

// runJob drives Staging → Acquiring → Executing → Binding, converting
// any failure into a terminal envelope. An empty RequestID signals the
// PoolExhausted/DaemonUnavailable case, or a shutdown that interrupted
// staging, where the caller must not publish anything. Staging runs before the warm-pool slot is rented:
// a stuck download or a slow extraction must not hold a container out
// of the budget while it works.
func (d *Dispatcher) runJob(ctx context.Context, req JobRequest, log *slog.Logger) eventbus.Envelope {
	ws, err := d.stager.Prepare(ctx, stager.Request{
		RequestID: req.RequestID,
		Runtime:   req.Runtime,
		Bucket:    req.S3Bucket,
		Key:       req.S3Key,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown caught the job while staging: abandon it.
			log.Warn("staging interrupted by shutdown, leaving message for redelivery", "error", err)
			return eventbus.Envelope{}
		}
		log.Warn("staging failed", "error", err)
		return eventbus.Envelope{
			RequestID: req.RequestID, FunctionID: req.FunctionID, Runtime: string(req.Runtime),
			Status: eventbus.StatusStageError,
		}
	}
	defer ws.Cleanup()

	slot, err := d.pools.Rent(ctx, req.Runtime, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, sandbox.ErrDaemonUnavailable) {
			d.markFatal(err)
		}
		log.Warn("pool exhausted or shutting down, leaving message for redelivery", "error", err)
		return eventbus.Envelope{}
	}

	disposition := pool.Clean
	defer func() {
		d.pools.Return(context.Background(), slot, disposition)
	}()

	if ctx.Err() != nil {
		disposition = pool.Dirty
		return shutdownEnvelope(req)
	}

	stageResult, err := d.stager.Inject(ctx, slot.Container, ws)
	if err != nil {
		if errors.Is(err, sandbox.ErrDaemonUnavailable) {
			d.markFatal(err)
		}
		log.Warn("injecting workspace into container failed", "error", err)
		disposition = pool.Dirty
		return eventbus.Envelope{
			RequestID: req.RequestID, FunctionID: req.FunctionID, Runtime: string(req.Runtime),
			Status: eventbus.StatusStageError,
		}
	}

	outcome, err := d.exec.Run(ctx, slot.Container, executor.Request{
		RequestID:   req.RequestID,
		Argv:        stageResult.LaunchCommand,
		WorkDir:     stageResult.ContainerWorkDir,
		TimeoutMs:   req.TimeoutMs,
		MemoryBytes: req.memoryBytes(),
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrDaemonUnavailable) {
			d.markFatal(err)
		}
		log.Error("executor reported an infrastructural failure", "error", err)
		disposition = pool.Dirty
		return eventbus.Envelope{
			RequestID: req.RequestID, FunctionID: req.FunctionID, Runtime: string(req.Runtime),
			Status: eventbus.StatusInternalError,
		}
	}
	if outcome.Dirty {
		disposition = pool.Dirty
	}
	if ctx.Err() != nil {
		disposition = pool.Dirty
		return shutdownEnvelope(req)
	}

	// ListFiles/OpenFile take paths relative to the slot's workspace.
	outputEntries := d.binder.Bind(ctx, slot.Container, req.RequestID, req.RequestID+"/output")
	if ctx.Err() != nil {
		return shutdownEnvelope(req)
	}

	return eventbus.Envelope{
		RequestID:       req.RequestID,
		FunctionID:      req.FunctionID,
		Runtime:         string(req.Runtime),
		Status:          eventbus.Status(outcome.Status),
		ExitCode:        outcome.ExitCode,
		Stdout:          outcome.Stdout,
		Stderr:          outcome.Stderr,
		DurationMs:      outcome.DurationMs,
		PeakMemoryBytes: outcome.PeakMemoryBytes,
		Outputs:         toOutputEntries(outputEntries),
	}
}

func shutdownEnvelope(req JobRequest) eventbus.Envelope {
	return eventbus.Envelope{
		RequestID: req.RequestID, FunctionID: req.FunctionID, Runtime: string(req.Runtime),
		Status: eventbus.StatusInternalError,
	}
}

func toOutputEntries(entries []outputs.Entry) []eventbus.OutputEntry {
	out := make([]eventbus.OutputEntry, len(entries))
	for i, e := range entries {
		out[i] = eventbus.OutputEntry{Path: e.Path, Size: e.Size, Locator: e.Locator}
	}
	return out
}

// heartbeat extends the queue message's visibility on a fixed cadence
// while the job runs, so a long execution is never redelivered
// mid-flight. Heartbeats stop at state-machine termination.
func (d *Dispatcher) heartbeat(requestID, receiptHandle string, stop <-chan struct{}, log *slog.Logger) {
	if d.cfg.VisibilityTimeout <= 0 {
		return
	}
	interval := d.cfg.VisibilityTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seconds := int32(d.cfg.VisibilityTimeout / time.Second)
			if err := d.queue.ExtendVisibility(context.Background(), receiptHandle, seconds); err != nil {
				log.Warn("failed to extend message visibility", "request_id", requestID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) registerInFlight(requestID string, cancel context.CancelFunc) {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	d.inFlight[requestID] = cancel
}

func (d *Dispatcher) unregisterInFlight(requestID string) {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	delete(d.inFlight, requestID)
}

// HealthCheck reports the dispatcher's fitness for the admin surface's
// /healthz route. It degrades as soon as the container daemon is
// reported unavailable, not just once intake has actually stopped.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	if err := d.fatal(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stopped {
		return errors.New("dispatcher: intake stopped")
	}
	return nil
}

// InFlightCount reports the number of jobs currently tracked, for the
// /debug/pools admin route.
func (d *Dispatcher) InFlightCount() int {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	return len(d.inFlight)
}
