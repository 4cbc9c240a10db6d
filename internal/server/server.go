package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agent/internal/audit"
	"agent/internal/config"
	"agent/internal/dispatcher"
	"agent/internal/eventbus"
	"agent/internal/executor"
	"agent/internal/monitor"
	"agent/internal/objectstore"
	"agent/internal/outputs"
	"agent/internal/pool"
	"agent/internal/queue"
	"agent/internal/runtimeconf"
	"agent/internal/stager"
)

// Server wires every component into a running agent: queue intake,
// warm container pools, staging, execution, output binding, result
// publication, and the ambient admin surface.
type Server struct {
	cfg        *config.Config
	deps       *Dependency
	dispatcher *dispatcher.Dispatcher
	pools      *pool.Manager
	reaper     *audit.Reaper
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	pools, err := pool.NewManager(deps.Docker, logger, cfg.Pool.NetworkName, cfg.Pool.HostRoot, cfg.Pool.DefaultCPUCores, toRuntimeConfigs(cfg.Pool.RuntimeSizes))
	if err != nil {
		return nil, fmt.Errorf("server: build pool manager: %w", err)
	}

	store := objectstore.NewS3Store(deps.S3)

	st := stager.New(store, stager.Config{
		ScratchRoot:        cfg.Docker.WorkDirRoot,
		MaxArchiveBytes:    512 * 1024 * 1024,
		MaxExpandedBytes:   2 * 1024 * 1024 * 1024,
		ContainerMountRoot: cfg.Docker.OutputMountPath,
	}, logger)

	exec := executor.New(logger)

	binder := outputs.New(store, outputs.Config{
		Bucket: cfg.S3.UserDataBucket,
		Prefix: cfg.Output.S3Prefix,
	}, logger)

	bus := eventbus.NewRedisBus(deps.Redis, cfg.Redis.ResultPrefix, logger)

	var auditor dispatcher.AuditRecorder
	var reaper *audit.Reaper
	if cfg.Audit.Enabled && deps.PG != nil {
		repo := audit.NewPGRepository(deps.PG)
		writer := audit.NewWriter(repo, "agent", logger)
		auditor = writer
		reaper = audit.NewReaper(repo, audit.ReaperConfig{
			Interval:  time.Hour,
			Retention: cfg.Audit.Retention,
		}, logger)
	}

	q := queue.NewSQSClient(deps.SQS, cfg.SQS.QueueURL)

	// Shutdown grace is Docker.MaxTimeoutMs plus headroom for
	// binding/publishing the result that follows a kill. Declared job
	// timeouts are not checked against MaxTimeoutMs, so a job with a
	// longer timeoutMs can outlast the grace period.
	shutdownGrace := time.Duration(cfg.Docker.MaxTimeoutMs)*time.Millisecond + 30*time.Second

	disp := dispatcher.New(dispatcher.Config{
		WaitTimeSeconds:     cfg.SQS.WaitTimeSeconds,
		MaxNumberOfMessages: cfg.SQS.MaxNumberOfMessages,
		VisibilityTimeout:   30 * time.Second,
		ShutdownGrace:       shutdownGrace,
	}, q, pools, st, exec, binder, bus, auditor, logger)

	return &Server{
		cfg:        cfg,
		deps:       deps,
		dispatcher: disp,
		pools:      pools,
		reaper:     reaper,
		logger:     logger,
	}, nil
}

func toRuntimeConfigs(sizes map[runtimeconf.Name]config.RuntimeSize) map[runtimeconf.Name]pool.RuntimeConfig {
	out := make(map[runtimeconf.Name]pool.RuntimeConfig, len(sizes))
	for name, size := range sizes {
		out[name] = pool.RuntimeConfig{TargetSize: size.TargetSize, MaxSize: size.MaxSize}
	}
	return out
}

// Start runs the dispatcher, the audit reaper, and the admin HTTP
// surface until ctx is cancelled, then drains in dependency order.
func (s *Server) Start(ctx context.Context) error {
	if s.reaper != nil {
		go s.reaper.Start()
	}

	errCh := make(chan error, 2)

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := s.dispatcher.Run(ctx); err != nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	go func() {
		if err := monitor.StartAdminServer(ctx, s.cfg.Metrics.Addr, s.logger, s.dispatcher.HealthCheck, s.poolStatus); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining")
		// The dispatcher's grace-period drain finishes before the pools go.
		<-dispatcherDone
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) poolStatus() any {
	return map[string]any{
		"pools":     s.pools.Status(),
		"in_flight": s.dispatcher.InFlightCount(),
	}
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.reaper != nil {
		s.reaper.Stop()
	}

	s.pools.Shutdown(shutdownCtx)

	s.logger.Info("server stopped gracefully")
	return nil
}
