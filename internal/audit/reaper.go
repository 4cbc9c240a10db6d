package audit

import (
	"context"
	"log/slog"
	"time"

	"agent/internal/monitor"
)

// ReaperConfig controls the retention sweep.
type ReaperConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Reaper periodically deletes audit rows older than the configured
// retention window, bounding storage growth. Shaped after the teacher's
// ticker-driven session cleanup loop.
type Reaper struct {
	repo   Repository
	cfg    ReaperConfig
	logger *slog.Logger
	stopCh chan struct{}
}

func NewReaper(repo Repository, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	return &Reaper{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "audit_reaper")),
		stopCh: make(chan struct{}),
	}
}

// Start runs the reap loop; call in a goroutine.
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("audit reaper started", "interval", r.cfg.Interval, "retention", r.cfg.Retention)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *Reaper) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.Retention)
	n, err := r.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to reap audit rows", "error", err)
		return
	}
	if n > 0 {
		monitor.AuditRowsReaped.Add(float64(n))
		r.logger.Info("reaped audit rows", "count", n, "cutoff", cutoff)
	}
}
