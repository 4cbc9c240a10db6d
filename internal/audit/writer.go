// Package audit is a best-effort, fire-and-forget record of every
// terminal Execution Outcome. It is never consulted by the dispatch or
// execution path -- the agent behaves identically with it disabled.
package audit

import (
	"context"
	"log/slog"
	"time"

	"agent/internal/eventbus"
	"agent/internal/monitor"
)

// Writer upserts terminal outcomes off the critical path.
type Writer struct {
	repo    Repository
	agentID string
	logger  *slog.Logger
}

func NewWriter(repo Repository, agentID string, logger *slog.Logger) *Writer {
	return &Writer{repo: repo, agentID: agentID, logger: logger.With(slog.String("component", "audit_writer"))}
}

// Record persists env, swallowing and counting any failure. It never
// returns an error: callers are not meant to react to audit failures.
func (w *Writer) Record(ctx context.Context, env eventbus.Envelope) {
	rec := Record{
		RequestID:  env.RequestID,
		FunctionID: env.FunctionID,
		AgentID:    w.agentID,
		Runtime:    env.Runtime,
		Status:     string(env.Status),
		ExitCode:   env.ExitCode,
		DurationMs: env.DurationMs,
		RecordedAt: time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := w.repo.Upsert(writeCtx, rec); err != nil {
		monitor.AuditWriteErrors.Inc()
		w.logger.Warn("failed to write audit record", "request_id", env.RequestID, "error", err)
	}
}
