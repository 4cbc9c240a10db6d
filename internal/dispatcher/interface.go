package dispatcher

import (
	"context"

	"agent/internal/eventbus"
)

// AuditRecorder is the narrow audit-trail capability the dispatcher
// depends on. Recording is fire-and-forget: the dispatcher never
// blocks a job's disposition on it.
type AuditRecorder interface {
	Record(ctx context.Context, env eventbus.Envelope)
}
