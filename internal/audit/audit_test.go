package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agent/internal/audit"
	"agent/internal/eventbus"
)

type fakeRepo struct {
	mu      sync.Mutex
	records []audit.Record
	failAll bool
}

func (f *fakeRepo) Upsert(ctx context.Context, rec audit.Record) error {
	if f.failAll {
		return errors.New("simulated db error")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	deleted := 0
	for _, r := range f.records {
		if r.RecordedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	f.records = kept
	return deleted, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriterRecordsSuccessfully(t *testing.T) {
	repo := &fakeRepo{}
	w := audit.NewWriter(repo, "agent-1", testLogger())

	w.Record(context.Background(), eventbus.Envelope{
		RequestID: "req-1", FunctionID: "fn-1", Runtime: "python", Status: eventbus.StatusSucceeded,
	})

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(repo.records))
	}
	if repo.records[0].AgentID != "agent-1" {
		t.Errorf("expected agent_id to be set")
	}
}

func TestWriterSwallowsFailure(t *testing.T) {
	repo := &fakeRepo{failAll: true}
	w := audit.NewWriter(repo, "agent-1", testLogger())

	// Must not panic or block even though the repo always errors.
	w.Record(context.Background(), eventbus.Envelope{RequestID: "req-2"})
}

func TestFakeRepoDeleteOlderThanKeepsRecentRows(t *testing.T) {
	repo := &fakeRepo{records: []audit.Record{
		{RequestID: "old", RecordedAt: time.Now().Add(-48 * time.Hour)},
		{RequestID: "new", RecordedAt: time.Now()},
	}}

	n, err := repo.DeleteOlderThan(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row deleted, got %d", n)
	}
	if len(repo.records) != 1 || repo.records[0].RequestID != "new" {
		t.Errorf("expected only the new row to remain, got %+v", repo.records)
	}
}
