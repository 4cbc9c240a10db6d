package eventbus_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"

	"agent/internal/eventbus"
)

type fakeClient struct {
	failCount int32
	calls     int32
	lastChan  string
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	atomic.AddInt32(&f.calls, 1)
	f.lastChan = channel
	cmd := redis.NewIntCmd(ctx)
	if atomic.LoadInt32(&f.calls) <= f.failCount {
		cmd.SetErr(errors.New("simulated transport error"))
		return cmd
	}
	cmd.SetVal(1)
	return cmd
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSucceedsFirstTry(t *testing.T) {
	client := &fakeClient{}
	bus := eventbus.NewRedisBus(client, "result:", testLogger())

	err := bus.Publish(context.Background(), "req-1", eventbus.Envelope{
		RequestID: "req-1", FunctionID: "fn-1", Runtime: "python", Status: eventbus.StatusSucceeded,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("expected exactly 1 publish call, got %d", client.calls)
	}
	if client.lastChan != "result:req-1" {
		t.Errorf("expected channel %q, got %q", "result:req-1", client.lastChan)
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{failCount: 2}
	bus := eventbus.NewRedisBus(client, "result:", testLogger())

	err := bus.Publish(context.Background(), "req-2", eventbus.Envelope{
		RequestID: "req-2", Status: eventbus.StatusFailedNonZeroExit,
	})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", client.calls)
	}
}

func TestPublishFailsAfterMaxAttempts(t *testing.T) {
	client := &fakeClient{failCount: 10}
	bus := eventbus.NewRedisBus(client, "result:", testLogger())

	err := bus.Publish(context.Background(), "req-3", eventbus.Envelope{
		RequestID: "req-3", Status: eventbus.StatusInternalError,
	})
	if err == nil {
		t.Fatal("expected publish to fail after exhausting retries")
	}
	if client.calls != 3 {
		t.Errorf("expected exactly 3 attempts before giving up, got %d", client.calls)
	}
}
