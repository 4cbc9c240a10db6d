package pool_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"agent/internal/pool"
	"agent/internal/runtimeconf"
)

const (
	testImage   = "alpine:latest"
	testNetwork = "test-pool-net"
)

type testHarness struct {
	t         *testing.T
	cli       *client.Client
	networkID string
	hostRoot  string
	logger    *slog.Logger
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("failed to create docker client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}

	hostRoot, err := os.MkdirTemp("", "pool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	h := &testHarness{
		t:        t,
		cli:      cli,
		hostRoot: hostRoot,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	cli.NetworkRemove(context.Background(), testNetwork)
	resp, err := cli.NetworkCreate(context.Background(), testNetwork, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		t.Fatalf("failed to create test network: %v", err)
	}
	h.networkID = resp.ID
	return h
}

func (h *testHarness) cleanup() {
	opts := container.ListOptions{All: true}
	containers, _ := h.cli.ContainerList(context.Background(), opts)
	for _, c := range containers {
		if c.Labels["managed_by"] == "function-agent" {
			h.cli.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
		}
	}
	if h.networkID != "" {
		h.cli.NetworkRemove(context.Background(), h.networkID)
	}
	os.RemoveAll(h.hostRoot)
	h.cli.Close()
}

func (h *testHarness) newPool(target, max int) *pool.Pool {
	cfg := pool.Config{
		Runtime:             runtimeconf.Python,
		TargetSize:          target,
		MaxSize:             max,
		NetworkName:         testNetwork,
		HostRoot:            h.hostRoot,
		DefaultMemoryBytes:  64 * 1024 * 1024,
		DefaultCPUCores:     0.5,
		HealthCheckInterval: 300 * time.Millisecond,
		ProvisionConcurrency: 3,
	}
	return pool.New(h.cli, h.logger, cfg, testImage)
}

func TestRentReturnClean(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	defer h.cleanup()

	p := h.newPool(1, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slot, err := p.Rent(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("rent failed: %v", err)
	}
	if slot.State != pool.StateRented {
		t.Errorf("expected slot state Rented, got %v", slot.State)
	}

	p.Return(ctx, slot, pool.Clean)

	status := p.Status()
	if status.Idle < 1 {
		t.Errorf("expected at least 1 idle slot after clean return, got %d", status.Idle)
	}
}

func TestRentReturnDirtyDestroys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	defer h.cleanup()

	p := h.newPool(1, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slot, err := p.Rent(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("rent failed: %v", err)
	}

	p.Return(ctx, slot, pool.Dirty)

	time.Sleep(1 * time.Second) // let the refill worker replace it

	status := p.Status()
	if status.Idle < 1 {
		t.Errorf("expected pool to refill after dirty return, got idle=%d", status.Idle)
	}
}

func TestConcurrentRentBoundedByMaxSize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	defer h.cleanup()

	const maxSize = 3
	p := h.newPool(1, maxSize)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	slots := make(chan *pool.Slot, maxSize)
	errs := make(chan error, maxSize)

	for i := 0; i < maxSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Rent(ctx, 20*time.Second)
			if err != nil {
				errs <- err
				return
			}
			slots <- slot
		}()
	}
	wg.Wait()
	close(slots)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected rent error: %v", err)
	}

	var rented []*pool.Slot
	for s := range slots {
		rented = append(rented, s)
	}
	if len(rented) != maxSize {
		t.Fatalf("expected %d rented slots, got %d", maxSize, len(rented))
	}

	// A further rent attempt with a short deadline should exhaust.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shortCancel()
	if _, err := p.Rent(shortCtx, 500*time.Millisecond); err == nil {
		t.Error("expected pool exhaustion error, got nil")
	}

	for _, s := range rented {
		p.Return(ctx, s, pool.Clean)
	}
}

func TestHealthCheckReplacesDeadIdleSlot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	defer h.cleanup()

	p := h.newPool(1, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slot, err := p.Rent(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("rent failed: %v", err)
	}
	p.Return(ctx, slot, pool.Clean)

	// Kill the idle container out from under the pool.
	if err := h.cli.ContainerKill(ctx, slot.Container.ID, "KILL"); err != nil {
		t.Fatalf("failed to kill container: %v", err)
	}
	h.cli.ContainerRemove(ctx, slot.Container.ID, container.RemoveOptions{Force: true})

	time.Sleep(2 * time.Second) // health check + refill cycle

	status := p.Status()
	if status.Idle < 1 {
		t.Errorf("expected health check to replace the dead slot, idle=%d", status.Idle)
	}
}
