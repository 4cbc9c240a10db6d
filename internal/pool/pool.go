// Package pool implements the warm-pool lifecycle manager: a bounded,
// per-runtime set of pre-started containers that are rented out to jobs
// and returned clean or dirty, with background health checking and
// refill.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"agent/internal/monitor"
	"agent/internal/runtimeconf"
	"agent/internal/sandbox"
)

// ErrExhausted is returned by Rent when the pool is at capacity and no
// slot returns before the caller's deadline.
var ErrExhausted = errors.New("pool: exhausted, no slot available before deadline")

// ErrShuttingDown is returned by Rent once Shutdown has been called.
var ErrShuttingDown = errors.New("pool: shutting down")

// Pool is a single runtime's warm-pool state machine.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	client   *client.Client
	logger   *slog.Logger
	image    string
	idle     []*Slot
	rented   map[string]*Slot
	total    int // Idle + Rented + Provisioning
	stopCh   chan struct{}
	stopped  bool
	notifyCh chan struct{} // closed and replaced on every state change, for Rent to wake on
}

// New constructs a pool for one runtime and starts its background
// refill/health-check worker. Orphaned containers from a previous agent
// process carrying this runtime's label are adopted rather than
// duplicated, matching the precedent in the teacher's orchestrator.
func New(cli *client.Client, logger *slog.Logger, cfg Config, image string) *Pool {
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 2 * time.Second
	}
	if cfg.ProvisionConcurrency == 0 {
		cfg.ProvisionConcurrency = 3
	}
	if cfg.ProvisionTimeout == 0 {
		cfg.ProvisionTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:      cfg,
		client:   cli,
		logger:   logger.With(slog.String("runtime", string(cfg.Runtime))),
		image:    image,
		rented:   make(map[string]*Slot),
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}),
	}

	p.adoptOrphans()
	go p.worker()
	return p
}

func (p *Pool) adoptOrphans() {
	opts := container.ListOptions{All: true, Filters: filters.NewArgs()}
	opts.Filters.Add("label", "managed_by=function-agent")
	opts.Filters.Add("label", fmt.Sprintf("runtime=%s", p.cfg.Runtime))

	containers, err := p.client.ContainerList(context.Background(), opts)
	if err != nil {
		p.logger.Error("failed to list orphaned containers", "error", err)
		return
	}

	for _, c := range containers {
		if c.State != "running" {
			p.logger.Info("removing stopped orphaned container", "id", c.ID)
			p.client.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
			continue
		}

		p.logger.Info("adopting orphaned container", "id", c.ID)
		inspect, err := p.client.ContainerInspect(context.Background(), c.ID)
		if err != nil {
			p.logger.Error("failed to inspect orphaned container", "id", c.ID, "error", err)
			continue
		}

		sc := sandbox.NewContainer(p.client, sandbox.ContainerConfig{
			SlotID:      c.Labels["slot_id"],
			Runtime:     string(p.cfg.Runtime),
			Image:       c.Image,
			NetworkName: p.cfg.NetworkName,
			MemoryLimit: inspect.HostConfig.Memory,
			CPULimit:    float64(inspect.HostConfig.NanoCPUs) / 1e9,
		}, p.cfg.HostRoot, p.logger)
		sc.ID = c.ID
		if net, ok := c.NetworkSettings.Networks[p.cfg.NetworkName]; ok {
			sc.IP = net.IPAddress
		}

		slot := &Slot{ID: c.Labels["slot_id"], Runtime: p.cfg.Runtime, Container: sc, State: StateIdle}
		p.idle = append(p.idle, slot)
		p.total++
	}

	monitor.PoolIdleCount.WithLabelValues(string(p.cfg.Runtime)).Set(float64(len(p.idle)))
}

// Rent returns an Idle slot, provisioning a fresh one if the pool is
// below capacity, or blocking until a slot frees up or deadline elapses.
func (p *Pool) Rent(ctx context.Context, deadline time.Duration) (*Slot, error) {
	start := time.Now()
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrShuttingDown
		}

		if len(p.idle) > 0 {
			slot := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			slot.State = StateRented
			slot.Generation++
			p.rented[slot.ID] = slot
			monitor.PoolIdleCount.WithLabelValues(string(p.cfg.Runtime)).Dec()
			monitor.PoolRentedCount.WithLabelValues(string(p.cfg.Runtime)).Inc()
			p.mu.Unlock()

			if !slot.Container.IsRunning(ctx) {
				p.discardDead(slot)
				continue
			}

			monitor.PoolAcquisitionLatency.WithLabelValues(string(p.cfg.Runtime)).Observe(time.Since(start).Seconds())
			return slot, nil
		}

		if p.total < p.cfg.MaxSize {
			p.total++
			p.mu.Unlock()

			slot, err := p.provisionSlot(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}

			p.mu.Lock()
			slot.State = StateRented
			slot.Generation++
			p.rented[slot.ID] = slot
			monitor.PoolRentedCount.WithLabelValues(string(p.cfg.Runtime)).Inc()
			p.mu.Unlock()

			monitor.PoolAcquisitionLatency.WithLabelValues(string(p.cfg.Runtime)).Observe(time.Since(start).Seconds())
			return slot, nil
		}

		wake := p.notifyCh
		p.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-timer.C:
			return nil, ErrExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.stopCh:
			return nil, ErrShuttingDown
		}
	}
}

func (p *Pool) discardDead(slot *Slot) {
	p.mu.Lock()
	delete(p.rented, slot.ID)
	p.total--
	p.mu.Unlock()
	p.wake()
	go slot.Container.Remove(context.Background())
}

// Return hands a rented slot back. disposition == Dirty (or any
// cleanup/liveness failure) destroys the container and triggers a
// refill; Clean wipes the workspace, runs a fast liveness exec, and
// returns the slot to Idle.
func (p *Pool) Return(ctx context.Context, slot *Slot, disposition Disposition) {
	p.mu.Lock()
	current, tracked := p.rented[slot.ID]
	if !tracked || current.Generation != slot.Generation {
		// stale or double return: never re-admit, destroy defensively.
		if tracked {
			delete(p.rented, slot.ID)
			p.total--
		}
		p.mu.Unlock()
		if tracked {
			p.wake()
		}
		go slot.Container.Remove(context.Background())
		return
	}
	delete(p.rented, slot.ID)
	stopped := p.stopped
	p.mu.Unlock()

	if disposition == Dirty || stopped {
		p.destroySlot(slot)
		return
	}

	cleanCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// rm refuses "." itself, so the workspace's entries are removed by glob.
	if res, err := slot.Container.Exec(cleanCtx, []string{"sh", "-c", "rm -rf ./* ./.[!.]* ./..?*"}, nil, ""); err != nil || res.ExitCode != 0 {
		p.logger.Warn("workspace cleanup failed, discarding slot", "id", slot.ID, "error", err)
		p.destroySlot(slot)
		return
	}
	if res, err := slot.Container.Exec(cleanCtx, []string{"true"}, nil, ""); err != nil || res.ExitCode != 0 {
		p.logger.Warn("liveness check failed, discarding slot", "id", slot.ID, "error", err)
		p.destroySlot(slot)
		return
	}

	slot.State = StateIdle
	p.mu.Lock()
	p.idle = append(p.idle, slot)
	p.mu.Unlock()
	monitor.PoolRentedCount.WithLabelValues(string(p.cfg.Runtime)).Dec()
	monitor.PoolIdleCount.WithLabelValues(string(p.cfg.Runtime)).Inc()
	p.wake()
}

func (p *Pool) destroySlot(slot *Slot) {
	slot.State = StateDraining
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	monitor.PoolRentedCount.WithLabelValues(string(p.cfg.Runtime)).Dec()
	p.wake()

	destroyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = slot.Container.Stop(destroyCtx, 2)
	_ = slot.Container.Remove(destroyCtx)
	slot.State = StateDestroyed
}

// wake signals any Rent calls blocked waiting for capacity.
func (p *Pool) wake() {
	p.mu.Lock()
	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
	p.mu.Unlock()
}

// Shutdown stops the background worker, fails all future Rent calls,
// and destroys every Idle slot. Rented slots are left for their callers
// to Return through the normal path during the dispatcher's drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, slot := range idle {
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.Container.Stop(stopCtx, 10)
			s.Container.Remove(stopCtx)
		}(slot)
	}
	wg.Wait()
}

func (p *Pool) worker() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthCheck()
			p.refill()
		}
	}
}

func (p *Pool) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	candidates := p.idle
	p.mu.Unlock()

	var dead []*Slot
	var alive []*Slot
	for _, slot := range candidates {
		if slot.Container.IsRunning(ctx) {
			alive = append(alive, slot)
		} else {
			dead = append(dead, slot)
		}
	}

	if len(dead) == 0 {
		return
	}

	p.mu.Lock()
	p.idle = alive
	p.total -= len(dead)
	p.mu.Unlock()
	monitor.PoolIdleCount.WithLabelValues(string(p.cfg.Runtime)).Set(float64(len(alive)))
	p.wake()

	for _, slot := range dead {
		p.logger.Warn("removing dead idle slot", "id", slot.ID)
		go slot.Container.Remove(context.Background())
	}
}

func (p *Pool) refill() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	needed := p.cfg.TargetSize - len(p.idle)
	if room := p.cfg.MaxSize - p.total; needed > room {
		needed = room
	}
	if needed <= 0 {
		p.mu.Unlock()
		return
	}
	p.total += needed
	p.mu.Unlock()

	sem := make(chan struct{}, p.cfg.ProvisionConcurrency)
	var wg sync.WaitGroup
	for i := 0; i < needed; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProvisionTimeout)
			defer cancel()

			slot, err := p.provisionSlot(ctx)
			if err != nil {
				p.logger.Error("failed to replenish pool", "error", err)
				monitor.ContainerCreationErrors.WithLabelValues(string(p.cfg.Runtime)).Inc()
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.wake()
				return
			}

			slot.State = StateIdle
			p.mu.Lock()
			p.idle = append(p.idle, slot)
			p.mu.Unlock()
			monitor.PoolIdleCount.WithLabelValues(string(p.cfg.Runtime)).Inc()
			p.wake()
		}()
	}
	wg.Wait()
}

// provisionSlot creates and starts a brand-new container for this
// runtime, applying the pool's modest idle-container default cap (the
// job-specific memory/CPU budget is applied later, at bind time, via
// ApplyResourceLimits).
func (p *Pool) provisionSlot(ctx context.Context) (*Slot, error) {
	slotID := uuid.NewString()
	cfg := sandbox.ContainerConfig{
		SlotID:      slotID,
		Runtime:     string(p.cfg.Runtime),
		Image:       p.image,
		MemoryLimit: p.cfg.DefaultMemoryBytes,
		CPULimit:    p.cfg.DefaultCPUCores,
		NetworkName: p.cfg.NetworkName,
	}

	c := sandbox.NewContainer(p.client, cfg, p.cfg.HostRoot, p.logger)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("pool: provision slot: %w", err)
	}

	return &Slot{
		ID:        slotID,
		Runtime:   p.cfg.Runtime,
		Container: c,
		CreatedAt: time.Now(),
	}, nil
}

// Snapshot is a point-in-time occupancy report for the admin surface.
type Snapshot struct {
	Runtime      runtimeconf.Name `json:"runtime"`
	Idle         int              `json:"idle"`
	Rented       int              `json:"rented"`
	TargetSize   int              `json:"target_size"`
	MaxSize      int              `json:"max_size"`
}

func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Runtime:    p.cfg.Runtime,
		Idle:       len(p.idle),
		Rented:     len(p.rented),
		TargetSize: p.cfg.TargetSize,
		MaxSize:    p.cfg.MaxSize,
	}
}
