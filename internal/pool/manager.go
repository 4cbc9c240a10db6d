package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"

	"agent/internal/runtimeconf"
)

// Manager owns one Pool per configured runtime and is the entry point
// the Dispatcher rents and returns slots through.
type Manager struct {
	pools map[runtimeconf.Name]*Pool
}

// RuntimeConfig is per-runtime sizing, keyed by runtime name.
type RuntimeConfig struct {
	TargetSize int
	MaxSize    int
}

// NewManager constructs one Pool per entry in sizes, each with its own
// background refill worker. defaultCPUCores is the per-container CPU
// quota applied to every warmed slot before a job's own limits (if any)
// are layered on top.
func NewManager(cli *client.Client, logger *slog.Logger, networkName, hostRoot string, defaultCPUCores float64, sizes map[runtimeconf.Name]RuntimeConfig) (*Manager, error) {
	m := &Manager{pools: make(map[runtimeconf.Name]*Pool, len(sizes))}

	for name, size := range sizes {
		descriptor, err := runtimeconf.Lookup(name)
		if err != nil {
			return nil, err
		}

		cfg := Config{
			Runtime:             name,
			TargetSize:          size.TargetSize,
			MaxSize:             size.MaxSize,
			NetworkName:         networkName,
			HostRoot:            hostRoot,
			DefaultMemoryBytes:  256 * 1024 * 1024,
			DefaultCPUCores:     defaultCPUCores,
			HealthCheckInterval: 2 * time.Second,
		}
		m.pools[name] = New(cli, logger, cfg, descriptor.Image)
	}

	return m, nil
}

// Rent delegates to the named runtime's pool.
func (m *Manager) Rent(ctx context.Context, runtime runtimeconf.Name, deadline time.Duration) (*Slot, error) {
	p, ok := m.pools[runtime]
	if !ok {
		return nil, fmt.Errorf("pool: no pool configured for runtime %q", runtime)
	}
	return p.Rent(ctx, deadline)
}

// Return delegates to the slot's own runtime pool.
func (m *Manager) Return(ctx context.Context, slot *Slot, disposition Disposition) {
	p, ok := m.pools[slot.Runtime]
	if !ok {
		go slot.Container.Remove(context.Background())
		return
	}
	p.Return(ctx, slot, disposition)
}

// TotalCapacity sums every runtime's MaxSize, used to size the
// dispatcher's global in-flight semaphore.
func (m *Manager) TotalCapacity() int {
	total := 0
	for _, p := range m.pools {
		total += p.cfg.MaxSize
	}
	return total
}

// Shutdown drains every runtime's pool concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	done := make(chan struct{}, len(m.pools))
	for _, p := range m.pools {
		go func(p *Pool) {
			p.Shutdown(ctx)
			done <- struct{}{}
		}(p)
	}
	for range m.pools {
		<-done
	}
}

// Status returns a snapshot of every runtime's pool, for the admin
// /debug/pools route.
func (m *Manager) Status() []Snapshot {
	snapshots := make([]Snapshot, 0, len(m.pools))
	for _, p := range m.pools {
		snapshots = append(snapshots, p.Status())
	}
	return snapshots
}
