package pool

import (
	"time"

	"agent/internal/runtimeconf"
	"agent/internal/sandbox"
)

// SlotState is where a Container Slot sits in its lifecycle.
type SlotState int

const (
	StateProvisioning SlotState = iota
	StateIdle
	StateRented
	StateDirty
	StateDraining
	StateDestroyed
)

func (s SlotState) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateIdle:
		return "idle"
	case StateRented:
		return "rented"
	case StateDirty:
		return "dirty"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Disposition is the caller's verdict on a slot at Return time.
type Disposition int

const (
	Clean Disposition = iota
	Dirty
)

// Slot is a single warm-pool container together with the bookkeeping
// the pool needs to serialize rent/return safely.
type Slot struct {
	ID         string
	Runtime    runtimeconf.Name
	Container  *sandbox.Container
	State      SlotState
	Generation uint64
	CreatedAt  time.Time
}

// Config bounds one runtime's pool.
type Config struct {
	Runtime             runtimeconf.Name
	TargetSize          int // number of Idle+Provisioning slots to maintain
	MaxSize             int // Idle+Rented+Provisioning ceiling
	NetworkName         string
	HostRoot            string
	DefaultMemoryBytes  int64   // cap applied to idle pool containers
	DefaultCPUCores     float64
	HealthCheckInterval time.Duration
	ProvisionTimeout    time.Duration
	ProvisionConcurrency int
}
