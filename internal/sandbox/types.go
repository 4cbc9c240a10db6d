package sandbox

import (
	"path/filepath"
	"time"
)

// ContainerConfig describes a single container slot at creation time.
// SlotID is stable for the container's whole lifetime in the warm pool;
// it is not a job's request id, since one slot outlives many jobs.
type ContainerConfig struct {
	SlotID      string
	Runtime     string
	Image       string
	Cmd         []string
	EnvVars     []string
	MemoryLimit int64   // bytes, applied at container create (pool default cap)
	CPULimit    float64 // cores
	NetworkName string
	LogDir      string // host-side exec-log directory
}

type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type LogResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type ExecLogEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Command    []string  `json:"command"`
	Output     string    `json:"output"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
}

// Stats is a point-in-time resource sample taken during execution.
type Stats struct {
	MemoryUsageBytes uint64
}

func ContainerName(slotID string) string {
	return "agent-slot-" + slotID
}

func NetworkName(runtime string) string {
	return "agent-net-" + runtime
}

func DefaultHostPath(root string, slotID string) string {
	return filepath.Join(root, slotID)
}

func DefaultMountPath() string {
	return "/workspace-root"
}
