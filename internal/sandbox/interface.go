package sandbox

import (
	"context"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
)

// Sandbox is the Container Adapter contract: the only surface through
// which the rest of the agent touches the container daemon.
type Sandbox interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, timeoutSeconds int) error
	Remove(ctx context.Context) error
	Exec(ctx context.Context, cmd []string, env []string, workDir string) (*ExecResult, error)
	GetStatus(ctx context.Context) (container.ContainerState, error)
	GetLogs(ctx context.Context, tail int) (*LogResult, error)
	GetExecLogs(ctx context.Context) ([]ExecLogEntry, error)
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
	WriteFile(ctx context.Context, path string, reader io.Reader, perm os.FileMode) error
	OpenFile(ctx context.Context, path string) (io.ReadCloser, error)

	// CopyFromContainer streams a tar-encoded directory or file out of
	// the container, writing the concatenated file contents to dest.
	CopyFromContainer(ctx context.Context, srcPath string, dest io.Writer) error

	// UploadArchive uploads a pre-built tar stream, preserving structure.
	UploadArchive(ctx context.Context, destPath string, tarStream io.Reader) error

	CopyToContainer(ctx context.Context, destPath string, src io.Reader) error
	IsRunning(ctx context.Context) bool

	// Kill sends signal (e.g. "TERM", "KILL") to the process started by
	// the most recent Exec call, not to the container's own PID 1, so
	// the container itself keeps running. A no-op if no exec is
	// currently tracked.
	Kill(ctx context.Context, signal string) error

	// Stats samples current resource usage, used by the executor to
	// track peak memory during a run.
	Stats(ctx context.Context) (Stats, error)

	// ApplyResourceLimits updates the live container's memory and CPU
	// ceiling. Called when a job is bound to a pooled slot so the
	// job's own budget -- not the pool's idle default -- is enforced.
	ApplyResourceLimits(ctx context.Context, memoryBytes int64, cpuCores float64) error
}
