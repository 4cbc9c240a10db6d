package sandbox

import "errors"

var (
	ErrContainerNotFound = errors.New("container not found")

	ErrContainerStartFailed = errors.New("failed to start container")

	ErrExecFailed = errors.New("exec failed")

	ErrInvalidPath = errors.New("invalid path")

	ErrImagePullFailed = errors.New("failed to pull image")

	// ErrDaemonUnavailable signals the container daemon itself is gone,
	// not merely that one operation failed. The dispatcher treats this
	// as fatal and stops accepting new jobs.
	ErrDaemonUnavailable = errors.New("container daemon unavailable")
)
