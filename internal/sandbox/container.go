package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"io"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

var _ Sandbox = (*Container)(nil)

// Container is the Docker-backed implementation of Sandbox: one value
// per warm-pool slot, alive across many exec calls for many jobs.
type Container struct {
	ID        string
	IP        string
	Config    ContainerConfig
	client    *client.Client
	status    container.ContainerState
	logger    *slog.Logger
	HostPath  string
	MountPath string

	execMu  sync.Mutex
	execPid int
}

func NewContainer(cli *client.Client, cfg ContainerConfig, hostRoot string,
	logger *slog.Logger) *Container {
	l := logger.With(
		slog.String("slot_id", cfg.SlotID),
		slog.String("runtime", cfg.Runtime),
	)

	c := &Container{
		Config:    cfg,
		client:    cli,
		logger:    l,
		MountPath: DefaultMountPath(),
		HostPath:  DefaultHostPath(hostRoot, cfg.SlotID),
	}

	if c.Config.LogDir == "" {
		c.Config.LogDir = ".dockerlogs"
	}

	logPath := filepath.Join(c.Config.LogDir, c.Config.SlotID)
	if err := os.MkdirAll(logPath, 0755); err != nil {
		l.Error("failed to create log directory", "error", err)
	}

	return c
}

// resolveHostPath maps a workspace-relative path onto the host directory
// bind-mounted into the container, rejecting any escape attempt.
func (c *Container) resolveHostPath(userPath string) (string, error) {
	target := filepath.Join(c.HostPath, userPath)
	base := filepath.Clean(c.HostPath)
	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes workspace: %s", ErrInvalidPath, userPath)
	}
	return target, nil
}

// resolveContainerPath maps a workspace-relative path onto the
// container-side mount root, rejecting any escape attempt. path.Join is
// used instead of filepath.Join so the result is always slash-separated
// regardless of host OS.
func (c *Container) resolveContainerPath(userPath string) (string, error) {
	basePath := c.MountPath
	target := path.Join(basePath, userPath)
	cleanedTarget := path.Clean(target)

	if cleanedTarget != path.Clean(basePath) && !strings.HasPrefix(cleanedTarget, path.Clean(basePath)+"/") {
		return "", fmt.Errorf("%w: path escapes workspace: %s", ErrInvalidPath, userPath)
	}
	return cleanedTarget, nil
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container", slog.String("image", c.Config.Image))

	_, err := c.client.ImageInspect(ctx, c.Config.Image)
	if errdefs.IsNotFound(err) {
		c.logger.Info("image not found, pulling", "image", c.Config.Image)
		reader, err := c.client.ImagePull(ctx, c.Config.Image, image.PullOptions{})
		if err != nil {
			c.logger.Error("failed to pull image", "error", err)
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		defer reader.Close()

		done := make(chan struct{})
		go func() {
			if _, err := io.Copy(io.Discard, reader); err != nil {
				c.logger.Error("failed to read pull output", "error", err)
			}
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info("image pull completed")
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
		}
	} else if err != nil {
		if errdefs.IsUnavailable(err) || errdefs.IsCanceled(err) {
			return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
		}
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	if err := os.MkdirAll(c.HostPath, 0755); err != nil {
		return fmt.Errorf("failed to create host path: %w", err)
	}

	name := ContainerName(c.Config.SlotID)

	cfg := &container.Config{
		Image:      c.Config.Image,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Env:        c.Config.EnvVars,
		WorkingDir: c.MountPath,
		Labels: map[string]string{
			"managed_by": "function-agent",
			"runtime":    c.Config.Runtime,
			"slot_id":    c.Config.SlotID,
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{
			fmt.Sprintf("%s:%s:rw", c.HostPath, c.MountPath),
		},
		Resources: container.Resources{
			Memory:   c.Config.MemoryLimit,
			NanoCPUs: int64(c.Config.CPULimit * 1e9),
		},
		AutoRemove: false,
	}

	var netConfig *network.NetworkingConfig
	if c.Config.NetworkName != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				c.Config.NetworkName: {},
			},
		}
	}

	resp, err := c.client.ContainerCreate(ctx, cfg, hostConfig, netConfig, nil, name)
	if err != nil {
		c.logger.Error("failed to create container", "error", err)
		return fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	c.ID = resp.ID
	if err := c.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		c.logger.Error("failed to start container", "error", err)
		_ = c.client.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	inspect, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		c.logger.Error("failed to inspect container", "error", err)
		_ = c.client.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	if c.Config.NetworkName != "" {
		if net, ok := inspect.NetworkSettings.Networks[c.Config.NetworkName]; ok {
			c.IP = net.IPAddress
		}
	} else {
		for _, v := range inspect.NetworkSettings.Networks {
			c.IP = v.IPAddress
			break
		}
	}

	if err := c.refreshStatus(ctx); err != nil {
		c.logger.Warn("failed to refresh status after start", "error", err)
	}

	c.logger.Info("container started", "container_id", c.ID)
	return nil
}

func (c *Container) Stop(ctx context.Context, timeoutSeconds int) error {
	opts := container.StopOptions{Timeout: &timeoutSeconds}
	if err := c.client.ContainerStop(ctx, c.ID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (c *Container) Remove(ctx context.Context) error {
	opts := container.RemoveOptions{Force: true}
	if err := c.client.ContainerRemove(ctx, c.ID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (c *Container) refreshStatus(ctx context.Context) error {
	inspect, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	c.status = inspect.State.Status
	return nil
}

func (c *Container) GetStatus(ctx context.Context) (container.ContainerState, error) {
	if err := c.refreshStatus(ctx); err != nil {
		return "", err
	}
	return c.status, nil
}

// Kill signals the process started by the most recent Exec call
// directly, not the container's PID 1 (the idle "tail -f /dev/null"
// entrypoint). PID 1 has no signal handler of its own, so sending it a
// signal tears down the whole container's PID namespace instead of
// just the running job -- targeting the exec'd PID leaves the container
// itself running. A no-op if no exec is tracked.
func (c *Container) Kill(ctx context.Context, signal string) error {
	pid := c.getExecPid()
	if pid == 0 {
		return nil
	}
	if err := c.signalPid(ctx, pid, signal); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// signalPid runs "kill -s <signal> <pid>" inside the container's PID
// namespace, detached, so Kill doesn't wait on the signalled process.
func (c *Container) signalPid(ctx context.Context, pid int, signal string) error {
	createOpts := container.ExecOptions{
		Cmd: []string{"kill", "-s", signal, strconv.Itoa(pid)},
	}
	created, err := c.client.ContainerExecCreate(ctx, c.ID, createOpts)
	if err != nil {
		return err
	}
	return c.client.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true})
}

func (c *Container) setExecPid(pid int) {
	c.execMu.Lock()
	c.execPid = pid
	c.execMu.Unlock()
}

func (c *Container) getExecPid() int {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.execPid
}

// Stats takes a single non-streaming resource sample. It is polled by
// the executor at a fixed interval rather than consuming Docker's
// streaming stats API, since the agent only needs a peak, not a trace.
func (c *Container) Stats(ctx context.Context) (Stats, error) {
	resp, err := c.client.ContainerStatsOneShot(ctx, c.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Stats{}, ErrContainerNotFound
		}
		return Stats{}, fmt.Errorf("failed to sample stats: %w", err)
	}
	defer resp.Body.Close()

	var raw struct {
		MemoryStats struct {
			Usage uint64 `json:"usage"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return Stats{MemoryUsageBytes: raw.MemoryStats.Usage}, nil
}

// ApplyResourceLimits updates the container's live cgroup limits. Called
// when a job binds to a pooled slot, so the job's declared memory budget
// -- not the pool's idle default -- is what actually gets enforced.
func (c *Container) ApplyResourceLimits(ctx context.Context, memoryBytes int64, cpuCores float64) error {
	update := container.UpdateConfig{
		Resources: container.Resources{
			Memory:   memoryBytes,
			NanoCPUs: int64(cpuCores * 1e9),
		},
	}
	if _, err := c.client.ContainerUpdate(ctx, c.ID, update); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to update container resources: %w", err)
	}
	return nil
}

func (c *Container) Exec(ctx context.Context, cmd []string, env []string, workDir string) (*ExecResult, error) {
	if workDir == "" {
		workDir = c.MountPath
	}

	createOpts := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workDir,
		Tty:          false,
		AttachStdout: true,
		AttachStderr: true,
	}

	createdResp, err := c.client.ContainerExecCreate(ctx, c.ID, createOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create exec: %v", ErrExecFailed, err)
	}

	attachOpts := container.ExecAttachOptions{Tty: false, Detach: false}
	attachResp, err := c.client.ContainerExecAttach(ctx, createdResp.ID, attachOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach to exec: %v", ErrExecFailed, err)
	}
	defer attachResp.Close()

	if pid, err := c.resolveExecPid(ctx, createdResp.ID); err != nil {
		c.logger.Warn("failed to resolve exec pid, Kill will be a no-op for this run", "error", err)
	} else {
		c.setExecPid(pid)
	}

	stdoutBuf := newRingWriter(ringBufferCap)
	stderrBuf := newRingWriter(ringBufferCap)
	start := time.Now()

	done := make(chan struct{})
	go func() {
		_, _ = stdcopy.StdCopy(stdoutBuf, stderrBuf, attachResp.Reader)
		close(done)
	}()

	select {
	case <-done:
		c.setExecPid(0)
	case <-ctx.Done():
		// The process may still be running: its pid stays tracked so a
		// following Kill can reach it.
		return nil, ctx.Err()
	}

	duration := time.Since(start)

	inspectResp, err := c.client.ContainerExecInspect(ctx, createdResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect exec: %v", ErrExecFailed, err)
	}

	entry := ExecLogEntry{
		ID:         uuid.New().String(),
		Timestamp:  start,
		Command:    cmd,
		Output:     stdoutBuf.String() + stderrBuf.String(),
		ExitCode:   inspectResp.ExitCode,
		DurationMs: duration.Milliseconds(),
	}
	c.appendExecLog(entry)

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

// resolveExecPid polls exec inspect until the started process's PID is
// reported, so Kill has a target to signal directly instead of falling
// back to the container's own PID 1.
func (c *Container) resolveExecPid(ctx context.Context, execID string) (int, error) {
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err := c.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if inspect.Pid != 0 {
			return inspect.Pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("exec %s never reported a pid", execID)
}

func (c *Container) appendExecLog(entry ExecLogEntry) {
	logFile := filepath.Join(c.Config.LogDir, c.Config.SlotID, "events.jsonl")
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		c.logger.Error("failed to open exec log file", "error", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("failed to marshal exec log entry", "error", err)
		return
	}
	_, _ = f.Write(append(data, '\n'))
}

func (c *Container) WriteFile(ctx context.Context, p string, reader io.Reader, perm os.FileMode) error {
	hostTarget, err := c.resolveHostPath(p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(hostTarget), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.OpenFile(hostTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (c *Container) OpenFile(ctx context.Context, p string) (io.ReadCloser, error) {
	hostTarget, err := c.resolveHostPath(p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(hostTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

func (c *Container) ListFiles(ctx context.Context, p string) ([]FileInfo, error) {
	hostPath, err := c.resolveHostPath(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to get file info: %w", err)
		}
		files = append(files, FileInfo{
			Path:    entry.Name(),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

func (c *Container) GetLogs(ctx context.Context, tail int) (*LogResult, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}

	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tailStr}
	render, err := c.client.ContainerLogs(ctx, c.ID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer render.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, render)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &LogResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
}

func (c *Container) CopyToContainer(ctx context.Context, destPath string, src io.Reader) error {
	containerDest, err := c.resolveContainerPath(destPath)
	if err != nil {
		return err
	}

	parent := path.Dir(containerDest)
	if _, err := c.Exec(ctx, []string{"mkdir", "-p", parent}, nil, "/"); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		defer func() {
			tw.Close()
			pw.Close()
		}()

		header := &tar.Header{
			Name: path.Base(containerDest),
			Mode: 0644,
			Size: 0,
		}
		if err := tw.WriteHeader(header); err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(tw, src); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()

	opts := container.CopyToContainerOptions{AllowOverwriteDirWithFile: true}
	return c.client.CopyToContainer(ctx, c.ID, "/", pr, opts)
}

// UploadArchive uploads a pre-built tar stream into destPath, preserving
// the archive's internal directory structure. This is how the Workspace
// Stager injects an extracted bundle in one shot.
func (c *Container) UploadArchive(ctx context.Context, destPath string, tarStream io.Reader) error {
	containerDest, err := c.resolveContainerPath(destPath)
	if err != nil {
		return err
	}

	if _, err := c.Exec(ctx, []string{"mkdir", "-p", containerDest}, nil, "/"); err != nil {
		return err
	}

	opts := container.CopyToContainerOptions{AllowOverwriteDirWithFile: true}
	return c.client.CopyToContainer(ctx, c.ID, containerDest, tarStream, opts)
}

func (c *Container) CopyFromContainer(ctx context.Context, srcPath string, dest io.Writer) error {
	containerSrc, err := c.resolveContainerPath(srcPath)
	if err != nil {
		return err
	}

	r, _, err := c.client.CopyFromContainer(ctx, c.ID, containerSrc)
	if err != nil {
		return fmt.Errorf("failed to copy from container: %w", err)
	}
	defer r.Close()

	tarReader := tar.NewReader(r)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if _, err := io.Copy(dest, tarReader); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
	}
	return nil
}

func (c *Container) IsRunning(ctx context.Context) bool {
	inspect, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func (c *Container) GetExecLogs(ctx context.Context) ([]ExecLogEntry, error) {
	logFile := filepath.Join(c.Config.LogDir, c.Config.SlotID, "events.jsonl")
	f, err := os.Open(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []ExecLogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var entries []ExecLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry ExecLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			c.logger.Warn("failed to unmarshal log entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return entries, nil
}
