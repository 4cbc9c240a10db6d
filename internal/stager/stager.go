// Package stager materializes a function's code bundle: it downloads
// the archive from object storage, safely extracts it to a host scratch
// directory, detects which runtime the bundle targets, and uploads the
// result into a rented container's workspace.
package stager

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"agent/internal/objectstore"
	"agent/internal/runtimeconf"
	"agent/internal/sandbox"
)

var (
	// ErrBundleMissing means the object store returned a not-found for
	// the requested code bucket/key.
	ErrBundleMissing = errors.New("stager: code bundle not found")
	// ErrBundleOversized means the downloaded object exceeded the
	// configured maximum before or during extraction.
	ErrBundleOversized = errors.New("stager: code bundle exceeds size limit")
	// ErrPathTraversal means an archive entry would resolve outside the
	// scratch root it is being extracted into.
	ErrPathTraversal = errors.New("stager: archive entry escapes workspace")
	// ErrRuntimeMismatch means the detected runtime does not match the
	// runtime declared on the job request.
	ErrRuntimeMismatch = errors.New("stager: detected runtime does not match request")
	// ErrUnknownFormat means the object's magic bytes match neither a
	// gzip'd tar nor a zip archive.
	ErrUnknownFormat = errors.New("stager: unrecognized archive format")
)

// Config bounds the resources a single staging operation may consume.
type Config struct {
	ScratchRoot        string // host directory scratch workspaces are created under
	MaxArchiveBytes    int64  // cap on the downloaded object itself
	MaxExpandedBytes   int64  // cap on total bytes written during extraction (zip-bomb guard)
	ContainerMountRoot string // e.g. "/workspace-root"
}

// Request identifies the bundle to stage and the runtime it must match.
type Request struct {
	RequestID string
	Runtime   runtimeconf.Name
	Bucket    string
	Key       string
}

// Result is what the executor needs to actually launch the job.
type Result struct {
	LaunchCommand   []string
	ContainerWorkDir string
	DetectedRuntime runtimeconf.Name
}

// Stager downloads, sanitizes, and injects code bundles.
type Stager struct {
	store  objectstore.ObjectStore
	cfg    Config
	logger *slog.Logger
}

func New(store objectstore.ObjectStore, cfg Config, logger *slog.Logger) *Stager {
	return &Stager{store: store, cfg: cfg, logger: logger.With(slog.String("component", "stager"))}
}

// Workspace is a downloaded, extracted, runtime-verified code bundle
// sitting in host scratch space, not yet copied into any container.
// Everything that produces one is network- and CPU-bound but needs no
// warm-pool slot; Cleanup must be called once the workspace has been
// injected (or staging failed) to remove the scratch directory.
type Workspace struct {
	scratchDir      string
	containerDest   string
	launchCommand   []string
	detectedRuntime runtimeconf.Name
}

// Cleanup removes the workspace's scratch directory. Safe to call on a
// nil *Workspace or more than once.
func (w *Workspace) Cleanup() {
	if w == nil || w.scratchDir == "" {
		return
	}
	os.RemoveAll(w.scratchDir)
}

// Prepare downloads req's bundle, extracts it under a fresh scratch
// directory, and cross-checks the detected runtime. It touches no
// container, so a stuck download or a slow extraction never holds a
// warm-pool slot -- callers must Prepare before renting a slot, and
// only Inject (which does need a container) after.
func (s *Stager) Prepare(ctx context.Context, req Request) (*Workspace, error) {
	log := s.logger.With(slog.String("request_id", req.RequestID))

	scratch := filepath.Join(s.cfg.ScratchRoot, req.RequestID+"-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("stager: create scratch dir: %w", err)
	}

	data, err := s.download(ctx, req)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	files, err := extract(data, scratch, s.cfg.MaxExpandedBytes)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}
	log.Info("bundle extracted", slog.Int("file_count", len(files)))

	detected, err := runtimeconf.DetectFromFiles(files)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("%w: %v", ErrRuntimeMismatch, err)
	}
	if detected != req.Runtime {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("%w: declared=%s detected=%s", ErrRuntimeMismatch, req.Runtime, detected)
	}

	descriptor, err := runtimeconf.Lookup(detected)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	return &Workspace{
		scratchDir:      scratch,
		containerDest:   req.RequestID,
		launchCommand:   descriptor.LaunchCommand,
		detectedRuntime: detected,
	}, nil
}

// Inject uploads a prepared workspace into slot's container workspace
// and creates its output directory. Must run after a successful
// Prepare and before the workspace is cleaned up.
func (s *Stager) Inject(ctx context.Context, slot sandbox.Sandbox, ws *Workspace) (Result, error) {
	tarStream, err := buildTar(ws.scratchDir)
	if err != nil {
		return Result{}, fmt.Errorf("stager: rebuild tar for upload: %w", err)
	}
	if err := slot.UploadArchive(ctx, ws.containerDest, tarStream); err != nil {
		return Result{}, fmt.Errorf("stager: upload to container: %w", err)
	}

	outputDir := fmt.Sprintf("%s/output", ws.containerDest)
	if _, err := slot.Exec(ctx, []string{"mkdir", "-p", outputDir}, nil, ""); err != nil {
		return Result{}, fmt.Errorf("stager: create output dir: %w", err)
	}

	return Result{
		LaunchCommand:    ws.launchCommand,
		ContainerWorkDir: fmt.Sprintf("%s/%s", s.cfg.ContainerMountRoot, ws.containerDest),
		DetectedRuntime:  ws.detectedRuntime,
	}, nil
}

func (s *Stager) download(ctx context.Context, req Request) ([]byte, error) {
	obj, err := s.store.Get(ctx, req.Bucket, req.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrBundleMissing, req.Bucket, req.Key)
		}
		return nil, fmt.Errorf("stager: download bundle: %w", err)
	}
	defer obj.Close()

	limited := io.LimitReader(obj, s.cfg.MaxArchiveBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("stager: read bundle: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxArchiveBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBundleOversized, s.cfg.MaxArchiveBytes)
	}
	return data, nil
}

// extract writes data (a gzip'd tar or a zip, sniffed by magic bytes)
// into root, rejecting any entry that would escape root or push total
// written bytes past maxExpanded. It returns the slash-separated
// relative paths of every regular file written, for runtime detection.
func extract(data []byte, root string, maxExpanded int64) ([]string, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return extractTarGz(data, root, maxExpanded)
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04")):
		return extractZip(data, root, maxExpanded)
	default:
		return nil, ErrUnknownFormat
	}
}

func extractTarGz(data []byte, root string, maxExpanded int64) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("stager: open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var files []string
	var written int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stager: read tar entry: %w", err)
		}
		if strings.Contains(hdr.Name, "\x00") {
			return nil, fmt.Errorf("%w: null byte in entry name", ErrPathTraversal)
		}

		target, err := sanitizedJoin(root, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, fmt.Errorf("stager: create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			written += hdr.Size
			if written > maxExpanded {
				return nil, fmt.Errorf("%w: expanded size exceeds %d bytes", ErrBundleOversized, maxExpanded)
			}
			if err := writeEntry(target, io.LimitReader(tr, hdr.Size), os.FileMode(hdr.Mode)); err != nil {
				return nil, err
			}
			files = append(files, filepath.ToSlash(hdr.Name))
		default:
			// symlinks, devices, etc. are silently skipped: user
			// code has no legitimate reason to ship them.
		}
	}
	return files, nil
}

func extractZip(data []byte, root string, maxExpanded int64) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("stager: open zip stream: %w", err)
	}

	var files []string
	var written int64

	for _, entry := range zr.File {
		if strings.Contains(entry.Name, "\x00") {
			return nil, fmt.Errorf("%w: null byte in entry name", ErrPathTraversal)
		}

		target, err := sanitizedJoin(root, entry.Name)
		if err != nil {
			return nil, err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, fmt.Errorf("stager: create dir %s: %w", entry.Name, err)
			}
			continue
		}

		written += int64(entry.UncompressedSize64)
		if written > maxExpanded {
			return nil, fmt.Errorf("%w: expanded size exceeds %d bytes", ErrBundleOversized, maxExpanded)
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("stager: open zip entry %s: %w", entry.Name, err)
		}
		err = writeEntry(target, rc, entry.Mode())
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, filepath.ToSlash(entry.Name))
	}
	return files, nil
}

// sanitizedJoin resolves name against root, rejecting any result that
// escapes root -- the same defense sandbox.Container applies to its
// own host/container path resolution, applied here to archive entries.
func sanitizedJoin(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target := filepath.Join(cleanRoot, filepath.FromSlash(name))
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	return target, nil
}

func writeEntry(target string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("stager: create parent dir for %s: %w", target, err)
	}
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("stager: create file %s: %w", target, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("stager: write file %s: %w", target, err)
	}
	return nil
}

// buildTar walks root and rebuilds a tar stream suitable for
// UploadArchive, preserving relative paths and symlink-free regular
// file structure only (mirrors the walk in the teacher's tar-writer
// helper, but over the already-sanitized scratch tree).
func buildTar(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
