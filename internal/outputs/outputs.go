// Package outputs implements the Output Binder: after a job finishes,
// it walks the container's output directory and uploads whatever the
// job produced to object storage, best-effort.
package outputs

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"agent/internal/objectstore"
	"agent/internal/sandbox"
)

// Entry describes one uploaded output file.
type Entry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Locator string `json:"locator"`
}

// Config controls where bound outputs land.
type Config struct {
	Bucket string
	Prefix string // key prefix, joined with the request id
}

// Binder uploads a job's declared output directory to object storage.
type Binder struct {
	store  objectstore.ObjectStore
	cfg    Config
	logger *slog.Logger
}

func New(store objectstore.ObjectStore, cfg Config, logger *slog.Logger) *Binder {
	return &Binder{store: store, cfg: cfg, logger: logger.With(slog.String("component", "output_binder"))}
}

// Bind walks outputDir inside box (e.g. "<request root>/output") and
// uploads every regular file found under it. A per-file failure is
// logged and omitted from the manifest; it never fails the call or
// changes the job's own execution status.
func (b *Binder) Bind(ctx context.Context, box sandbox.Sandbox, requestID, outputDir string) []Entry {
	var entries []Entry
	b.walk(ctx, box, requestID, outputDir, "", &entries)
	return entries
}

func (b *Binder) walk(ctx context.Context, box sandbox.Sandbox, requestID, containerDir, relDir string, entries *[]Entry) {
	files, err := box.ListFiles(ctx, containerDir)
	if err != nil {
		// No output directory is the common case: most jobs don't
		// write any files. Anything else is logged but still
		// best-effort.
		b.logger.Debug("no output to bind", "request_id", requestID, "dir", containerDir, "error", err)
		return
	}

	for _, f := range files {
		childContainerPath := path.Join(containerDir, f.Path)
		childRel := path.Join(relDir, f.Path)

		if f.IsDir {
			b.walk(ctx, box, requestID, childContainerPath, childRel, entries)
			continue
		}

		entry, err := b.upload(ctx, box, requestID, childContainerPath, childRel, f.Size)
		if err != nil {
			b.logger.Warn("failed to bind output file", "request_id", requestID, "path", childRel, "error", err)
			continue
		}
		*entries = append(*entries, entry)
	}
}

func (b *Binder) upload(ctx context.Context, box sandbox.Sandbox, requestID, containerPath, relPath string, size int64) (Entry, error) {
	r, err := box.OpenFile(ctx, containerPath)
	if err != nil {
		return Entry{}, fmt.Errorf("open %s: %w", containerPath, err)
	}
	defer r.Close()

	key := path.Join(b.cfg.Prefix, requestID, relPath)
	if err := b.store.Put(ctx, b.cfg.Bucket, key, r, size); err != nil {
		return Entry{}, fmt.Errorf("upload %s: %w", key, err)
	}

	return Entry{
		Path:    relPath,
		Size:    size,
		Locator: fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, key),
	}, nil
}
