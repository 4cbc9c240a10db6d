package outputs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"

	"agent/internal/outputs"
	"agent/internal/sandbox"
)

type fakeStore struct {
	puts map[string][]byte
	fail map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string][]byte), fail: make(map[string]bool)}
}

func (s *fakeStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	if s.fail[key] {
		return errors.New("simulated upload failure")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.puts[key] = data
	return nil
}

// fakeTree is a tiny in-memory directory tree used to drive ListFiles
// and OpenFile without touching a real container.
type fakeTree struct {
	dirs  map[string][]sandbox.FileInfo
	files map[string][]byte
}

type fakeSandbox struct {
	tree *fakeTree
}

func (f *fakeSandbox) Start(ctx context.Context) error                       { return nil }
func (f *fakeSandbox) Stop(ctx context.Context, timeoutSeconds int) error    { return nil }
func (f *fakeSandbox) Remove(ctx context.Context) error                     { return nil }
func (f *fakeSandbox) Exec(ctx context.Context, cmd, env []string, workDir string) (*sandbox.ExecResult, error) {
	return nil, nil
}
func (f *fakeSandbox) GetStatus(ctx context.Context) (dockercontainer.ContainerState, error) {
	return dockercontainer.ContainerState{}, nil
}
func (f *fakeSandbox) GetLogs(ctx context.Context, tail int) (*sandbox.LogResult, error) {
	return nil, nil
}
func (f *fakeSandbox) GetExecLogs(ctx context.Context) ([]sandbox.ExecLogEntry, error) {
	return nil, nil
}

func (f *fakeSandbox) ListFiles(ctx context.Context, path string) ([]sandbox.FileInfo, error) {
	entries, ok := f.tree.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return entries, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path string, r io.Reader, perm os.FileMode) error {
	return nil
}

func (f *fakeSandbox) OpenFile(ctx context.Context, path string) (io.ReadCloser, error) {
	data, ok := f.tree.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeSandbox) CopyFromContainer(ctx context.Context, srcPath string, dest io.Writer) error {
	return nil
}
func (f *fakeSandbox) UploadArchive(ctx context.Context, destPath string, tarStream io.Reader) error {
	return nil
}
func (f *fakeSandbox) CopyToContainer(ctx context.Context, destPath string, src io.Reader) error {
	return nil
}
func (f *fakeSandbox) IsRunning(ctx context.Context) bool              { return true }
func (f *fakeSandbox) Kill(ctx context.Context, signal string) error   { return nil }
func (f *fakeSandbox) Stats(ctx context.Context) (sandbox.Stats, error) {
	return sandbox.Stats{}, nil
}
func (f *fakeSandbox) ApplyResourceLimits(ctx context.Context, memoryBytes int64, cpuCores float64) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBindUploadsNestedFiles(t *testing.T) {
	tree := &fakeTree{
		dirs: map[string][]sandbox.FileInfo{
			"/workspace-root/req-1/output": {
				{Path: "result.json", Size: 5},
				{Path: "nested", IsDir: true, ModTime: time.Now()},
			},
			"/workspace-root/req-1/output/nested": {
				{Path: "plot.png", Size: 3},
			},
		},
		files: map[string][]byte{
			"/workspace-root/req-1/output/result.json":        []byte("hello"),
			"/workspace-root/req-1/output/nested/plot.png":     []byte("abc"),
		},
	}
	box := &fakeSandbox{tree: tree}
	store := newFakeStore()
	b := outputs.New(store, outputs.Config{Bucket: "out-bucket", Prefix: "results"}, testLogger())

	entries := b.Bind(context.Background(), box, "req-1", "/workspace-root/req-1/output")

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}

	want := map[string]string{
		"result.json":        "results/req-1/result.json",
		"nested/plot.png":     "results/req-1/nested/plot.png",
	}
	for _, e := range entries {
		key, ok := want[e.Path]
		if !ok {
			t.Errorf("unexpected entry path %q", e.Path)
			continue
		}
		if _, ok := store.puts[key]; !ok {
			t.Errorf("expected object stored at key %q", key)
		}
	}
}

func TestBindMissingOutputDirReturnsEmpty(t *testing.T) {
	box := &fakeSandbox{tree: &fakeTree{dirs: map[string][]sandbox.FileInfo{}}}
	store := newFakeStore()
	b := outputs.New(store, outputs.Config{Bucket: "out-bucket", Prefix: "results"}, testLogger())

	entries := b.Bind(context.Background(), box, "req-2", "/workspace-root/req-2/output")
	if len(entries) != 0 {
		t.Errorf("expected no entries when output dir is absent, got %d", len(entries))
	}
}

func TestBindSkipsFailedUploadButKeepsOthers(t *testing.T) {
	tree := &fakeTree{
		dirs: map[string][]sandbox.FileInfo{
			"/workspace-root/req-3/output": {
				{Path: "good.txt", Size: 4},
				{Path: "bad.txt", Size: 4},
			},
		},
		files: map[string][]byte{
			"/workspace-root/req-3/output/good.txt": []byte("good"),
			"/workspace-root/req-3/output/bad.txt":  []byte("bad!"),
		},
	}
	box := &fakeSandbox{tree: tree}
	store := newFakeStore()
	store.fail["results/req-3/bad.txt"] = true
	b := outputs.New(store, outputs.Config{Bucket: "out-bucket", Prefix: "results"}, testLogger())

	entries := b.Bind(context.Background(), box, "req-3", "/workspace-root/req-3/output")
	if len(entries) != 1 || entries[0].Path != "good.txt" {
		t.Errorf("expected only good.txt to survive, got %+v", entries)
	}
}
