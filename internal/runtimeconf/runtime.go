// Package runtimeconf holds the static per-runtime knobs the rest of the
// agent is parameterized over: which image backs a runtime, how its
// entrypoint is detected, and what argv actually runs user code.
package runtimeconf

import "fmt"

// Name identifies a supported execution runtime.
type Name string

const (
	Python Name = "python"
	CPP    Name = "cpp"
	NodeJS Name = "nodejs"
	Go     Name = "go"
)

// Descriptor is the single source of truth for a runtime: its warm-pool
// image, how to recognize a bundle as belonging to it, and the command
// used to launch user code once staged.
type Descriptor struct {
	Name               Name
	Image              string
	EntrypointFile     string // file whose presence in the bundle identifies this runtime
	LaunchCommand      []string
	DefaultWallClockMs int64
	RequiresBuild      bool
}

var table = map[Name]Descriptor{
	Python: {
		Name:               Python,
		Image:              "agent-runtime-python:latest",
		EntrypointFile:     "main.py",
		LaunchCommand:      []string{"python3", "main.py"},
		DefaultWallClockMs: 5000,
		RequiresBuild:      false,
	},
	NodeJS: {
		Name:               NodeJS,
		Image:              "agent-runtime-nodejs:latest",
		EntrypointFile:     "index.js",
		LaunchCommand:      []string{"node", "index.js"},
		DefaultWallClockMs: 5000,
		RequiresBuild:      false,
	},
	CPP: {
		Name:               CPP,
		Image:              "agent-runtime-cpp:latest",
		EntrypointFile:     "main.cpp",
		LaunchCommand:      []string{"sh", "run.sh"},
		DefaultWallClockMs: 8000,
		RequiresBuild:      true,
	},
	Go: {
		Name:               Go,
		Image:              "agent-runtime-go:latest",
		EntrypointFile:     "main.go",
		LaunchCommand:      []string{"sh", "run.sh"},
		DefaultWallClockMs: 8000,
		RequiresBuild:      true,
	},
}

// ErrUnknownRuntime is returned by Lookup for a name absent from the table.
var ErrUnknownRuntime = fmt.Errorf("runtimeconf: unknown runtime")

// Lookup returns the Descriptor for name, or ErrUnknownRuntime.
func Lookup(name Name) (Descriptor, error) {
	d, ok := table[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
	}
	return d, nil
}

// All returns every configured runtime name. Order is not significant;
// callers that need determinism (e.g. pool manager startup) should sort.
func All() []Name {
	names := make([]Name, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	return names
}

// DetectFromFiles returns the runtime whose EntrypointFile is present in
// files, the flat list of relative paths found in an extracted bundle.
// ErrUnknownRuntime is returned when no descriptor matches.
func DetectFromFiles(files []string) (Name, error) {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	for name, d := range table {
		if present[d.EntrypointFile] {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no recognized entrypoint file among %d bundle entries", ErrUnknownRuntime, len(files))
}
