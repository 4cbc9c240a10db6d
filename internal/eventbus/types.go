package eventbus

// Status mirrors the executor's terminal classification plus the
// staging-time failure this package also needs to report.
type Status string

const (
	StatusSucceeded         Status = "Succeeded"
	StatusFailedNonZeroExit Status = "FailedNonZeroExit"
	StatusTimedOut          Status = "TimedOut"
	StatusMemoryExceeded    Status = "MemoryExceeded"
	StatusStageError        Status = "StageError"
	StatusInternalError     Status = "InternalError"
)

// OutputEntry is one artifact the output binder uploaded.
type OutputEntry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Locator string `json:"locator"`
}

// Envelope is the single typed message published for every job request,
// exactly one per request_id.
type Envelope struct {
	RequestID       string        `json:"request_id"`
	FunctionID      string        `json:"function_id"`
	Runtime         string        `json:"runtime"`
	Status          Status        `json:"status"`
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	DurationMs      int64         `json:"duration_ms"`
	PeakMemoryBytes uint64        `json:"peak_memory_bytes"`
	Outputs         []OutputEntry `json:"outputs"`
}

// ChannelKey returns the deterministic pub/sub channel a result is
// published under for a given request.
func ChannelKey(prefix, requestID string) string {
	return prefix + requestID
}
