package dispatcher

import (
	"encoding/json"
	"fmt"

	"agent/internal/runtimeconf"
)

// JobRequest is the wire shape of one queue message body.
type JobRequest struct {
	RequestID  string           `json:"requestId"`
	FunctionID string           `json:"functionId"`
	Runtime    runtimeconf.Name `json:"runtime"`
	S3Bucket   string           `json:"s3Bucket"`
	S3Key      string           `json:"s3Key"`
	TimeoutMs  int64            `json:"timeoutMs"`
	MemoryMb   int64            `json:"memoryMb"`
}

// ParseJobRequest decodes and validates a queue message body.
func ParseJobRequest(body string) (JobRequest, error) {
	var req JobRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return JobRequest{}, fmt.Errorf("dispatcher: decode job request: %w", err)
	}
	if req.RequestID == "" {
		return JobRequest{}, fmt.Errorf("dispatcher: job request missing requestId")
	}
	if req.TimeoutMs <= 0 {
		return JobRequest{}, fmt.Errorf("dispatcher: job %s has invalid timeoutMs %d", req.RequestID, req.TimeoutMs)
	}
	if _, err := runtimeconf.Lookup(req.Runtime); err != nil {
		return JobRequest{}, fmt.Errorf("dispatcher: job %s: %w", req.RequestID, err)
	}
	return req, nil
}

func (r JobRequest) memoryBytes() int64 {
	return r.MemoryMb * 1024 * 1024
}
