package dispatcher_test

import (
	"testing"

	"agent/internal/dispatcher"
)

func TestParseJobRequestValid(t *testing.T) {
	body := `{"requestId":"r1","functionId":"fn1","runtime":"python","s3Bucket":"b","s3Key":"k.zip","timeoutMs":5000,"memoryMb":128}`
	req, err := dispatcher.ParseJobRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.RequestID != "r1" || req.FunctionID != "fn1" {
		t.Errorf("unexpected parse result: %+v", req)
	}
}

func TestParseJobRequestRejectsMissingRequestID(t *testing.T) {
	body := `{"functionId":"fn1","runtime":"python","timeoutMs":5000}`
	if _, err := dispatcher.ParseJobRequest(body); err == nil {
		t.Fatal("expected error for missing requestId")
	}
}

func TestParseJobRequestRejectsZeroTimeout(t *testing.T) {
	body := `{"requestId":"r1","runtime":"python","timeoutMs":0}`
	if _, err := dispatcher.ParseJobRequest(body); err == nil {
		t.Fatal("expected error for timeoutMs=0")
	}
}

func TestParseJobRequestRejectsUnknownRuntime(t *testing.T) {
	body := `{"requestId":"r1","runtime":"ruby","timeoutMs":5000}`
	if _, err := dispatcher.ParseJobRequest(body); err == nil {
		t.Fatal("expected error for unknown runtime")
	}
}

func TestParseJobRequestRejectsMalformedJSON(t *testing.T) {
	if _, err := dispatcher.ParseJobRequest("not json"); err == nil {
		t.Fatal("expected error for malformed body")
	}
}
