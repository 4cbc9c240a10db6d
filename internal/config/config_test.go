package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("unexpected default region: %s", cfg.AWS.Region)
	}
	if cfg.SQS.WaitTimeSeconds != 20 {
		t.Errorf("unexpected default wait time: %d", cfg.SQS.WaitTimeSeconds)
	}
	if !cfg.Pool.Enabled {
		t.Error("expected pool enabled by default")
	}
	if len(cfg.Pool.RuntimeSizes) == 0 {
		t.Error("expected runtime sizes to be populated for every known runtime")
	}
}

func TestLoadRespectsEnvOverrides(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.example.com/queue")
	t.Setenv("AUDIT_ENABLED", "false")
	t.Setenv("WARM_POOL_PYTHON_SIZE", "7")

	cfg := Load()
	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("region override not applied: %s", cfg.AWS.Region)
	}
	if cfg.SQS.QueueURL != "https://sqs.example.com/queue" {
		t.Errorf("queue url override not applied: %s", cfg.SQS.QueueURL)
	}
	if cfg.Audit.Enabled {
		t.Error("expected audit disabled override to apply")
	}
}
