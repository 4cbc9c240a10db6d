package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"agent/internal/runtimeconf"
)

type Config struct {
	AWS      AWSConfig
	SQS      SQSConfig
	S3       S3Config
	Docker   DockerConfig
	Pool     PoolConfig
	Redis    RedisConfig
	Output   OutputConfig
	Postgres PostgresConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type AWSConfig struct {
	Region string
}

type SQSConfig struct {
	QueueURL             string
	WaitTimeSeconds      int32
	MaxNumberOfMessages  int32
}

type S3Config struct {
	CodeBucket     string
	UserDataBucket string
}

type DockerConfig struct {
	WorkDirRoot      string
	DefaultTimeoutMs int64
	MaxTimeoutMs     int64 // sizes the shutdown grace; declared timeoutMs values are not checked against it
	OutputMountPath  string
}

// PoolConfig sizes one warm pool per runtime. RuntimeSizes is populated
// from per-runtime environment variables (warm_pool.<runtime>_size).
type PoolConfig struct {
	Enabled             bool
	NetworkName         string
	HostRoot            string
	HealthCheckInterval time.Duration
	DefaultCPUCores     float64
	RuntimeSizes        map[runtimeconf.Name]RuntimeSize
}

type RuntimeSize struct {
	TargetSize int
	MaxSize    int
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	ResultPrefix string
}

type OutputConfig struct {
	Enabled bool
	BaseDir string
	S3Prefix string
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type AuditConfig struct {
	Enabled   bool
	Retention time.Duration
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Dir   string
	Level string
}

// Load populates Config from the process environment, falling back to
// development-friendly defaults so the agent can run locally against a
// docker daemon without any environment set at all.
func Load() *Config {
	logDir := getEnv("LOG_DIR", defaultLogDir())

	return &Config{
		AWS: AWSConfig{
			Region: getEnv("AWS_REGION", "us-east-1"),
		},
		SQS: SQSConfig{
			QueueURL:            getEnv("SQS_QUEUE_URL", ""),
			WaitTimeSeconds:     int32(getIntEnv("SQS_WAIT_TIME_SECONDS", 20)),
			MaxNumberOfMessages: int32(getIntEnv("SQS_MAX_NUMBER_OF_MESSAGES", 10)),
		},
		S3: S3Config{
			CodeBucket:     getEnv("S3_CODE_BUCKET", "agent-code-bundles"),
			UserDataBucket: getEnv("S3_USER_DATA_BUCKET", "agent-user-outputs"),
		},
		Docker: DockerConfig{
			WorkDirRoot:      getEnv("DOCKER_WORK_DIR_ROOT", defaultHostRoot()),
			DefaultTimeoutMs: int64(getIntEnv("DOCKER_DEFAULT_TIMEOUT_MS", 30000)),
			MaxTimeoutMs:     int64(getIntEnv("DOCKER_MAX_TIMEOUT_MS", 900000)),
			OutputMountPath:  getEnv("DOCKER_OUTPUT_MOUNT_PATH", "/workspace-root"),
		},
		Pool: PoolConfig{
			Enabled:             getBoolEnv("WARM_POOL_ENABLED", true),
			NetworkName:         getEnv("POOL_NETWORK_NAME", "agent-net"),
			HostRoot:            getEnv("POOL_HOST_ROOT", defaultHostRoot()),
			HealthCheckInterval: getDurationEnv("POOL_HEALTH_CHECK_INTERVAL", 2*time.Second),
			DefaultCPUCores:     getFloatEnv("POOL_DEFAULT_CPU_CORES", 0.5),
			RuntimeSizes:        loadRuntimeSizes(),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getIntEnv("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			ResultPrefix: getEnv("REDIS_RESULT_PREFIX", "result:"),
		},
		Output: OutputConfig{
			Enabled:  getBoolEnv("OUTPUT_ENABLED", true),
			BaseDir:  getEnv("OUTPUT_BASE_DIR", defaultOutputDir()),
			S3Prefix: getEnv("OUTPUT_S3_PREFIX", "outputs"),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "agent_audit"),
		},
		Audit: AuditConfig{
			Enabled:   getBoolEnv("AUDIT_ENABLED", true),
			Retention: getDurationEnv("AUDIT_RETENTION", 30*24*time.Hour),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
		Log: LogConfig{
			Dir:   logDir,
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

// loadRuntimeSizes reads WARM_POOL_<RUNTIME>_SIZE / _MAX for every known
// runtime, defaulting to a small fixed pool per runtime.
func loadRuntimeSizes() map[runtimeconf.Name]RuntimeSize {
	sizes := make(map[runtimeconf.Name]RuntimeSize, len(runtimeconf.All()))
	for _, name := range runtimeconf.All() {
		envName := envRuntimeName(name)
		sizes[name] = RuntimeSize{
			TargetSize: getIntEnv("WARM_POOL_"+envName+"_SIZE", 2),
			MaxSize:    getIntEnv("WARM_POOL_"+envName+"_MAX", 5),
		}
	}
	return sizes
}

func envRuntimeName(name runtimeconf.Name) string {
	switch name {
	case runtimeconf.Python:
		return "PYTHON"
	case runtimeconf.CPP:
		return "CPP"
	case runtimeconf.NodeJS:
		return "NODEJS"
	case runtimeconf.Go:
		return "GO"
	default:
		return string(name)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch val {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}

func defaultHostRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/agent/workspaces"
	}
	return filepath.Join(home, ".agent", "workspaces")
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/agent/outputs"
	}
	return filepath.Join(home, ".agent", "outputs")
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/agent/logs"
	}
	return filepath.Join(home, ".agent", "logs")
}
