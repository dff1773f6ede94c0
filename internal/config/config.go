// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Identity modes.
const (
	IdentityName    = "name"
	IdentityContent = "content"
)

// Blob store backends.
const (
	BackendS3    = "s3"
	BackendLocal = "local"
)

// DefaultIgnorePatterns covers temp files, sidecar metadata and hidden markers.
var DefaultIgnorePatterns = []string{"*.tmp*", "*.temp*", "*Test_*", "*.json*", ".*"}

// Config holds all dropsync configuration.
type Config struct {
	// Watching
	WatchDir       string
	IgnorePatterns []string
	QuietWindow    time.Duration
	SweepInterval  time.Duration
	ScanExisting   bool

	// Ledger
	LedgerFile string

	// Uploads
	ContainerName       string
	IdentityMode        string
	UploadTimeout       time.Duration
	UploadWorkers       int
	UploadRetryAttempts int

	// Blob store backend ("s3" or "local", default: "s3")
	BlobBackend      string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Metrics, health and event stream listener. Empty disables it.
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		WatchDir:            envOr("WATCH_DIR", envOr("COMFYUI_OUTPUT_DIR", "/workspace/output")),
		IgnorePatterns:      envList("IGNORE_PATTERNS", DefaultIgnorePatterns),
		QuietWindow:         envDuration("QUIET_WINDOW", 2*time.Second),
		SweepInterval:       envDuration("SWEEP_INTERVAL", time.Second),
		ScanExisting:        envBool("SCAN_EXISTING", false),
		LedgerFile:          envOr("LEDGER_FILE", envOr("SYNC_STATE_FILE", "/workspace/sync_state.json")),
		ContainerName:       envOr("CONTAINER_NAME", envOr("GDRIVE_FOLDER_NAME", "ComfyUI-Outputs")),
		IdentityMode:        envOr("IDENTITY_MODE", IdentityName),
		UploadTimeout:       envDuration("UPLOAD_TIMEOUT", 30*time.Second),
		UploadWorkers:       envInt("UPLOAD_WORKERS", 1),
		UploadRetryAttempts: envInt("UPLOAD_RETRY_ATTEMPTS", 1),
		BlobBackend:         envOr("BLOB_BACKEND", BackendS3),
		LocalStoragePath:    envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:          envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:            envOr("S3_BUCKET", "dropsync"),
		S3AccessKey:         envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:         envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3UseSSL:            envBool("S3_USE_SSL", false),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "auto"),
		LogFile:             envOr("LOG_FILE", ""),
		LogMaxSizeMB:        envInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:       envInt("LOG_MAX_BACKUPS", 5),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
	}
	if cfg.MetricsAddr == "off" {
		cfg.MetricsAddr = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants between settings.
func (c *Config) Validate() error {
	var errs []error
	if c.WatchDir == "" {
		errs = append(errs, errors.New("WATCH_DIR is required"))
	}
	if c.LedgerFile == "" {
		errs = append(errs, errors.New("LEDGER_FILE is required"))
	}
	if c.ContainerName == "" {
		errs = append(errs, errors.New("CONTAINER_NAME is required"))
	}
	if c.QuietWindow <= 0 {
		errs = append(errs, fmt.Errorf("QUIET_WINDOW must be positive, got %s", c.QuietWindow))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval))
	}
	if c.UploadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_TIMEOUT must be positive, got %s", c.UploadTimeout))
	}
	if c.UploadWorkers < 1 {
		errs = append(errs, fmt.Errorf("UPLOAD_WORKERS must be at least 1, got %d", c.UploadWorkers))
	}
	if c.UploadRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("UPLOAD_RETRY_ATTEMPTS must be at least 1, got %d", c.UploadRetryAttempts))
	}
	switch c.IdentityMode {
	case IdentityName, IdentityContent:
	default:
		errs = append(errs, fmt.Errorf("IDENTITY_MODE must be %q or %q, got %q", IdentityName, IdentityContent, c.IdentityMode))
	}
	switch c.BlobBackend {
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 backend"))
		}
	case BackendLocal:
		if c.LocalStoragePath == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE_PATH is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND: %s", c.BlobBackend))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go duration strings ("1500ms", "2s") and bare
// seconds ("2").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
