// Package config loads scripthost runtime configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"scripthost/pkg/s3"
)

// Config holds runtime configuration for scripthostd and scripthostctl.
type Config struct {
	Addr               string   `env:"ADDR,default=:8080"`
	DataDir            string   `env:"DATA_DIR,default=./data"`
	DBDSN              string   `env:"DB_DSN,required"`
	NATSURL            string   `env:"NATS_URL"`
	OTLPEndpoint       string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel           string   `env:"LOG_LEVEL,default=info"`
	LogFormat          string   `env:"LOG_FORMAT,default=console"`
	AllowedOrigins     []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE,default=100"`

	CPUThreshold        float64 `env:"CPU_THRESHOLD,default=90"`
	MemoryThreshold     float64 `env:"MEMORY_THRESHOLD,default=90"`
	MaxRunningProcesses int     `env:"MAX_RUNNING_PROCESSES,default=10"`
	MaxFilesPerUser     int     `env:"MAX_FILES_PER_USER,default=3"`

	PythonBin      string        `env:"PYTHON_BIN,default=python3"`
	NodeBin        string        `env:"NODE_BIN,default=node"`
	StopGrace      time.Duration `env:"STOP_GRACE,default=5s"`
	RestartDelay   time.Duration `env:"RESTART_DELAY,default=2s"`
	InstallTimeout time.Duration `env:"INSTALL_TIMEOUT,default=120s"`

	S3 s3.Config `env:",prefix=S3_"`
}

// Backup holds the settings scripthostctl needs for backups, which do not
// touch the database.
type Backup struct {
	DataDir      string `env:"DATA_DIR,default=./data"`
	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	AgePublicKey string `env:"AGE_PUBLIC_KEY"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from lookuper and validates it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadBackup reads an optional .env file and then the backup settings.
func LoadBackup(ctx context.Context) (Backup, error) {
	_ = godotenv.Load()
	return LoadBackupWith(ctx, envconfig.OsLookuper())
}

// LoadBackupWith populates Backup from lookuper.
func LoadBackupWith(ctx context.Context, lookuper envconfig.Lookuper) (Backup, error) {
	var cfg Backup
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Backup{}, err
	}
	return cfg, nil
}

// Validate rejects settings the supervisor cannot operate with.
func (c Config) Validate() error {
	var errs []error
	if c.CPUThreshold <= 0 || c.CPUThreshold > 100 {
		errs = append(errs, fmt.Errorf("CPU_THRESHOLD must be in (0, 100], got %v", c.CPUThreshold))
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 100 {
		errs = append(errs, fmt.Errorf("MEMORY_THRESHOLD must be in (0, 100], got %v", c.MemoryThreshold))
	}
	if c.MaxRunningProcesses < 1 {
		errs = append(errs, fmt.Errorf("MAX_RUNNING_PROCESSES must be at least 1, got %d", c.MaxRunningProcesses))
	}
	if c.MaxFilesPerUser < 1 {
		errs = append(errs, fmt.Errorf("MAX_FILES_PER_USER must be at least 1, got %d", c.MaxFilesPerUser))
	}
	if c.StopGrace <= 0 {
		errs = append(errs, fmt.Errorf("STOP_GRACE must be positive, got %s", c.StopGrace))
	}
	if c.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("RESTART_DELAY must not be negative, got %s", c.RestartDelay))
	}
	if c.InstallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("INSTALL_TIMEOUT must be positive, got %s", c.InstallTimeout))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimitPerMinute))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("DATA_DIR must not be empty"))
	}
	return errors.Join(errs...)
}

// UploadsDir holds saved uploads, one subdirectory per tenant.
func (c Config) UploadsDir() string { return filepath.Join(c.DataDir, "uploads") }

// LogsDir holds one log file per run.
func (c Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// TempDir holds extracted archives.
func (c Config) TempDir() string { return filepath.Join(c.DataDir, "temp") }

// EnsureDirs creates the data directory layout.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.UploadsDir(), c.LogsDir(), c.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
