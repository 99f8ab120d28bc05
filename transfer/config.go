package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variables honored by ConfigFromEnv.
const (
	chunkSizeEnvKey      = "DX_CHUNK_SIZE"
	parallelismEnvKey    = "DX_PARALLELISM"
	maxRetriesEnvKey     = "DX_MAX_RETRIES"
	chunkTimeoutEnvKey   = "DX_CHUNK_TIMEOUT"
	stallThresholdEnvKey = "DX_STALL_THRESHOLD"
	stateDirEnvKey       = "DX_STATE_DIR"
	disableResumeEnvKey  = "DX_DISABLE_RESUME"
)

// Config controls one transfer job. The zero value is usable; every field
// falls back to a sane default.
type Config struct {
	// ChunkSize is the requested chunk size in bytes. It is clamped into
	// the platform limits and may grow for very large objects.
	ChunkSize int64

	// Parallelism is the number of chunks in flight at once.
	Parallelism int

	// MaxRetries is the total attempt budget per chunk, including the
	// first attempt.
	MaxRetries int

	// Timeout bounds a single chunk attempt. Zero means no per-attempt
	// deadline.
	Timeout time.Duration

	// StallThreshold cancels an in-flight chunk attempt once it runs this
	// much longer than the average of finished chunks, so the retry logic
	// picks it up again. Zero disables stall detection.
	StallThreshold time.Duration

	// StateDir is where resumable job snapshots live.
	StateDir string

	// DisableResume ignores any persisted snapshot and starts fresh.
	DisableResume bool
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.StateDir == "" {
		c.StateDir = defaultStateDir()
	}
	return c
}

// DefaultParallelism scales with the machine but stays within limits that
// keep the platform happy: 3 workers per CPU, at least 2, at most 20.
func DefaultParallelism() int {
	p := runtime.NumCPU() * 3
	if p > 20 {
		p = 20
	}
	if p < 2 {
		p = 2
	}
	return p
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dnanexus_config", "transfer_state")
	}
	return filepath.Join(os.TempDir(), "dx-transfer-state")
}

// ConfigFromEnv builds a Config from DX_* environment variables. Sizes
// accept human notation ("32MB", "1g"), durations Go notation ("90s").
// Unset variables keep their defaults.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	var cfg Config

	if v := envRepo.Get(chunkSizeEnvKey); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s=%q: %w", chunkSizeEnvKey, v, err)
		}
		cfg.ChunkSize = size
	}
	if v := envRepo.Get(parallelismEnvKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s=%q: %w", parallelismEnvKey, v, err)
		}
		cfg.Parallelism = n
	}
	if v := envRepo.Get(maxRetriesEnvKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s=%q: %w", maxRetriesEnvKey, v, err)
		}
		cfg.MaxRetries = n
	}
	if v := envRepo.Get(chunkTimeoutEnvKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s=%q: %w", chunkTimeoutEnvKey, v, err)
		}
		cfg.Timeout = d
	}
	if v := envRepo.Get(stallThresholdEnvKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s=%q: %w", stallThresholdEnvKey, v, err)
		}
		cfg.StallThreshold = d
	}
	if v := envRepo.Get(stateDirEnvKey); v != "" {
		cfg.StateDir = v
	}
	cfg.DisableResume = envRepo.Get(disableResumeEnvKey) == "true"

	return cfg, nil
}
