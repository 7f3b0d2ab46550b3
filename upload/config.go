package upload

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"

	"github.com/driveport-io/go-uploadkit/upload/chunkuploader"
	"github.com/driveport-io/go-uploadkit/upload/speed"
)

// Environment variables recognized by ConfigFromEnv.
const (
	chunkThresholdEnvKey  = "UPLOADKIT_CHUNK_THRESHOLD"
	minChunkSizeEnvKey    = "UPLOADKIT_MIN_CHUNK_SIZE"
	maxChunkSizeEnvKey    = "UPLOADKIT_MAX_CHUNK_SIZE"
	stateDirEnvKey        = "UPLOADKIT_STATE_DIR"
	retentionEnvKey       = "UPLOADKIT_RETENTION"
	fileConcurrencyEnvKey = "UPLOADKIT_FILE_CONCURRENCY"
	networkClassEnvKey    = "UPLOADKIT_NETWORK_CLASS"
)

// Config holds the orchestrator knobs. The numeric defaults are tuning
// hints, not load-bearing behavior; override per deployment as needed.
type Config struct {
	// ChunkThreshold is the size at or below which a file is uploaded in a
	// single direct request. Default: 20 MB
	ChunkThreshold int64

	// StateDir is where the file-backed session store keeps resume state.
	// Supports ~ expansion. Default: ~/.uploadkit/sessions
	StateDir string

	// Retention is how long abandoned sessions stay resumable before the
	// opportunistic garbage collection removes them. Default: 24h
	Retention time.Duration

	// VerifyRounds bounds the verification sweeps after the upload waves.
	// Default: 5
	VerifyRounds uint

	// VerifyWait is the pause between verification rounds. Default: 2s
	VerifyWait time.Duration

	// FinalizeAttempts bounds the finalize calls, with targeted chunk
	// re-uploads between them. Default: 3
	FinalizeAttempts uint

	// FinalizeWait is the pause between finalize attempts. Default: 2s
	FinalizeWait time.Duration

	// FileConcurrency caps concurrent whole files in UploadMany. Default: 3
	FileConcurrency int

	// ProfileTTL bounds how long a speed profile seeds unrelated uploads.
	// Default: 2m
	ProfileTTL time.Duration

	// UserID is attached to catalog records and usage events.
	UserID string

	Speed speed.Config
	Pool  chunkuploader.Config
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ChunkThreshold:   20 * units.MB,
		StateDir:         "~/.uploadkit/sessions",
		Retention:        24 * time.Hour,
		VerifyRounds:     5,
		VerifyWait:       2 * time.Second,
		FinalizeAttempts: 3,
		FinalizeWait:     2 * time.Second,
		FileConcurrency:  3,
		ProfileTTL:       2 * time.Minute,
		Speed:            speed.DefaultConfig(),
		Pool:             chunkuploader.DefaultConfig(),
	}
}

// ConfigFromEnv returns the default configuration with any UPLOADKIT_*
// overrides applied. Unset variables keep their defaults; a set but
// unparseable value is an error.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if value := envRepo.Get(chunkThresholdEnvKey); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", chunkThresholdEnvKey, err)
		}
		config.ChunkThreshold = size
	}
	if value := envRepo.Get(minChunkSizeEnvKey); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", minChunkSizeEnvKey, err)
		}
		config.Speed.MinChunkSize = size
	}
	if value := envRepo.Get(maxChunkSizeEnvKey); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", maxChunkSizeEnvKey, err)
		}
		config.Speed.MaxChunkSize = size
	}
	if value := envRepo.Get(stateDirEnvKey); value != "" {
		config.StateDir = value
	}
	if value := envRepo.Get(retentionEnvKey); value != "" {
		retention, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", retentionEnvKey, err)
		}
		config.Retention = retention
	}
	if value := envRepo.Get(fileConcurrencyEnvKey); value != "" {
		concurrency, err := strconv.Atoi(value)
		if err != nil || concurrency < 1 {
			return Config{}, fmt.Errorf("parse %s: %q is not a positive integer", fileConcurrencyEnvKey, value)
		}
		config.FileConcurrency = concurrency
	}
	if value := envRepo.Get(networkClassEnvKey); value != "" {
		switch speed.NetworkClass(value) {
		case speed.NetworkSlow, speed.NetworkModerate, speed.NetworkFast:
			config.Speed.NetworkClass = speed.NetworkClass(value)
		default:
			return Config{}, fmt.Errorf("parse %s: unknown network class %q", networkClassEnvKey, value)
		}
	}

	return config, nil
}
