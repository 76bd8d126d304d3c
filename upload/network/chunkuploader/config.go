package chunkuploader

import (
	"runtime"
	"time"
)

// DefaultChunkSize is 1 MiB.
const DefaultChunkSize int64 = 1024 * 1024

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the maximum number of bytes sent in one patch request.
	// Default: 1 MiB
	ChunkSize int64

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. A hung request is aborted
	// and fails the transfer.
	// Default: 0 (disabled)
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     DefaultChunkSize,
		HungThreshold: 0,
	}
}

// DefaultConcurrency calculates how many files can be uploaded in parallel based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 2

	if c > 8 {
		c = 8
	}

	if c < 2 {
		c = 2
	}

	return c
}
