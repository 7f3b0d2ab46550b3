// Package speed estimates achievable upload throughput from completed chunk
// timings and derives the chunk size and parallelism to use for the next
// transfer wave.
package speed

import (
	"sync"
	"time"
)

// NetworkClass is a coarse connection-quality hint used to seed the estimate
// before any real measurement exists.
type NetworkClass string

const (
	NetworkUnknown  NetworkClass = ""
	NetworkSlow     NetworkClass = "slow"
	NetworkModerate NetworkClass = "moderate"
	NetworkFast     NetworkClass = "fast"
)

// Profile is a point-in-time throughput estimate and the transfer shape
// derived from it.
type Profile struct {
	BytesPerSec int64
	ChunkSize   int64
	Parallelism int
	MeasuredAt  time.Time
}

// Config holds the tuning knobs for the profiler.
type Config struct {
	// MinChunkSize and MaxChunkSize bound the derived chunk size.
	// The minimum matches the smallest part size cloud backends accept.
	MinChunkSize int64
	MaxChunkSize int64

	// TargetChunkDuration is how long one chunk upload should take at the
	// estimated throughput.
	TargetChunkDuration time.Duration

	// MinParallelism and MaxParallelism bound the derived worker count.
	MinParallelism int
	MaxParallelism int

	// SmoothingFactor is the weight of the newest derived target when
	// blending with the previous one. Must be in (0, 1].
	SmoothingFactor float64

	// SampleWindow is the number of most recent chunk timings averaged into
	// the throughput estimate.
	SampleWindow int

	// NetworkClass seeds the cold-start estimate.
	NetworkClass NetworkClass
}

// DefaultConfig returns the default profiler configuration.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:        5 * 1024 * 1024,
		MaxChunkSize:        64 * 1024 * 1024,
		TargetChunkDuration: 4 * time.Second,
		MinParallelism:      2,
		MaxParallelism:      8,
		SmoothingFactor:     0.3,
		SampleWindow:        10,
		NetworkClass:        NetworkUnknown,
	}
}

type sample struct {
	bytes   int64
	elapsed time.Duration
}

// Profiler tracks recent chunk timings for one upload scope.
// Safe for concurrent use by parallel chunk workers.
type Profiler struct {
	config Config
	cache  *Cache
	scope  string

	mu       sync.Mutex
	samples  []sample
	profile  Profile
	measured bool
}

// NewProfiler creates a profiler for the given scope. The cache is optional;
// when present, the last known profile for the scope seeds the first
// estimate and every refinement is published back to it.
func NewProfiler(config Config, cache *Cache, scope string) *Profiler {
	if config.SampleWindow <= 0 {
		config.SampleWindow = DefaultConfig().SampleWindow
	}
	if config.SmoothingFactor <= 0 || config.SmoothingFactor > 1 {
		config.SmoothingFactor = DefaultConfig().SmoothingFactor
	}

	return &Profiler{
		config: config,
		cache:  cache,
		scope:  scope,
	}
}

// Estimate returns the current profile. It never blocks and never fails:
// with no live measurement it falls back to the cached profile for the
// scope, then to a conservative default seeded from the network class.
func (p *Profiler) Estimate() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.measured {
		return p.clamped(p.profile)
	}

	if p.cache != nil {
		if cached, ok := p.cache.Get(p.scope); ok {
			p.profile = p.clamped(cached)
			return p.profile
		}
	}

	p.profile = p.seed()
	return p.profile
}

// Record ingests one completed-chunk measurement and refines the profile.
// Targets move toward the newly derived values with SmoothingFactor weight
// so a single outlier chunk cannot swing the transfer shape.
func (p *Profiler) Record(bytes int64, elapsed time.Duration) {
	if bytes <= 0 {
		return
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, sample{bytes: bytes, elapsed: elapsed})
	if len(p.samples) > p.config.SampleWindow {
		p.samples = p.samples[len(p.samples)-p.config.SampleWindow:]
	}

	throughput := p.averageThroughput()

	previous := p.profile
	if !p.measured {
		previous = p.seed()
	}

	rawChunk := float64(throughput) * p.config.TargetChunkDuration.Seconds()
	rawParallel := stepParallelism(throughput)

	factor := p.config.SmoothingFactor
	blendedChunk := float64(previous.ChunkSize) + factor*(rawChunk-float64(previous.ChunkSize))
	blendedParallel := float64(previous.Parallelism) + factor*(float64(rawParallel)-float64(previous.Parallelism))

	p.profile = p.clamped(Profile{
		BytesPerSec: throughput,
		ChunkSize:   int64(blendedChunk),
		Parallelism: int(blendedParallel + 0.5),
		MeasuredAt:  time.Now(),
	})
	p.measured = true

	if p.cache != nil {
		p.cache.Put(p.scope, p.profile)
	}
}

func (p *Profiler) averageThroughput() int64 {
	var sum float64
	for _, s := range p.samples {
		sum += float64(s.bytes) / s.elapsed.Seconds()
	}
	return int64(sum / float64(len(p.samples)))
}

func (p *Profiler) seed() Profile {
	throughput := seedThroughput(p.config.NetworkClass)

	return p.clamped(Profile{
		BytesPerSec: throughput,
		ChunkSize:   int64(float64(throughput) * p.config.TargetChunkDuration.Seconds()),
		Parallelism: stepParallelism(throughput),
		MeasuredAt:  time.Now(),
	})
}

func (p *Profiler) clamped(profile Profile) Profile {
	if profile.ChunkSize < p.config.MinChunkSize {
		profile.ChunkSize = p.config.MinChunkSize
	}
	if profile.ChunkSize > p.config.MaxChunkSize {
		profile.ChunkSize = p.config.MaxChunkSize
	}
	if profile.Parallelism < p.config.MinParallelism {
		profile.Parallelism = p.config.MinParallelism
	}
	if profile.Parallelism > p.config.MaxParallelism {
		profile.Parallelism = p.config.MaxParallelism
	}
	if profile.BytesPerSec < 1 {
		profile.BytesPerSec = 1
	}
	return profile
}

func seedThroughput(class NetworkClass) int64 {
	switch class {
	case NetworkSlow:
		return 128 * 1024
	case NetworkModerate:
		return 1280 * 1024
	case NetworkFast:
		return 12800 * 1024
	default:
		return 512 * 1024
	}
}

// stepParallelism maps throughput to a worker count. Faster links get more
// concurrent chunks; the mapping is monotonic so the pool never shrinks
// while measurements improve.
func stepParallelism(bytesPerSec int64) int {
	switch {
	case bytesPerSec < 256*1024:
		return 2
	case bytesPerSec < 1024*1024:
		return 3
	case bytesPerSec < 4*1024*1024:
		return 4
	case bytesPerSec < 8*1024*1024:
		return 5
	case bytesPerSec < 16*1024*1024:
		return 6
	case bytesPerSec < 32*1024*1024:
		return 7
	default:
		return 8
	}
}
