package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/driveport-io/go-uploadkit/upload/network"
	"github.com/driveport-io/go-uploadkit/upload/sessionstore"
)

// Config holds tuning knobs for per-chunk deadlines.
type Config struct {
	// MinBytesPerSec is the pessimistic throughput floor used to derive
	// per-chunk deadlines. A chunk slower than this is treated as hung.
	// Default: 64 KiB/s
	MinBytesPerSec int64

	// MinChunkTimeout is the lower bound of the per-chunk deadline.
	// Default: 30 seconds
	MinChunkTimeout time.Duration

	// MaxChunkTimeout is the upper bound of the per-chunk deadline.
	// Default: 5 minutes
	MaxChunkTimeout time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MinBytesPerSec:  64 * 1024,
		MinChunkTimeout: 30 * time.Second,
		MaxChunkTimeout: 5 * time.Minute,
	}
}

// Ack describes one acknowledged chunk.
type Ack struct {
	Index int
	Size  int64
	Took  time.Duration
}

// WaveResult lists which chunk indices a wave acknowledged and which failed.
// Failed chunks stay unacknowledged in the session.
type WaveResult struct {
	Acked  []int
	Failed []int
}

// Progress reports whether the wave acknowledged at least one chunk.
func (r WaveResult) Progress() bool {
	return len(r.Acked) > 0
}

// Pool uploads the chunks of a session in parallel waves.
type Pool struct {
	transport network.Transport
	config    Config
	logger    log.Logger
	stats     *Stats
}

// New creates a Pool uploading through the given transport.
func New(transport network.Transport, config Config, logger log.Logger) *Pool {
	if config.MinBytesPerSec <= 0 {
		config.MinBytesPerSec = DefaultConfig().MinBytesPerSec
	}
	if config.MinChunkTimeout <= 0 {
		config.MinChunkTimeout = DefaultConfig().MinChunkTimeout
	}
	if config.MaxChunkTimeout < config.MinChunkTimeout {
		config.MaxChunkTimeout = DefaultConfig().MaxChunkTimeout
	}

	return &Pool{
		transport: transport,
		config:    config,
		logger:    logger,
		stats:     NewStats(),
	}
}

// Stats returns the accumulated upload statistics.
func (p *Pool) Stats() *Stats {
	return p.stats
}

type chunkOutcome struct {
	index int
	size  int64
	took  time.Duration
	err   error
}

// UploadWave dispatches the given chunk indices with at most parallelism
// workers over a shared FIFO queue. Acknowledgements are recorded on the
// session and reported through onAck as they land, so a crash mid-wave
// loses at most the in-flight chunks.
//
// When the session has no storage file name yet, the first index is uploaded
// alone and the name returned by the remote is fixed on the session before
// the rest fans out.
//
// The returned error is non-nil only for terminal conditions, namely
// cancellation and authentication failures. Ordinary chunk failures are
// reported in WaveResult.Failed and left for a verification sweep.
func (p *Pool) UploadWave(ctx context.Context, session *sessionstore.Session, source Source, indices []int, parallelism int, onAck func(Ack)) (WaveResult, error) {
	var result WaveResult
	if len(indices) == 0 {
		return result, nil
	}
	if parallelism < 1 {
		parallelism = 1
	}

	remaining := indices
	if session.StorageFileName == "" {
		first := remaining[0]
		ack, size, took, err := p.uploadChunk(ctx, session, source, first)
		if err != nil {
			result.Failed = append(result.Failed, first)
			p.logger.Warnf("Chunk %d/%d failed: %v", first+1, session.TotalChunks, err)
			if terminal := terminalError(ctx, err); terminal != nil {
				return result, terminal
			}
			// Without a storage file name the rest cannot be dispatched.
			return result, nil
		}

		if ack.StorageFileName != "" {
			session.StorageFileName = ack.StorageFileName
		}
		session.Acknowledge(first)
		p.stats.Update(size, took)
		result.Acked = append(result.Acked, first)
		if onAck != nil {
			onAck(Ack{Index: first, Size: size, Took: took})
		}

		remaining = remaining[1:]
		if len(remaining) == 0 {
			return result, nil
		}
	}

	waveCtx, cancelWave := context.WithCancel(ctx)
	defer cancelWave()

	workers := parallelism
	if workers > len(remaining) {
		workers = len(remaining)
	}

	queue := make(chan int, len(remaining))
	for _, index := range remaining {
		queue <- index
	}
	close(queue)

	outcomes := make(chan chunkOutcome, len(remaining))
	for i := 0; i < workers; i++ {
		go func() {
			for index := range queue {
				_, size, took, err := p.uploadChunk(waveCtx, session, source, index)
				outcomes <- chunkOutcome{index: index, size: size, took: took, err: err}
			}
		}()
	}

	var terminal error
	for collected := 0; collected < len(remaining); collected++ {
		select {
		case <-ctx.Done():
			sortResult(&result)
			return result, fmt.Errorf("wave cancelled while waiting for chunks: %w", ctx.Err())
		case outcome := <-outcomes:
			if outcome.err != nil {
				result.Failed = append(result.Failed, outcome.index)
				p.logger.Warnf("Chunk %d/%d failed: %v", outcome.index+1, session.TotalChunks, outcome.err)
				if terminal == nil {
					if terminal = terminalError(ctx, outcome.err); terminal != nil {
						// Stop handing out work, drain what is in flight.
						cancelWave()
					}
				}
				continue
			}

			session.Acknowledge(outcome.index)
			p.stats.Update(outcome.size, outcome.took)
			result.Acked = append(result.Acked, outcome.index)
			if onAck != nil {
				onAck(Ack{Index: outcome.index, Size: outcome.size, Took: outcome.took})
			}
		}
	}

	sortResult(&result)
	return result, terminal
}

func (p *Pool) uploadChunk(ctx context.Context, session *sessionstore.Session, source Source, index int) (network.ChunkAck, int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return network.ChunkAck{}, 0, 0, err
	}

	offset := session.ChunkOffset(index)
	length := session.ChunkLength(index)

	data, err := source.ReadChunk(offset, length)
	if err != nil {
		return network.ChunkAck{}, 0, 0, fmt.Errorf("read chunk %d: %w", index+1, err)
	}

	p.logger.Debugf("Uploading chunk %d/%d (%s) [finished=%d] [avg=%v]",
		index+1, session.TotalChunks, units.BytesSize(float64(len(data))),
		p.stats.FinishedCount(), p.stats.Average().Round(time.Second))

	chunkCtx, cancel := context.WithTimeout(ctx, p.chunkTimeout(int64(len(data))))
	defer cancel()

	start := time.Now()
	ack, err := p.transport.UploadChunk(chunkCtx, network.ChunkRequest{
		UploadID:        session.UploadID,
		FileName:        session.FileName,
		StorageFileName: session.StorageFileName,
		ChunkIndex:      index,
		TotalChunks:     session.TotalChunks,
		Body:            bytes.NewReader(data),
		Size:            int64(len(data)),
	})
	took := time.Since(start)
	if err != nil {
		return network.ChunkAck{}, 0, took, err
	}

	return ack, int64(len(data)), took, nil
}

// chunkTimeout derives the deadline for one chunk from the configured
// pessimistic throughput floor, clamped to the configured bounds.
func (p *Pool) chunkTimeout(size int64) time.Duration {
	timeout := time.Duration(size/p.config.MinBytesPerSec) * time.Second
	if timeout < p.config.MinChunkTimeout {
		timeout = p.config.MinChunkTimeout
	}
	if timeout > p.config.MaxChunkTimeout {
		timeout = p.config.MaxChunkTimeout
	}
	return timeout
}

func terminalError(ctx context.Context, err error) error {
	if errors.Is(err, network.ErrUnauthorized) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("wave cancelled: %w", ctx.Err())
	}
	return nil
}

func sortResult(result *WaveResult) {
	sort.Ints(result.Acked)
	sort.Ints(result.Failed)
}
