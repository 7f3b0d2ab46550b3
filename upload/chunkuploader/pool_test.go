package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveport-io/go-uploadkit/upload/network"
	"github.com/driveport-io/go-uploadkit/upload/sessionstore"
)

type fakeTransport struct {
	mu          sync.Mutex
	uploaded    map[int][]byte
	seenNames   []string
	failures    map[int]int
	chunkErr    error
	mintedName  string
	delay       time.Duration
	blockOnCtx  bool
	inFlight    int32
	maxInFlight int32
	chunkCalls  int32
}

func (f *fakeTransport) UploadChunk(ctx context.Context, params network.ChunkRequest) (network.ChunkAck, error) {
	atomic.AddInt32(&f.chunkCalls, 1)
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		observed := atomic.LoadInt32(&f.maxInFlight)
		if current <= observed || atomic.CompareAndSwapInt32(&f.maxInFlight, observed, current) {
			break
		}
	}

	if f.blockOnCtx {
		<-ctx.Done()
		return network.ChunkAck{}, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seenNames = append(f.seenNames, params.StorageFileName)

	if remaining := f.failures[params.ChunkIndex]; remaining > 0 {
		f.failures[params.ChunkIndex] = remaining - 1
		return network.ChunkAck{}, errors.New("upstream hiccup")
	}
	if f.chunkErr != nil {
		return network.ChunkAck{}, f.chunkErr
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return network.ChunkAck{}, err
	}
	if f.uploaded == nil {
		f.uploaded = map[int][]byte{}
	}
	f.uploaded[params.ChunkIndex] = data

	name := params.StorageFileName
	if name == "" {
		name = f.mintedName
	}
	return network.ChunkAck{StorageFileName: name}, nil
}

func (f *fakeTransport) UploadedChunks(ctx context.Context, params network.StatusRequest) ([]int, error) {
	return nil, nil
}

func (f *fakeTransport) Finalize(ctx context.Context, params network.FinalizeRequest) (network.FinalizeResult, error) {
	return network.FinalizeResult{}, nil
}

func (f *fakeTransport) UploadDirect(ctx context.Context, params network.DirectRequest) (network.DirectResult, error) {
	return network.DirectResult{}, nil
}

func (f *fakeTransport) Abort(ctx context.Context, params network.StatusRequest) error {
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, path string) error {
	return nil
}

func (f *fakeTransport) CheckHealth(ctx context.Context) (network.NodeHealth, error) {
	return network.NodeHealth{Status: "online"}, nil
}

func (f *fakeTransport) uploadedIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	indices := make([]int, 0, len(f.uploaded))
	for index := range f.uploaded {
		indices = append(indices, index)
	}
	return indices
}

func testSession(totalSize, chunkSize int64) *sessionstore.Session {
	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}
	return &sessionstore.Session{
		UploadID:        "upload-1",
		FileName:        "model.bin",
		StorageFileName: "stored-model.bin",
		SourcePath:      "/tmp/model.bin",
		TotalSize:       totalSize,
		ChunkSize:       chunkSize,
		TotalChunks:     totalChunks,
	}
}

func testPayload(size int64) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return payload
}

func TestUploadWaveDispatchesAllChunks(t *testing.T) {
	payload := testPayload(450)
	session := testSession(450, 100)
	transport := &fakeTransport{}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	var acks []Ack
	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 3, func(ack Ack) {
		acks = append(acks, ack)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, result.Acked)
	assert.Empty(t, result.Failed)
	assert.True(t, session.Complete())
	assert.Len(t, acks, 5)

	for index := 0; index < 5; index++ {
		offset := session.ChunkOffset(index)
		end := offset + session.ChunkLength(index)
		assert.True(t, bytes.Equal(payload[offset:end], transport.uploaded[index]), "chunk %d payload mismatch", index)
	}
}

func TestUploadWaveBootstrapFixesStorageFileName(t *testing.T) {
	payload := testPayload(300)
	session := testSession(300, 100)
	session.StorageFileName = ""
	transport := &fakeTransport{mintedName: "1699999999-model.bin"}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 4, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, result.Acked)
	assert.Equal(t, "1699999999-model.bin", session.StorageFileName)

	require.Len(t, transport.seenNames, 3)
	assert.Empty(t, transport.seenNames[0])
	for _, name := range transport.seenNames[1:] {
		assert.Equal(t, "1699999999-model.bin", name)
	}
}

func TestUploadWaveBootstrapFailureStopsFanOut(t *testing.T) {
	payload := testPayload(300)
	session := testSession(300, 100)
	session.StorageFileName = ""
	transport := &fakeTransport{failures: map[int]int{0: 1}}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 4, nil)

	require.NoError(t, err)
	assert.Empty(t, result.Acked)
	assert.Equal(t, []int{0}, result.Failed)
	// Nothing else may be dispatched while the storage name is unknown
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.chunkCalls))
	assert.Empty(t, session.AcknowledgedChunks)
}

func TestUploadWaveFailuresLeftUnacknowledged(t *testing.T) {
	payload := testPayload(500)
	session := testSession(500, 100)
	transport := &fakeTransport{failures: map[int]int{1: 1, 3: 1}}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 2, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, result.Acked)
	assert.Equal(t, []int{1, 3}, result.Failed)
	assert.False(t, session.IsAcknowledged(1))
	assert.False(t, session.IsAcknowledged(3))
	assert.Equal(t, []int{1, 3}, session.UnacknowledgedChunks())
}

func TestUploadWaveDispatchesOnlyMissingChunks(t *testing.T) {
	payload := testPayload(500)
	session := testSession(500, 100)
	session.SetAcknowledged([]int{0, 1, 3})
	transport := &fakeTransport{}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 4, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, result.Acked)
	assert.ElementsMatch(t, []int{2, 4}, transport.uploadedIndices())
	assert.True(t, session.Complete())
}

func TestUploadWaveRespectsParallelism(t *testing.T) {
	payload := testPayload(800)
	session := testSession(800, 100)
	transport := &fakeTransport{delay: 20 * time.Millisecond}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 3, nil)

	require.NoError(t, err)
	assert.Len(t, result.Acked, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&transport.maxInFlight), int32(3))
}

func TestUploadWaveAuthFailureIsTerminal(t *testing.T) {
	payload := testPayload(300)
	session := testSession(300, 100)
	transport := &fakeTransport{chunkErr: network.ErrUnauthorized}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(payload), session.UnacknowledgedChunks(), 2, nil)

	require.ErrorIs(t, err, network.ErrUnauthorized)
	assert.Empty(t, result.Acked)
}

func TestUploadWaveCancellation(t *testing.T) {
	payload := testPayload(500)
	session := testSession(500, 100)
	transport := &fakeTransport{blockOnCtx: true}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := pool.UploadWave(ctx, session, NewBytesSource(payload), session.UnacknowledgedChunks(), 2, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Acked)
	assert.False(t, session.Complete())
}

func TestUploadWaveEmptyIndices(t *testing.T) {
	session := testSession(300, 100)
	transport := &fakeTransport{}
	pool := New(transport, DefaultConfig(), log.NewLogger())

	result, err := pool.UploadWave(context.Background(), session, NewBytesSource(nil), nil, 4, nil)

	require.NoError(t, err)
	assert.Empty(t, result.Acked)
	assert.Empty(t, result.Failed)
	assert.Zero(t, atomic.LoadInt32(&transport.chunkCalls))
}

func TestChunkTimeout(t *testing.T) {
	pool := New(&fakeTransport{}, DefaultConfig(), log.NewLogger())

	tests := []struct {
		name string
		size int64
		want time.Duration
	}{
		{name: "small chunk hits the floor", size: 64 * 1024, want: 30 * time.Second},
		{name: "medium chunk scales with size", size: 8 * 1024 * 1024, want: 128 * time.Second},
		{name: "huge chunk hits the cap", size: 64 * 1024 * 1024, want: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pool.chunkTimeout(tt.size))
		})
	}
}

func TestStatsTracksThroughput(t *testing.T) {
	stats := NewStats()
	assert.Zero(t, stats.Throughput())
	assert.Zero(t, stats.Average())

	stats.Update(1024*1024, time.Second)
	stats.Update(3*1024*1024, 3*time.Second)

	assert.Equal(t, int64(2), stats.FinishedCount())
	assert.Equal(t, int64(4*1024*1024), stats.TotalBytes())
	assert.Equal(t, 2*time.Second, stats.Average())
	assert.InDelta(t, 1024*1024, stats.Throughput(), 1)
}
