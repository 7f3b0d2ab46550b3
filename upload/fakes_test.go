package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driveport-io/go-uploadkit/upload/network"
)

// fakeTransport is a scripted storage backend. The remote acknowledged set is
// authoritative state, separate from what the engine believes locally, so
// tests can play back lost and phantom acknowledgements.
type fakeTransport struct {
	mu sync.Mutex

	remote       map[int]bool
	chunks       map[int][]byte
	storedName   string
	directBody   []byte
	lastFinalize network.FinalizeRequest

	// chunkFailures rejects the chunk N times without recording it.
	chunkFailures map[int]int
	// lostAcks records the chunk remotely but still reports failure N times.
	lostAcks map[int]int
	// phantomAcks reports success N times without recording the chunk.
	phantomAcks map[int]int
	// blockFrom makes chunks at or above the index wait for ctx. Negative
	// disables blocking.
	blockFrom int32

	chunkErr       error
	statusErr      error
	finalizeScript []error
	finalizeErr    error
	directErr      error
	directDelay    time.Duration
	healthErr      error

	chunkCalls     int32
	statusCalls    int32
	finalizeCalls  int32
	directCalls    int32
	abortCalls     int32
	deleteCalls    int32
	healthCalls    int32
	directInFlight int32
	maxDirect      int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		remote:     map[int]bool{},
		chunks:     map[int][]byte{},
		storedName: "stored-object",
		blockFrom:  -1,
	}
}

func (f *fakeTransport) UploadChunk(ctx context.Context, params network.ChunkRequest) (network.ChunkAck, error) {
	atomic.AddInt32(&f.chunkCalls, 1)

	if from := atomic.LoadInt32(&f.blockFrom); from >= 0 && params.ChunkIndex >= int(from) {
		<-ctx.Done()
		return network.ChunkAck{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chunkErr != nil {
		return network.ChunkAck{}, f.chunkErr
	}
	if remaining := f.chunkFailures[params.ChunkIndex]; remaining > 0 {
		f.chunkFailures[params.ChunkIndex] = remaining - 1
		return network.ChunkAck{}, errors.New("upstream hiccup")
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return network.ChunkAck{}, err
	}

	if remaining := f.lostAcks[params.ChunkIndex]; remaining > 0 {
		f.lostAcks[params.ChunkIndex] = remaining - 1
		f.remote[params.ChunkIndex] = true
		f.chunks[params.ChunkIndex] = data
		return network.ChunkAck{}, errors.New("response lost")
	}
	if remaining := f.phantomAcks[params.ChunkIndex]; remaining > 0 {
		f.phantomAcks[params.ChunkIndex] = remaining - 1
		return network.ChunkAck{StorageFileName: f.ackName(params.StorageFileName)}, nil
	}

	f.remote[params.ChunkIndex] = true
	f.chunks[params.ChunkIndex] = data
	return network.ChunkAck{StorageFileName: f.ackName(params.StorageFileName)}, nil
}

func (f *fakeTransport) UploadedChunks(ctx context.Context, params network.StatusRequest) ([]int, error) {
	atomic.AddInt32(&f.statusCalls, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return nil, f.statusErr
	}

	var indices []int
	for index := range f.remote {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

func (f *fakeTransport) Finalize(ctx context.Context, params network.FinalizeRequest) (network.FinalizeResult, error) {
	call := atomic.AddInt32(&f.finalizeCalls, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastFinalize = params

	if int(call) <= len(f.finalizeScript) {
		if err := f.finalizeScript[call-1]; err != nil {
			return network.FinalizeResult{}, err
		}
		return network.FinalizeResult{Path: "/files/" + params.StorageFileName}, nil
	}
	if f.finalizeErr != nil {
		return network.FinalizeResult{}, f.finalizeErr
	}
	return network.FinalizeResult{Path: "/files/" + params.StorageFileName}, nil
}

func (f *fakeTransport) UploadDirect(ctx context.Context, params network.DirectRequest) (network.DirectResult, error) {
	atomic.AddInt32(&f.directCalls, 1)
	current := atomic.AddInt32(&f.directInFlight, 1)
	defer atomic.AddInt32(&f.directInFlight, -1)
	for {
		observed := atomic.LoadInt32(&f.maxDirect)
		if current <= observed || atomic.CompareAndSwapInt32(&f.maxDirect, observed, current) {
			break
		}
	}
	if f.directDelay > 0 {
		time.Sleep(f.directDelay)
	}

	if f.directErr != nil {
		return network.DirectResult{}, f.directErr
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return network.DirectResult{}, err
	}
	if params.Progress != nil {
		params.Progress(int64(len(data)))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.directBody = data
	return network.DirectResult{
		Path:            "/files/" + params.StorageFileName,
		StorageFileName: params.StorageFileName,
	}, nil
}

func (f *fakeTransport) Abort(ctx context.Context, params network.StatusRequest) error {
	atomic.AddInt32(&f.abortCalls, 1)
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, path string) error {
	atomic.AddInt32(&f.deleteCalls, 1)
	return nil
}

func (f *fakeTransport) CheckHealth(ctx context.Context) (network.NodeHealth, error) {
	atomic.AddInt32(&f.healthCalls, 1)
	if f.healthErr != nil {
		return network.NodeHealth{}, f.healthErr
	}
	return network.NodeHealth{Status: "ok"}, nil
}

func (f *fakeTransport) ackName(requested string) string {
	if requested != "" {
		return requested
	}
	return f.storedName
}

func (f *fakeTransport) remoteIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var indices []int
	for index := range f.remote {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func (f *fakeTransport) sentIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var indices []int
	for index := range f.chunks {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func (f *fakeTransport) finalizeRequest() network.FinalizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastFinalize
}

func (f *fakeTransport) seedRemote(indices ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, index := range indices {
		f.remote[index] = true
	}
}

type fakeCatalog struct {
	mu     sync.Mutex
	inputs []FileRecordInput
	err    error
}

func (c *fakeCatalog) CreateFileRecord(ctx context.Context, input FileRecordInput) (*FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inputs = append(c.inputs, input)
	if c.err != nil {
		return nil, c.err
	}

	return &FileRecord{
		ID:        fmt.Sprintf("record-%d", len(c.inputs)),
		Name:      input.Name,
		Path:      input.StoragePath,
		MimeType:  input.MimeType,
		SizeBytes: input.SizeBytes,
		FolderID:  input.FolderID,
		NodeID:    input.NodeID,
		CreatedAt: time.Now(),
	}, nil
}

func (c *fakeCatalog) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inputs)
}

func (c *fakeCatalog) lastInput() FileRecordInput {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inputs[len(c.inputs)-1]
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type progressRecorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *progressRecorder) record(progress Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, progress)
}

func (r *progressRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var statuses []Status
	for _, event := range r.events {
		statuses = append(statuses, event.Status)
	}
	return statuses
}

func (r *progressRecorder) last() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.events[len(r.events)-1]
}
