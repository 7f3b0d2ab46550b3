package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadManyExpandsPatterns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), testPayload(300), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.bin"), testPayload(150), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.txt"), testPayload(100), 0600))

	eng := newTestEngine(t, testConfig(), newFakeTransport())

	var mu sync.Mutex
	seenIndices := map[int]bool{}
	records, err := eng.engine.UploadMany(context.Background(), []UploadInput{
		{Path: filepath.Join(dir, "**", "*.bin")},
	}, func(index int, progress Progress) {
		mu.Lock()
		seenIndices[index] = true
		mu.Unlock()
	})

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.bin", records[0].Name)
	assert.Equal(t, "b.bin", records[1].Name)
	assert.Equal(t, 2, eng.catalog.calls())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seenIndices[0])
	assert.True(t, seenIndices[1])
}

func TestUploadManyBoundsConcurrency(t *testing.T) {
	dir := t.TempDir()
	var inputs []UploadInput
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, fmt.Sprintf("file-%d.bin", i))
		require.NoError(t, os.WriteFile(path, testPayload(150), 0600))
		inputs = append(inputs, UploadInput{Path: path})
	}

	transport := newFakeTransport()
	transport.directDelay = 20 * time.Millisecond
	config := testConfig()
	config.FileConcurrency = 2
	eng := newTestEngine(t, config, transport)

	records, err := eng.engine.UploadMany(context.Background(), inputs, nil)

	require.NoError(t, err)
	require.Len(t, records, 5)
	for _, record := range records {
		assert.NotNil(t, record)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&transport.directCalls))
	assert.LessOrEqual(t, atomic.LoadInt32(&transport.maxDirect), int32(2))
}

func TestUploadManyReportsPartialFailure(t *testing.T) {
	dir := t.TempDir()
	goodPath := filepath.Join(dir, "good.bin")
	require.NoError(t, os.WriteFile(goodPath, testPayload(150), 0600))

	eng := newTestEngine(t, testConfig(), newFakeTransport())

	records, err := eng.engine.UploadMany(context.Background(), []UploadInput{
		{Path: goodPath},
		{Path: filepath.Join(dir, "missing.bin")},
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 uploads failed")
	require.Len(t, records, 2)
	assert.NotNil(t, records[0])
	assert.Nil(t, records[1])
	assert.Equal(t, 1, eng.catalog.calls())
}

func TestUploadManyNoMatches(t *testing.T) {
	eng := newTestEngine(t, testConfig(), newFakeTransport())

	records, err := eng.engine.UploadMany(context.Background(), []UploadInput{
		{Path: filepath.Join(t.TempDir(), "**", "*.iso")},
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files to upload")
	assert.Nil(t, records)
	assert.Zero(t, eng.catalog.calls())
}

func TestExpandInputsKeepsOverridesExceptFileName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), testPayload(100), 0600))

	eng := newTestEngine(t, testConfig(), newFakeTransport())

	expanded := eng.engine.expandInputs([]UploadInput{{
		Path:                filepath.Join(dir, "*.mp4"),
		FileName:            "override.mp4",
		DestinationFolderID: "folder-3",
	}})

	require.Len(t, expanded, 1)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), expanded[0].Path)
	assert.Empty(t, expanded[0].FileName)
	assert.Equal(t, "folder-3", expanded[0].DestinationFolderID)
}
