package hooks

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeURLProvider struct {
	base string
}

func (f fakeURLProvider) FileURL(path string) string {
	return f.base + "/files/" + strings.TrimPrefix(path, "/")
}

func TestWarmHookFetchesObject(t *testing.T) {
	payload := bytes.Repeat([]byte("warm"), 1024)
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.ServeContent(w, r, "model.bin", time.Now(), bytes.NewReader(payload))
	}))
	defer server.Close()

	hook := NewWarmHook(fakeURLProvider{base: server.URL}, server.Client(), t.TempDir(), 10*1024*1024, log.NewLogger())

	err := hook.Run(context.Background(), Event{
		UploadID: "u-1",
		FileName: "model.bin",
		Path:     "objects/model.bin",
		Size:     int64(len(payload)),
	})

	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&requests), int32(0))
}

func TestWarmHookSkipsLargeObjects(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer server.Close()

	hook := NewWarmHook(fakeURLProvider{base: server.URL}, server.Client(), t.TempDir(), 1024, log.NewLogger())

	err := hook.Run(context.Background(), Event{
		UploadID: "u-1",
		FileName: "huge.bin",
		Path:     "objects/huge.bin",
		Size:     5 * 1024,
	})

	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&requests))
}

func TestWarmHookSkipsEventsWithoutPath(t *testing.T) {
	hook := NewWarmHook(fakeURLProvider{base: "http://localhost:1"}, nil, t.TempDir(), 0, log.NewLogger())
	require.NoError(t, hook.Run(context.Background(), Event{FileName: "model.bin"}))
}

func TestWarmHookReportsFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	hook := NewWarmHook(fakeURLProvider{base: server.URL}, server.Client(), t.TempDir(), 0, log.NewLogger())

	err := hook.Run(context.Background(), Event{
		UploadID: "u-1",
		FileName: "model.bin",
		Path:     "objects/model.bin",
		Size:     128,
	})

	require.Error(t, err)
}
