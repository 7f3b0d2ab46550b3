package hooks

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/driveport-io/go-uploadkit/upload/network"
)

// FileURLProvider resolves a remote object path to a fetchable URL.
// Transports that cannot serve reads do not implement it, and the warm
// hook is simply not registered for them.
type FileURLProvider interface {
	FileURL(path string) string
}

// WarmHook fetches a freshly finalized object through the serving path once,
// so the first real reader hits a warm cache. Objects above MaxBytes are
// skipped.
type WarmHook struct {
	urls       FileURLProvider
	httpClient *http.Client
	dir        string
	maxBytes   int64
	logger     log.Logger
}

// NewWarmHook creates a WarmHook downloading into dir.
func NewWarmHook(urls FileURLProvider, httpClient *http.Client, dir string, maxBytes int64, logger log.Logger) *WarmHook {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WarmHook{
		urls:       urls,
		httpClient: httpClient,
		dir:        dir,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// Name implements Hook.
func (h *WarmHook) Name() string {
	return "warm"
}

// Run downloads the object and discards the local copy afterwards.
func (h *WarmHook) Run(ctx context.Context, event Event) error {
	if event.Path == "" {
		return nil
	}
	if h.maxBytes > 0 && event.Size > h.maxBytes {
		h.logger.Debugf("Skipping warm fetch for %s: %s exceeds the %s cap",
			event.FileName, units.BytesSize(float64(event.Size)), units.BytesSize(float64(h.maxBytes)))
		return nil
	}

	if err := os.MkdirAll(h.dir, 0700); err != nil {
		return fmt.Errorf("create warm dir: %w", err)
	}

	dest := filepath.Join(h.dir, fmt.Sprintf("warm-%s-%s", event.UploadID, filepath.Base(event.FileName)))
	defer os.Remove(dest) //nolint:errcheck

	if err := network.DownloadFile(ctx, h.httpClient, h.urls.FileURL(event.Path), dest); err != nil {
		return fmt.Errorf("warm fetch %s: %w", event.Path, err)
	}

	return nil
}
