package network

import (
	"context"
	"net/http"

	"github.com/melbahja/got"
)

// DownloadFile fetches url into dest. Used by the read-path warmer hook to
// pull a freshly finalized object through the serving path once.
func DownloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
