package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type chunkUploadResponse struct {
	StorageFileName string `json:"storageFileName"`
}

type finalizeUploadRequest struct {
	UploadID        string `json:"uploadId"`
	StorageFileName string `json:"storageFileName"`
	TotalChunks     int    `json:"totalChunks"`
	MimeType        string `json:"mimeType"`
}

type finalizeUploadResponse struct {
	Path string `json:"path"`
}

type finalizeErrorResponse struct {
	Message       string `json:"message"`
	FailedChunks  []int  `json:"failedChunks"`
	MissingChunks []int  `json:"missingChunks"`
}

type uploadStatusResponse struct {
	UploadedChunks []int `json:"uploadedChunks"`
}

type directUploadResponse struct {
	Path            string `json:"path"`
	StorageFileName string `json:"storageFileName"`
}

type abortUploadRequest struct {
	UploadID        string `json:"uploadId"`
	StorageFileName string `json:"storageFileName"`
}

// APIClient implements Transport against the origin upload protocol.
type APIClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	creds      CredentialProvider
	logger     log.Logger
}

// NewAPIClient creates a Transport speaking the origin upload protocol at
// baseURL. The credential provider is consulted before every request.
func NewAPIClient(client *retryablehttp.Client, baseURL string, creds CredentialProvider, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient: client,
		baseURL:    baseURL,
		creds:      creds,
		logger:     logger,
	}
}

// CustomRetryFunction wraps the default retry policy with debug logging.
// Credential rejections are never retried: the engine surfaces those
// immediately instead of hammering the remote with a dead token.
func CustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// UploadChunk sends one chunk as a multipart request. A 200 response echoes
// the storage file name the remote filed the upload under.
func (c *APIClient) UploadChunk(ctx context.Context, params ChunkRequest) (ChunkAck, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"uploadId":        params.UploadID,
		"fileName":        params.FileName,
		"storageFileName": params.StorageFileName,
		"chunkIndex":      strconv.Itoa(params.ChunkIndex),
		"totalChunks":     strconv.Itoa(params.TotalChunks),
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return ChunkAck{}, fmt.Errorf("write field %s: %w", name, err)
		}
	}

	part, err := writer.CreateFormFile("chunk", params.FileName)
	if err != nil {
		return ChunkAck{}, fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := io.Copy(part, params.Body); err != nil {
		return ChunkAck{}, fmt.Errorf("read chunk %d: %w", params.ChunkIndex, err)
	}
	if err := writer.Close(); err != nil {
		return ChunkAck{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/chunk-upload", c.baseURL), bytes.NewReader(body.Bytes()))
	if err != nil {
		return ChunkAck{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return ChunkAck{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChunkAck{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return ChunkAck{}, unwrapError(resp)
	}

	var response chunkUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return ChunkAck{}, fmt.Errorf("decode chunk response: %w", err)
	}

	return ChunkAck{StorageFileName: response.StorageFileName}, nil
}

// UploadedChunks asks the remote which chunk indices it has durably
// recorded for the upload. An upload the remote has never seen is an empty
// set, not an error.
func (c *APIClient) UploadedChunks(ctx context.Context, params StatusRequest) ([]int, error) {
	query := url.Values{}
	query.Set("uploadId", params.UploadID)
	if params.StorageFileName != "" {
		query.Set("storageFileName", params.StorageFileName)
	}
	apiURL := fmt.Sprintf("%s/upload-status?%s", c.baseURL, query.Encode())

	req, err := retryablehttp.NewRequest(http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response uploadStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode upload status: %w", err)
	}

	return response.UploadedChunks, nil
}

// Finalize asks the remote to assemble the uploaded chunks. Structured
// error bodies become *FinalizeError so the caller can repair and retry.
func (c *APIClient) Finalize(ctx context.Context, params FinalizeRequest) (FinalizeResult, error) {
	body, err := json.Marshal(finalizeUploadRequest{
		UploadID:        params.UploadID,
		StorageFileName: params.StorageFileName,
		TotalChunks:     params.TotalChunks,
		MimeType:        params.MimeType,
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/finalize-upload", c.baseURL), body)
	if err != nil {
		return FinalizeResult{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return FinalizeResult{}, err
	}

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Finalize request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FinalizeResult{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return FinalizeResult{}, unwrapError(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return FinalizeResult{}, finalizeErrorFromResponse(resp)
	}

	var response finalizeUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return FinalizeResult{}, fmt.Errorf("decode finalize response: %w", err)
	}

	return FinalizeResult{Path: response.Path}, nil
}

// UploadDirect sends the whole file in a single multipart request, counting
// request body bytes into params.Progress as they go out.
func (c *APIClient) UploadDirect(ctx context.Context, params DirectRequest) (DirectResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("fileName", params.FileName); err != nil {
		return DirectResult{}, fmt.Errorf("write field fileName: %w", err)
	}
	if err := writer.WriteField("storageFileName", params.StorageFileName); err != nil {
		return DirectResult{}, fmt.Errorf("write field storageFileName: %w", err)
	}
	if err := writer.WriteField("mimeType", params.MimeType); err != nil {
		return DirectResult{}, fmt.Errorf("write field mimeType: %w", err)
	}
	part, err := writer.CreateFormFile("file", params.FileName)
	if err != nil {
		return DirectResult{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, params.Body); err != nil {
		return DirectResult{}, fmt.Errorf("read file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return DirectResult{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/upload", c.baseURL), newProgressReader(body.Bytes(), params.Progress))
	if err != nil {
		return DirectResult{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return DirectResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DirectResult{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return DirectResult{}, unwrapError(resp)
	}

	var response directUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return DirectResult{}, fmt.Errorf("decode upload response: %w", err)
	}

	return DirectResult{Path: response.Path, StorageFileName: response.StorageFileName}, nil
}

// Abort tells the remote it can drop the upload's partial chunks.
func (c *APIClient) Abort(ctx context.Context, params StatusRequest) error {
	body, err := json.Marshal(abortUploadRequest{
		UploadID:        params.UploadID,
		StorageFileName: params.StorageFileName,
	})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/abort-upload", c.baseURL), body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return unwrapError(resp)
	}
	return nil
}

// Delete removes a stored object by its final path.
func (c *APIClient) Delete(ctx context.Context, path string) error {
	query := url.Values{}
	query.Set("path", path)

	req, err := retryablehttp.NewRequest(http.MethodDelete, fmt.Sprintf("%s/files?%s", c.baseURL, query.Encode()), nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return unwrapError(resp)
	}
	return nil
}

// CheckHealth probes the node. A 200 without a parseable body still counts
// as online; capacity figures are a bonus some backends report.
func (c *APIClient) CheckHealth(ctx context.Context) (NodeHealth, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return NodeHealth{}, err
	}
	req = req.WithContext(ctx)
	if err := c.authorize(ctx, req); err != nil {
		return NodeHealth{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NodeHealth{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return NodeHealth{}, unwrapError(resp)
	}

	health := NodeHealth{Status: "online"}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		c.logger.Debugf("health response has no parseable body: %s", err)
		return NodeHealth{Status: "online"}, nil
	}
	if health.Status == "" {
		health.Status = "online"
	}
	return health, nil
}

// FileURL returns the address a stored object can be fetched from.
func (c *APIClient) FileURL(path string) string {
	return fmt.Sprintf("%s/files/%s", c.baseURL, url.PathEscape(path))
}

func (c *APIClient) authorize(ctx context.Context, req *retryablehttp.Request) error {
	token, err := c.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("obtain credential: %w", ErrUnauthorized)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

func finalizeErrorFromResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	finalizeErr := &FinalizeError{StatusCode: resp.StatusCode, Message: string(raw)}
	var structured finalizeErrorResponse
	if err := json.Unmarshal(raw, &structured); err == nil {
		finalizeErr.Message = structured.Message
		finalizeErr.FailedChunks = structured.FailedChunks
		finalizeErr.MissingChunks = structured.MissingChunks
	}
	return finalizeErr
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, errorResp, ErrUnauthorized)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
