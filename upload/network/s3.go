package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3Config describes an S3-compatible fallback backend.
type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// KeyPrefix is prepended to every object key, e.g. "uploads/".
	KeyPrefix string

	// DirectPartSizeMB is the part size for the direct (whole-file) path.
	// Defaults to 16.
	DirectPartSizeMB int64
}

// S3Client implements Transport against an S3-compatible bucket. A chunk
// maps to one part of a multipart upload (part numbers are chunk index + 1),
// and the multipart upload ID plays the role the storage file name plays in
// the origin protocol: assigned on first contact, required on every later
// call.
type S3Client struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
	logger    log.Logger
}

// NewS3Client creates a Transport uploading into the configured bucket.
func NewS3Client(ctx context.Context, cfg S3Config, logger log.Logger) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsConfig, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	partSizeMB := cfg.DirectPartSizeMB
	if partSizeMB <= 0 {
		partSizeMB = 16
	}

	client := s3.NewFromConfig(*awsConfig)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSizeMB * 1024 * 1024
	})

	return &S3Client{
		client:    client,
		uploader:  uploader,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
	}, nil
}

// UploadChunk uploads one chunk as a multipart part, creating the multipart
// upload on first contact.
func (c *S3Client) UploadChunk(ctx context.Context, params ChunkRequest) (ChunkAck, error) {
	key := c.objectKey(params.UploadID, params.FileName)

	s3UploadID := params.StorageFileName
	if s3UploadID == "" {
		created, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return ChunkAck{}, fmt.Errorf("create multipart upload: %w", classifyS3Error(err))
		}
		s3UploadID = aws.ToString(created.UploadId)
		c.logger.Debugf("Started multipart upload %s for %s", s3UploadID, key)
	}

	// The SDK needs a rewindable, sized body for signing and its own retries
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return ChunkAck{}, fmt.Errorf("read chunk %d: %w", params.ChunkIndex, err)
	}

	_, err = c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(s3UploadID),
		PartNumber:    aws.Int32(int32(params.ChunkIndex + 1)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return ChunkAck{}, fmt.Errorf("upload part %d: %w", params.ChunkIndex+1, classifyS3Error(err))
	}

	return ChunkAck{StorageFileName: s3UploadID}, nil
}

// UploadedChunks lists the parts the bucket has recorded for the multipart
// upload. An upload S3 no longer knows about is an empty set.
func (c *S3Client) UploadedChunks(ctx context.Context, params StatusRequest) ([]int, error) {
	if params.StorageFileName == "" {
		return nil, nil
	}

	parts, err := c.listParts(ctx, c.objectKey(params.UploadID, params.FileName), params.StorageFileName)
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil, nil
		}
		return nil, fmt.Errorf("list parts: %w", classifyS3Error(err))
	}

	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		indices = append(indices, int(aws.ToInt32(part.PartNumber))-1)
	}
	return indices, nil
}

// Finalize completes the multipart upload. When the bucket's part list does
// not cover every chunk, the gap is reported as missing chunks so the
// caller can repair and retry.
func (c *S3Client) Finalize(ctx context.Context, params FinalizeRequest) (FinalizeResult, error) {
	key := c.objectKey(params.UploadID, params.FileName)

	parts, err := c.listParts(ctx, key, params.StorageFileName)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("list parts: %w", classifyS3Error(err))
	}

	recorded := make(map[int]bool, len(parts))
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		number := aws.ToInt32(part.PartNumber)
		recorded[int(number)-1] = true
		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: part.PartNumber,
		})
	}

	var missing []int
	for i := 0; i < params.TotalChunks; i++ {
		if !recorded[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return FinalizeResult{}, &FinalizeError{
			StatusCode:    409,
			Message:       fmt.Sprintf("bucket recorded %d of %d parts", len(parts), params.TotalChunks),
			MissingChunks: missing,
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(params.StorageFileName),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("complete multipart upload: %w", classifyS3Error(err))
	}

	return FinalizeResult{Path: key}, nil
}

// UploadDirect stores the whole file in one call through the transfer
// manager.
func (c *S3Client) UploadDirect(ctx context.Context, params DirectRequest) (DirectResult, error) {
	key := c.keyPrefix + params.StorageFileName

	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        newCountingReader(params.Body, params.Progress),
		ContentType: aws.String(params.MimeType),
	})
	if err != nil {
		return DirectResult{}, fmt.Errorf("upload object: %w", classifyS3Error(err))
	}

	return DirectResult{Path: key, StorageFileName: params.StorageFileName}, nil
}

// Abort drops the multipart upload's partial parts.
func (c *S3Client) Abort(ctx context.Context, params StatusRequest) error {
	if params.StorageFileName == "" {
		return nil
	}

	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(c.objectKey(params.UploadID, params.FileName)),
		UploadId: aws.String(params.StorageFileName),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", classifyS3Error(err))
	}
	return nil
}

// Delete removes the stored object.
func (c *S3Client) Delete(ctx context.Context, path string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", classifyS3Error(err))
	}
	return nil
}

// CheckHealth verifies the bucket is reachable. S3 does not report capacity,
// so the configured node capacity stays authoritative.
func (c *S3Client) CheckHealth(ctx context.Context) (NodeHealth, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return NodeHealth{}, fmt.Errorf("head bucket: %w", classifyS3Error(err))
	}
	return NodeHealth{Status: "online"}, nil
}

func (c *S3Client) objectKey(uploadID, fileName string) string {
	return fmt.Sprintf("%s%s/%s", c.keyPrefix, uploadID, fileName)
}

func (c *S3Client) listParts(ctx context.Context, key, uploadID string) ([]types.Part, error) {
	var parts []types.Part
	var marker *string

	for {
		out, err := c.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}
		parts = append(parts, out.Parts...)

		if !aws.ToBool(out.IsTruncated) {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func classifyS3Error(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "AccessDenied", "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch", "TokenRefreshRequired":
			return fmt.Errorf("%s: %w", apiError.ErrorCode(), ErrUnauthorized)
		}
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
