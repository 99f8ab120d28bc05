package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numMetadataRetries = 3

// ErrObjectNotFound is returned when the object locator does not exist in
// the bucket.
var ErrObjectNotFound = errors.New("object not found in bucket")

// S3Params configures direct bucket access for platform regions that grant
// it.
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Service implements both the session service and the chunk transport
// against a bucket, using native multipart uploads. The multipart upload ID
// doubles as the session token, and part ETags are the chunk checksums.
type S3Service struct {
	client *s3.Client
	bucket string
	logger log.Logger
}

// NewS3Service creates a direct-bucket backend.
func NewS3Service(ctx context.Context, params S3Params, logger log.Logger) (*S3Service, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &S3Service{
		client: s3.NewFromConfig(*cfg),
		bucket: params.Bucket,
		logger: logger,
	}, nil
}

// OpenUploadSession starts a multipart upload for the object key.
func (s *S3Service) OpenUploadSession(ctx context.Context, locator string, totalSize, chunkSize int64, chunkCount int) (Session, error) {
	resp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(locator),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return Session{}, classifyS3Error(err)
	}

	s.logger.Debugf("Started multipart upload %s for s3://%s/%s", aws.ToString(resp.UploadId), s.bucket, locator)

	return Session{
		Token:     aws.ToString(resp.UploadId),
		Locator:   locator,
		TotalSize: totalSize,
	}, nil
}

// CloseObject completes the multipart upload. S3 reassembles by part number,
// so chunk arrival order never matters. The chunk checksums are the part
// ETags recorded during upload.
func (s *S3Service) CloseObject(ctx context.Context, session Session, wholeChecksum string, chunkChecksums []string) error {
	parts := make([]types.CompletedPart, 0, len(chunkChecksums))
	for i, sum := range chunkChecksums {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(sum),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(session.Locator),
		UploadId:        aws.String(session.Token),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// AbortUploadSession discards the multipart upload and its parts.
func (s *S3Service) AbortUploadSession(ctx context.Context, session Session) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(session.Locator),
		UploadId: aws.String(session.Token),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// GetObjectMetadata reads the object size and multipart layout. Part-level
// digests are not recoverable from S3 for plain multipart uploads, so chunk
// checksums stay empty and verification relies on the whole-object ETag.
func (s *S3Service) GetObjectMetadata(ctx context.Context, locator string) (ObjectMetadata, error) {
	var metadata ObjectMetadata

	err := retry.Times(numMetadataRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(locator),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				if _, ok := apiError.(*types.NotFound); ok {
					return ErrObjectNotFound, true
				}
			}
			return fmt.Errorf("head object: %w", err), false
		}

		metadata = ObjectMetadata{
			SizeBytes:     aws.ToInt64(head.ContentLength),
			WholeChecksum: strings.Trim(aws.ToString(head.ETag), `"`),
			Rangeable:     true,
		}

		attributes, err := s.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(locator),
			ObjectAttributes: []types.ObjectAttributes{
				types.ObjectAttributesObjectParts,
			},
		})
		if err != nil {
			return fmt.Errorf("get object attributes: %w", err), false
		}

		if attributes.ObjectParts != nil && len(attributes.ObjectParts.Parts) > 0 {
			metadata.ChunkSizeBytes = aws.ToInt64(attributes.ObjectParts.Parts[0].Size)
		}

		return nil, true
	})
	if err != nil {
		return ObjectMetadata{}, err
	}

	return metadata, nil
}

// PutChunk uploads one part. The part ETag is the remote MD5 of the part.
func (s *S3Service) PutChunk(ctx context.Context, session Session, chunk chunkplan.Chunk, data []byte) (string, error) {
	resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(session.Locator),
		UploadId:      aws.String(session.Token),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", classifyS3Error(err)
	}

	return strings.Trim(aws.ToString(resp.ETag), `"`), nil
}

// GetChunk downloads the chunk's byte range from the object.
func (s *S3Service) GetChunk(ctx context.Context, locator string, chunk chunkplan.Chunk) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	}
	if chunk.Size() > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", chunk.Start, chunk.End-1))
	}

	resp, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, classifyS3Error(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data := make([]byte, 0, chunk.Size())
	buf := bytes.NewBuffer(data)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, classifyRequestError(err)
	}

	return buf.Bytes(), nil
}

// UploadSmallObject uploads a sub-chunk file in one operation through the
// s3 manager uploader, for staged files too small to be worth a session.
func (s *S3Service) UploadSmallObject(ctx context.Context, locator, path string) error {
	return retry.Times(numMetadataRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		uploader := manager.NewUploader(s.client)

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:        file,
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(locator),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			return fmt.Errorf("upload object: %w", err), false
		}

		return nil, true
	})
}

func classifyS3Error(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &TransportError{Kind: KindCancelled, Err: err}
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "ExpiredToken", "InvalidAccessKeyId", "AccessDenied":
			return &TransportError{Kind: KindAuthExpired, Err: err}
		case "SlowDown", "InternalError", "ServiceUnavailable":
			return &TransportError{Kind: KindServerRejected, StatusCode: 503, Err: err}
		default:
			return &TransportError{Kind: KindServerRejected, StatusCode: 400, Err: err}
		}
	}

	return &TransportError{Kind: KindConnection, Err: err}
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
