package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type openSessionRequest struct {
	ObjectLocator  string `json:"object_locator"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	ChunkCount     int    `json:"chunk_count"`
}

type openSessionResponse struct {
	SessionToken string `json:"session_token"`
}

type closeObjectRequest struct {
	WholeChecksum  string   `json:"whole_checksum"`
	ChunkChecksums []string `json:"chunk_checksums"`
}

type closeObjectResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type objectMetadataResponse struct {
	SizeBytes      int64    `json:"size_bytes"`
	ChunkSizeBytes int64    `json:"chunk_size_bytes"`
	ChunkChecksums []string `json:"chunk_checksums"`
	WholeChecksum  string   `json:"whole_checksum"`
	DownloadURL    string   `json:"download_url"`
	Rangeable      bool     `json:"rangeable"`
}

// APIClient is the control-plane client for the platform object service.
type APIClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	auth       Authenticator
	logger     log.Logger
}

// NewAPIClient creates a control-plane client. The retryable client handles
// transient control-plane failures; chunk data never flows through it.
func NewAPIClient(client *retryablehttp.Client, baseURL string, auth Authenticator, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient: client,
		baseURL:    baseURL,
		auth:       auth,
		logger:     logger,
	}
}

// OpenUploadSession creates an upload slot for the object.
func (c *APIClient) OpenUploadSession(ctx context.Context, locator string, totalSize, chunkSize int64, chunkCount int) (Session, error) {
	url := fmt.Sprintf("%s/upload-sessions", c.baseURL)

	body, err := json.Marshal(openSessionRequest{
		ObjectLocator:  locator,
		TotalSizeBytes: totalSize,
		ChunkSizeBytes: chunkSize,
		ChunkCount:     chunkCount,
	})
	if err != nil {
		return Session{}, err
	}

	var response openSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, url, body, http.StatusCreated, &response); err != nil {
		return Session{}, fmt.Errorf("open upload session: %w", err)
	}

	c.logger.Debugf("Opened upload session %s for %s", response.SessionToken, locator)

	return Session{
		Token:     response.SessionToken,
		Locator:   locator,
		TotalSize: totalSize,
	}, nil
}

// CloseObject finalizes the upload session with the whole-object checksum.
func (c *APIClient) CloseObject(ctx context.Context, session Session, wholeChecksum string, chunkChecksums []string) error {
	url := fmt.Sprintf("%s/upload-sessions/%s/close", c.baseURL, session.Token)

	body, err := json.Marshal(closeObjectRequest{
		WholeChecksum:  wholeChecksum,
		ChunkChecksums: chunkChecksums,
	})
	if err != nil {
		return err
	}

	var response closeObjectResponse
	if err := c.doJSON(ctx, http.MethodPost, url, body, http.StatusOK, &response); err != nil {
		return fmt.Errorf("close object: %w", err)
	}

	if response.Message != "" {
		c.logger.Debugf("Close response: [%s] %s", response.Severity, response.Message)
	}
	return nil
}

// AbortUploadSession discards the session and everything committed under it.
func (c *APIClient) AbortUploadSession(ctx context.Context, session Session) error {
	url := fmt.Sprintf("%s/upload-sessions/%s", c.baseURL, session.Token)

	if err := c.doJSON(ctx, http.MethodDelete, url, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("abort upload session: %w", err)
	}
	return nil
}

// GetObjectMetadata describes the object for download planning.
func (c *APIClient) GetObjectMetadata(ctx context.Context, locator string) (ObjectMetadata, error) {
	url := fmt.Sprintf("%s/objects/%s/metadata", c.baseURL, locator)

	var response objectMetadataResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, http.StatusOK, &response); err != nil {
		return ObjectMetadata{}, fmt.Errorf("get object metadata: %w", err)
	}

	return ObjectMetadata{
		SizeBytes:      response.SizeBytes,
		ChunkSizeBytes: response.ChunkSizeBytes,
		ChunkChecksums: response.ChunkChecksums,
		WholeChecksum:  response.WholeChecksum,
		DownloadURL:    response.DownloadURL,
		Rangeable:      response.Rangeable,
	}, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, url string, body []byte, wantStatus int, out interface{}) error {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, rawBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.auth.Token()))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyRequestError(err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != wantStatus {
		return unwrapError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	errorBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return classifyStatus(resp.StatusCode, string(errorBody))
}
