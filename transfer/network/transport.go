package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/bitrise-io/go-utils/v2/log"
)

// HTTPTransport moves chunk data over plain HTTP. It performs exactly one
// network operation per call; the retry controller owns re-attempts, so the
// underlying client must not retry either.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
	auth    Authenticator
	logger  log.Logger
}

// NewHTTPTransport creates a chunk transport. A nil client falls back to
// DefaultChunkClient.
func NewHTTPTransport(client *http.Client, baseURL string, auth Authenticator, logger log.Logger) *HTTPTransport {
	if client == nil {
		client = DefaultChunkClient()
	}
	return &HTTPTransport{
		client:  client,
		baseURL: baseURL,
		auth:    auth,
		logger:  logger,
	}
}

// DefaultChunkClient creates an HTTP client tuned for chunk transfer. The
// client itself has no timeout; per-chunk deadlines arrive via context.
func DefaultChunkClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// PutChunk uploads one chunk to the session and returns the remote-computed
// checksum from the ETag header. A conflict status means the chunk is
// already committed, surfaced as ErrAlreadyCommitted.
func (t *HTTPTransport) PutChunk(ctx context.Context, session Session, chunk chunkplan.Chunk, data []byte) (string, error) {
	url := fmt.Sprintf("%s/upload-sessions/%s/chunks/%d", t.baseURL, session.Token, chunk.Index)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.auth.Token()))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", classifyRequestError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusConflict {
		return readETag(resp), ErrAlreadyCommitted
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unwrapError(resp)
	}

	etag := readETag(resp)
	if etag == "" {
		return "", &TransportError{
			Kind:       KindServerRejected,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("no checksum in chunk ack"),
		}
	}

	return etag, nil
}

// GetChunk downloads the chunk's byte range from the object content
// endpoint using an HTTP range request.
func (t *HTTPTransport) GetChunk(ctx context.Context, locator string, chunk chunkplan.Chunk) ([]byte, error) {
	url := fmt.Sprintf("%s/objects/%s/content", t.baseURL, locator)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.auth.Token()))
	if chunk.Size() > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", chunk.Start, chunk.End-1))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyRequestError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyRequestError(err)
	}

	if chunk.Size() > 0 && int64(len(data)) != chunk.Size() {
		return nil, &TransportError{
			Kind:       KindServerRejected,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("chunk %d: got %d bytes, want %d", chunk.Index, len(data), chunk.Size()),
		}
	}

	return data, nil
}

func readETag(resp *http.Response) string {
	return resp.Header.Get("ETag")
}
