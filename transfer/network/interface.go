// Package network talks to the platform's object service: a control plane
// for upload sessions and object metadata, and a data plane that moves
// individual chunks. Retrying chunk operations is the caller's concern; the
// data-plane transports perform exactly one network operation per call.
package network

import (
	"context"
	"errors"

	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
)

// Session identifies an in-progress upload on the remote side.
type Session struct {
	Token     string
	Locator   string
	TotalSize int64
}

// ObjectMetadata describes a remote object for download planning.
type ObjectMetadata struct {
	SizeBytes      int64
	ChunkSizeBytes int64
	ChunkChecksums []string
	WholeChecksum  string
	// DownloadURL is a direct URL for whole-object download; used as the
	// fallback when the object is not rangeable.
	DownloadURL string
	Rangeable   bool
}

// SessionService is the control plane of the remote object store.
type SessionService interface {
	// OpenUploadSession creates an upload slot for an object of totalSize
	// bytes split into chunkCount chunks.
	OpenUploadSession(ctx context.Context, locator string, totalSize, chunkSize int64, chunkCount int) (Session, error)

	// CloseObject finalizes the upload. The remote side validates the
	// whole-object checksum before committing.
	CloseObject(ctx context.Context, session Session, wholeChecksum string, chunkChecksums []string) error

	// AbortUploadSession discards an open upload session and any committed
	// chunks. Only called on explicit abort-and-cleanup.
	AbortUploadSession(ctx context.Context, session Session) error

	// GetObjectMetadata describes an existing object for download.
	GetObjectMetadata(ctx context.Context, locator string) (ObjectMetadata, error)
}

// Transport is the data plane: one blocking network operation per call, with
// the deadline supplied through ctx. Implementations never retry internally.
type Transport interface {
	// PutChunk uploads one chunk and returns the remote-computed checksum
	// for immediate verification.
	PutChunk(ctx context.Context, session Session, chunk chunkplan.Chunk, data []byte) (string, error)

	// GetChunk downloads one chunk's bytes.
	GetChunk(ctx context.Context, locator string, chunk chunkplan.Chunk) ([]byte, error)
}

// Authenticator supplies the platform credential for each request and can
// refresh it once the platform reports expiry.
type Authenticator interface {
	Token() string
	Refresh(ctx context.Context) error
}

// StaticToken is an Authenticator for a fixed, non-refreshable credential.
type StaticToken string

// Token returns the credential.
func (t StaticToken) Token() string { return string(t) }

// Refresh always fails: a static token cannot be renewed.
func (t StaticToken) Refresh(ctx context.Context) error {
	return &TransportError{Kind: KindAuthExpired, Err: errors.New("static credential cannot be refreshed")}
}
