package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Kind classifies a transport failure for retry decisions.
type Kind int

const (
	// KindUnknown is a failure that does not fit any other kind.
	KindUnknown Kind = iota
	// KindTimeout means the chunk operation exceeded its deadline.
	KindTimeout
	// KindConnection means the network operation failed before a response.
	KindConnection
	// KindAuthExpired means the platform rejected the credentials.
	KindAuthExpired
	// KindServerRejected means the remote side returned an error status.
	KindServerRejected
	// KindCancelled means the operation was abandoned by the caller.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindConnection:
		return "ConnectionError"
	case KindAuthExpired:
		return "AuthExpired"
	case KindServerRejected:
		return "ServerRejected"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ErrAlreadyCommitted reports that the remote side already holds the chunk or
// object being written. Treated as success by the retry controller.
var ErrAlreadyCommitted = errors.New("already committed on remote side")

// TransportError is a single chunk operation failure with its retry
// classification.
type TransportError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Kind == KindServerRejected {
		return fmt.Sprintf("%s(%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same operation can succeed:
// timeouts, connection failures and server-side (5xx-class) rejections.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection:
		return true
	case KindServerRejected:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// classifyRequestError maps an error from an HTTP round trip (no response
// received) to a TransportError.
func classifyRequestError(err error) *TransportError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &TransportError{Kind: KindCancelled, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &TransportError{Kind: KindConnection, Err: err}
	}

	return &TransportError{Kind: KindConnection, Err: err}
}

// classifyStatus maps a non-2xx HTTP status to a TransportError.
func classifyStatus(status int, body string) *TransportError {
	err := fmt.Errorf("HTTP %d: %s", status, body)
	switch status {
	case 401, 403:
		return &TransportError{Kind: KindAuthExpired, StatusCode: status, Err: err}
	default:
		return &TransportError{Kind: KindServerRejected, StatusCode: status, Err: err}
	}
}
