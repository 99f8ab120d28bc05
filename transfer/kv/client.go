// Package kv transfers chunks over a gRPC ByteStream endpoint. Some
// execution environments expose object storage through this interface
// instead of presigned HTTP URLs.
package kv

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/Honglongwu/dx-toolkit/transfer/network"
)

type Client struct {
	bytestreamClient bytestream.ByteStreamClient
	instanceName     string
	token            string
}

type NewClientParams struct {
	UseInsecure  bool
	Host         string
	DialTimeout  time.Duration
	InstanceName string
	Token        string
}

func NewClient(ctx context.Context, p NewClientParams) (*Client, error) {
	opts := make([]grpc.DialOption, 0)
	if p.UseInsecure {
		creds := insecure.NewCredentials()
		insecureOpt := grpc.WithTransportCredentials(creds)
		opts = append(opts, insecureOpt)
	}
	ctx, cancel := context.WithTimeout(ctx, p.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, p.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Host, err)
	}

	return &Client{
		bytestreamClient: bytestream.NewByteStreamClient(conn),
		instanceName:     p.InstanceName,
		token:            p.Token,
	}, nil
}

// resourceName addresses an object within the client's storage instance.
func (c *Client) resourceName(locator string) string {
	return fmt.Sprintf("%s/%s", c.instanceName, locator)
}

// authContext attaches the bearer token as outgoing call metadata.
func (c *Client) authContext(ctx context.Context) context.Context {
	md := metadata.Pairs("authorization", fmt.Sprintf("Bearer %s", c.token))
	return metadata.NewOutgoingContext(ctx, md)
}

// classifyRPCError maps a gRPC status code to the transport error taxonomy
// the retry controller understands.
func classifyRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &network.TransportError{Kind: network.KindConnection, Err: err}
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return &network.TransportError{Kind: network.KindTimeout, Err: err}
	case codes.Canceled:
		return &network.TransportError{Kind: network.KindCancelled, Err: err}
	case codes.Unavailable, codes.Aborted:
		return &network.TransportError{Kind: network.KindConnection, Err: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return &network.TransportError{Kind: network.KindAuthExpired, Err: err}
	case codes.ResourceExhausted, codes.Internal:
		return &network.TransportError{Kind: network.KindServerRejected, StatusCode: 503, Err: err}
	default:
		return &network.TransportError{Kind: network.KindServerRejected, StatusCode: 400, Err: err}
	}
}
