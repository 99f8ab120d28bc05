package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/genproto/googleapis/bytestream"

	"github.com/Honglongwu/dx-toolkit/transfer/checksum"
	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/Honglongwu/dx-toolkit/transfer/network"
)

// ByteStream servers cap individual message sizes, so chunk payloads are
// framed into smaller segments on the wire.
const maxSegmentSize = 1024 * 1024

// PutChunk streams one chunk at its byte offset within the object.
// FinishWrite is set on the segment that reaches the end of the object,
// which lets the server seal the resource without a separate commit call.
func (c *Client) PutChunk(ctx context.Context, session network.Session, chunk chunkplan.Chunk, data []byte) (string, error) {
	stream, err := c.bytestreamClient.Write(c.authContext(ctx))
	if err != nil {
		return "", classifyRPCError(err)
	}

	resource := c.resourceName(session.Locator)
	offset := chunk.Start
	sent := false
	for start := 0; start < len(data) || !sent; start += maxSegmentSize {
		end := start + maxSegmentSize
		if end > len(data) {
			// Zero-length chunks still need one finishing segment.
			end = len(data)
		}
		segment := data[start:end]

		req := &bytestream.WriteRequest{
			ResourceName: resource,
			WriteOffset:  offset,
			Data:         segment,
			FinishWrite:  offset+int64(len(segment)) >= session.TotalSize,
		}
		if err := stream.Send(req); err != nil && !errors.Is(err, io.EOF) {
			return "", classifyRPCError(err)
		}
		offset += int64(len(segment))
		sent = true
	}

	if _, err := stream.CloseAndRecv(); err != nil {
		return "", classifyRPCError(err)
	}

	return checksum.Sum(data), nil
}

// GetChunk reads one chunk's byte range from the object.
func (c *Client) GetChunk(ctx context.Context, locator string, chunk chunkplan.Chunk) ([]byte, error) {
	readReq := &bytestream.ReadRequest{
		ResourceName: c.resourceName(locator),
		ReadOffset:   chunk.Start,
		ReadLimit:    chunk.Size(),
	}
	stream, err := c.bytestreamClient.Read(c.authContext(ctx), readReq)
	if err != nil {
		return nil, classifyRPCError(err)
	}

	var out bytes.Buffer
	out.Grow(int(chunk.Size()))
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyRPCError(err)
		}
		out.Write(resp.Data)
	}

	if int64(out.Len()) != chunk.Size() {
		return nil, fmt.Errorf("chunk %d: got %d bytes, want %d", chunk.Index, out.Len(), chunk.Size())
	}

	return out.Bytes(), nil
}
