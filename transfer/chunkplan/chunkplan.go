// Package chunkplan splits a file into the chunk ranges transferred as
// individual network operations. Plans are pure functions of the total size
// and the policy, which makes them safe to regenerate when resuming an
// interrupted transfer.
package chunkplan

import (
	"fmt"
)

const (
	// DefaultMinChunkSize is the smallest chunk the platform accepts.
	DefaultMinChunkSize = 5 * 1024 * 1024
	// DefaultMaxChunkSize is the largest chunk the platform accepts.
	DefaultMaxChunkSize = 5 * 1024 * 1024 * 1024
	// DefaultMaxChunkCount is the platform limit on chunks per object.
	DefaultMaxChunkCount = 10000

	// chunkSizeStep is the granularity chunk sizes are rounded up to when
	// the plan has to grow chunks to respect MaxChunkCount.
	chunkSizeStep = 1024 * 1024
)

// Chunk is one contiguous byte range of the file, transferred as a single
// network operation. The range is [Start, End). Checksum is the
// remote-declared digest for downloads and empty for uploads.
type Chunk struct {
	Index    int
	Start    int64
	End      int64
	Checksum string
}

// Size returns the chunk length in bytes.
func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// Policy controls how a file is split into chunks.
type Policy struct {
	// ChunkSize is the requested chunk size in bytes. Zero means derive it
	// from the total size and concurrency via OptimalChunkSize.
	ChunkSize int64

	// MinChunkSize and MaxChunkSize bound the effective chunk size.
	// Zero values fall back to the platform defaults.
	MinChunkSize int64
	MaxChunkSize int64

	// MaxChunkCount caps the number of chunks in a plan. When the requested
	// chunk size would produce more chunks, the size is scaled up.
	MaxChunkCount int
}

func (p Policy) withDefaults() Policy {
	if p.MinChunkSize == 0 {
		p.MinChunkSize = DefaultMinChunkSize
	}
	if p.MaxChunkSize == 0 {
		p.MaxChunkSize = DefaultMaxChunkSize
	}
	if p.MaxChunkCount == 0 {
		p.MaxChunkCount = DefaultMaxChunkCount
	}
	return p
}

// EffectiveChunkSize resolves the chunk size the plan for totalSize will use:
// the requested size clamped into [MinChunkSize, MaxChunkSize], then raised
// so the chunk count stays within MaxChunkCount.
func (p Policy) EffectiveChunkSize(totalSize int64) int64 {
	p = p.withDefaults()

	size := p.ChunkSize
	if size == 0 {
		size = p.MinChunkSize
	}
	if size < p.MinChunkSize {
		size = p.MinChunkSize
	}
	if size > p.MaxChunkSize {
		size = p.MaxChunkSize
	}

	// Grow the chunk size for very large files so the plan respects the
	// platform's chunk count limit.
	if totalSize > size*int64(p.MaxChunkCount) {
		size = totalSize / int64(p.MaxChunkCount)
		if totalSize%int64(p.MaxChunkCount) != 0 {
			size++
		}
		if rem := size % chunkSizeStep; rem != 0 {
			size += chunkSizeStep - rem
		}
	}

	return size
}

// Plan produces the ordered chunk sequence covering [0, totalSize). Every
// chunk has the effective chunk size except possibly the last. A zero-length
// file still yields a single empty chunk so the remote object can be created
// and closed normally. Identical inputs always produce identical plans.
func Plan(totalSize int64, p Policy) ([]Chunk, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("total size must not be negative, got %d", totalSize)
	}

	if totalSize == 0 {
		return []Chunk{{Index: 0, Start: 0, End: 0}}, nil
	}

	chunkSize := p.EffectiveChunkSize(totalSize)

	count := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		count++
	}

	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		chunks = append(chunks, Chunk{
			Index: int(i),
			Start: start,
			End:   end,
		})
	}

	return chunks, nil
}

// OptimalChunkSize calculates a chunk size based on total size and
// concurrency so that every worker has work, reduced for very large chunks
// to improve parallelism.
func OptimalChunkSize(totalSize int64, concurrency int, p Policy) int64 {
	p = p.withDefaults()

	if concurrency < 1 {
		concurrency = 1
	}

	size := totalSize / int64(concurrency)

	if size >= 100*1024*1024 {
		size = size / 2
	}

	if size < p.MinChunkSize {
		size = p.MinChunkSize
	}
	if size > p.MaxChunkSize {
		size = p.MaxChunkSize
	}

	return size
}
