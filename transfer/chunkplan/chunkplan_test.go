package chunkplan

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int64
		policy    Policy
		want      []Chunk
	}{
		{
			name:      "empty file yields a single zero-length chunk",
			totalSize: 0,
			policy:    Policy{ChunkSize: 10 * 1024 * 1024},
			want:      []Chunk{{Index: 0, Start: 0, End: 0}},
		},
		{
			name:      "size divides evenly",
			totalSize: 20,
			policy:    Policy{ChunkSize: 10, MinChunkSize: 1, MaxChunkSize: 100},
			want: []Chunk{
				{Index: 0, Start: 0, End: 10},
				{Index: 1, Start: 10, End: 20},
			},
		},
		{
			name:      "short last chunk",
			totalSize: 25,
			policy:    Policy{ChunkSize: 10, MinChunkSize: 1, MaxChunkSize: 100},
			want: []Chunk{
				{Index: 0, Start: 0, End: 10},
				{Index: 1, Start: 10, End: 20},
				{Index: 2, Start: 20, End: 25},
			},
		},
		{
			name:      "file smaller than a single chunk",
			totalSize: 3,
			policy:    Policy{ChunkSize: 10, MinChunkSize: 1, MaxChunkSize: 100},
			want:      []Chunk{{Index: 0, Start: 0, End: 3}},
		},
		{
			name:      "requested size below platform minimum is clamped",
			totalSize: 6 * 1024 * 1024,
			policy:    Policy{ChunkSize: 1024},
			want: []Chunk{
				{Index: 0, Start: 0, End: 5 * 1024 * 1024},
				{Index: 1, Start: 5 * 1024 * 1024, End: 6 * 1024 * 1024},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.totalSize, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlan_NegativeSize(t *testing.T) {
	_, err := Plan(-1, Policy{})
	assert.Error(t, err)
}

func TestPlan_PartitionsExactly(t *testing.T) {
	sizes := []int64{0, 1, 7, 1024, 5*1024*1024 - 1, 5 * 1024 * 1024, 25 * 1024 * 1024, 123456789}
	policy := Policy{ChunkSize: 10 * 1024 * 1024}

	for _, size := range sizes {
		chunks, err := Plan(size, policy)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)

		var offset int64
		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
			assert.Equal(t, offset, c.Start, "chunks must be contiguous (size=%d)", size)
			assert.LessOrEqual(t, c.Start, c.End)
			offset = c.End
		}
		assert.Equal(t, size, offset, "chunks must cover the whole file (size=%d)", size)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	policy := Policy{ChunkSize: 8 * 1024 * 1024}

	first, err := Plan(123456789, policy)
	require.NoError(t, err)
	second, err := Plan(123456789, policy)
	require.NoError(t, err)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-planning with identical inputs produced a different plan")
	}
}

func TestPlan_RespectsMaxChunkCount(t *testing.T) {
	policy := Policy{
		ChunkSize:     1,
		MinChunkSize:  1,
		MaxChunkSize:  1 << 40,
		MaxChunkCount: 4,
	}

	chunks, err := Plan(10*chunkSizeStep, policy)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(chunks), 4)

	var covered int64
	for _, c := range chunks {
		covered += c.Size()
	}
	assert.Equal(t, int64(10*chunkSizeStep), covered)
}

func TestOptimalChunkSize(t *testing.T) {
	tests := []struct {
		name        string
		totalSize   int64
		concurrency int
		want        int64
	}{
		{
			name:        "small file clamps to minimum",
			totalSize:   1024,
			concurrency: 4,
			want:        DefaultMinChunkSize,
		},
		{
			name:        "large chunks are halved for parallelism",
			totalSize:   1600 * 1024 * 1024,
			concurrency: 4,
			want:        200 * 1024 * 1024,
		},
		{
			name:        "zero concurrency treated as one",
			totalSize:   1024,
			concurrency: 0,
			want:        DefaultMinChunkSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimalChunkSize(tt.totalSize, tt.concurrency, Policy{}))
		})
	}
}
