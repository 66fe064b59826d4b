package sampler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/tensor"
)

// newTestSample builds a Sample whose single data column is split into one
// group per entry of groups.
func newTestSample(t *testing.T, key uint64, groups ...[]int64) *Sample {
	t.Helper()
	chunks := make([][]tensor.Tensor, 0, len(groups))
	for _, vals := range groups {
		chunks = append(chunks, []tensor.Tensor{tensor.FromInt64s(vals, len(vals))})
	}
	s, err := NewSample(key, 0.5, 100, 1.5, chunks, []bool{false})
	require.NoError(t, err)
	return s
}

// buildItemResponses builds the stream responses of one single-column item
// whose trajectory covers the given chunks end to end, in order.
func buildItemResponses(key uint64, chunkKeys []uint64, chunkVals [][]int64) []*replaypb.SampleStreamResponse {
	var columns []replaypb.ChunkSlice
	for i, ck := range chunkKeys {
		columns = append(columns, replaypb.ChunkSlice{
			ChunkKey: ck,
			Offset:   0,
			Length:   int64(len(chunkVals[i])),
			Index:    0,
		})
	}
	info := &replaypb.SampleInfo{
		Item: replaypb.PrioritizedItem{
			Key:      key,
			Priority: 1.5,
			FlatTrajectory: replaypb.FlatTrajectory{
				Columns: []replaypb.TrajectoryColumn{{ChunkSlices: columns}},
			},
		},
		Probability: 0.5,
		TableSize:   100,
	}

	var responses []*replaypb.SampleStreamResponse
	for i, ck := range chunkKeys {
		response := &replaypb.SampleStreamResponse{
			Data: &replaypb.ChunkData{
				ChunkKey: ck,
				Tensors: []tensor.Compressed{
					tensor.Compress(tensor.FromInt64s(chunkVals[i], len(chunkVals[i]))),
				},
			},
		}
		if i == 0 {
			response.Info = info
		}
		responses = append(responses, response)
	}
	return responses
}
