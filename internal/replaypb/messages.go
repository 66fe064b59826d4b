// Package replaypb defines the messages exchanged on the replay sampling
// stream and the helpers for reasoning about flat trajectories. The schema is
// hand-maintained and moved over gRPC with a self-describing codec; see
// grpc.go.
package replaypb

import "github.com/cartridge/sampler/internal/tensor"

// SampleStreamRequest asks the server for a batch of sampled items from a
// table. One request is written per batch; responses for the requested
// samples follow on the same stream.
type SampleStreamRequest struct {
	Table                string
	NumSamples           int64
	RateLimiterTimeoutMs int64
	FlexibleBatchSize    int32
}

// ChunkSlice addresses a span of rows inside one column of a stored chunk.
// Index is the column's position within the chunk's tensor list.
type ChunkSlice struct {
	ChunkKey uint64
	Offset   int64
	Length   int64
	Index    int32
}

// TrajectoryColumn is the per-column schema of an item: the ordered chunk
// slices whose concatenation forms the column, plus whether the unit leading
// dimension is dropped when the item is materialized as a trajectory.
type TrajectoryColumn struct {
	ChunkSlices []ChunkSlice
	Squeeze     bool
}

// FlatTrajectory is the flattened per-item schema.
type FlatTrajectory struct {
	Columns []TrajectoryColumn
}

// PrioritizedItem identifies one sampled item and its trajectory.
type PrioritizedItem struct {
	Key            uint64
	Priority       float64
	FlatTrajectory FlatTrajectory
}

// SampleInfo carries the item metadata echoed into every emitted timestep.
// It is present at least on the first response of each sample.
type SampleInfo struct {
	Item        PrioritizedItem
	Probability float64
	TableSize   int64
}

// ChunkData is one stored chunk: a batch of rows for every column packed in
// the chunk, compressed per column. When DeltaEncoded is set each tensor has
// additionally been row-delta encoded before compression.
type ChunkData struct {
	ChunkKey     uint64
	Tensors      []tensor.Compressed
	DeltaEncoded bool
}

// SampleStreamResponse is one message of a sample. A sample is complete when
// the union of the received Data.ChunkKey values covers every chunk key
// referenced by the item's trajectory.
type SampleStreamResponse struct {
	Info *SampleInfo
	Data *ChunkData
}
