package sampler

import (
	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/table"
	"github.com/cartridge/sampler/internal/tensor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sampleIsDone reports whether the responses received so far cover every
// chunk key declared by the item's trajectory. The first response carries
// the declaration.
func sampleIsDone(responses []*replaypb.SampleStreamResponse) bool {
	if len(responses) == 0 {
		return false
	}
	info := responses[0].Info
	if info == nil {
		return false
	}
	received := make(map[uint64]struct{})
	for _, response := range responses {
		if response.Data != nil {
			received[response.Data.ChunkKey] = struct{}{}
		}
	}
	for _, key := range replaypb.ChunkKeys(info.Item.FlatTrajectory) {
		if _, ok := received[key]; !ok {
			return false
		}
	}
	return true
}

// responsesAsSample materializes one Sample from the stream responses of a
// single item. Ownership of the responses moves to the callee; on the
// timestep path each response drops its chunk data once it has been decoded.
func responsesAsSample(responses []*replaypb.SampleStreamResponse) (*Sample, error) {
	info := responses[0].Info
	if replaypb.IsTimestepTrajectory(info.Item.FlatTrajectory) {
		return timestepResponsesAsSample(responses)
	}

	chunks := make(map[uint64]*replaypb.ChunkData, len(responses))
	for _, response := range responses {
		if response.Data != nil {
			chunks[response.Data.ChunkKey] = response.Data
		}
	}

	columns := make([]tensor.Tensor, 0, len(info.Item.FlatTrajectory.Columns))
	for _, column := range info.Item.FlatTrajectory.Columns {
		parts := make([]tensor.Tensor, 0, len(column.ChunkSlices))
		for _, slice := range column.ChunkSlices {
			chunk, ok := chunks[slice.ChunkKey]
			if !ok {
				return nil, status.Errorf(codes.Internal,
					"chunk %d could not be found when unpacking item %d",
					slice.ChunkKey, info.Item.Key)
			}
			part, err := replaypb.UnpackChunkColumnAndSlice(chunk, slice)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		concat, err := tensor.Concat(parts)
		if err != nil {
			return nil, err
		}
		columns = append(columns, concat)
	}

	return NewSample(info.Item.Key, info.Probability, info.TableSize,
		info.Item.Priority, [][]tensor.Tensor{columns},
		squeezeColumns(info.Item.FlatTrajectory))
}

// timestepResponsesAsSample handles trajectories whose columns share the
// chunk layout. Chunks are trimmed and emitted one group per response so
// their memory can be dropped incrementally during iteration.
func timestepResponsesAsSample(responses []*replaypb.SampleStreamResponse) (*Sample, error) {
	info := responses[0].Info

	offset := replaypb.TimestepTrajectoryOffset(info.Item.FlatTrajectory)
	remaining := replaypb.TimestepTrajectoryLength(info.Item.FlatTrajectory)

	var chunks [][]tensor.Tensor
	for _, response := range responses {
		if response.Data == nil {
			continue
		}
		if remaining <= 0 {
			return nil, status.Errorf(codes.Internal,
				"item %d carries more chunk rows than its trajectory declares",
				info.Item.Key)
		}

		batchSize := int64(-1)
		group := make([]tensor.Tensor, 0, len(response.Data.Tensors))
		for i := range response.Data.Tensors {
			batch, err := response.Data.Tensors[i].Decompress()
			if err != nil {
				return nil, err
			}
			if response.Data.DeltaEncoded {
				batch = tensor.DeltaDecode(batch)
			}

			if batchSize < 0 {
				batchSize = int64(batch.Len())
			} else if batchSize != int64(batch.Len()) {
				return nil, status.Errorf(codes.Internal,
					"chunks of the same response must have identical batch size, "+
						"but first chunk has batch size %d while the current chunk "+
						"has batch size %d", batchSize, batch.Len())
			}

			hi := offset + remaining
			if hi > batchSize {
				hi = batchSize
			}
			trimmed, err := batch.SliceRows(int(offset), int(hi))
			if err != nil {
				return nil, err
			}
			if trimmed.Len() != batch.Len() {
				trimmed = trimmed.Clone()
			}
			group = append(group, trimmed)
		}
		// Release the wire buffer once it has been decoded. Only the
		// response's reference is dropped: the chunk data itself may be
		// shared with a table's chunk store and must not be modified.
		response.Data = nil
		chunks = append(chunks, group)

		taken := batchSize - offset
		if taken > remaining {
			taken = remaining
		}
		remaining -= taken
		offset = 0
	}

	if remaining != 0 {
		return nil, status.Errorf(codes.Internal,
			"item %d is missing %d trajectory rows", info.Item.Key, remaining)
	}

	return NewSample(info.Item.Key, info.Probability, info.TableSize,
		info.Item.Priority, chunks, squeezeColumns(info.Item.FlatTrajectory))
}

// sampledItemAsSample materializes a Sample from an in-process table item.
// The chunks are shared with the table's chunk store; the decoded column
// tensors own their buffers so the sharing ends here.
func sampledItemAsSample(item table.SampledItem) (*Sample, error) {
	chunks := make(map[uint64]*replaypb.ChunkData, len(item.Chunks))
	for _, chunk := range item.Chunks {
		chunks[chunk.Key()] = chunk.Data()
	}

	columns := make([]tensor.Tensor, 0, len(item.Item.FlatTrajectory.Columns))
	for _, column := range item.Item.FlatTrajectory.Columns {
		parts := make([]tensor.Tensor, 0, len(column.ChunkSlices))
		for _, slice := range column.ChunkSlices {
			chunk, ok := chunks[slice.ChunkKey]
			if !ok {
				return nil, status.Errorf(codes.Internal,
					"chunk %d could not be found when unpacking item %d",
					slice.ChunkKey, item.Item.Key)
			}
			part, err := replaypb.UnpackChunkColumnAndSlice(chunk, slice)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		concat, err := tensor.Concat(parts)
		if err != nil {
			return nil, err
		}
		columns = append(columns, concat)
	}

	return NewSample(item.Item.Key, item.Probability, item.TableSize,
		item.Item.Priority, [][]tensor.Tensor{columns},
		squeezeColumns(item.Item.FlatTrajectory))
}

func squeezeColumns(tr replaypb.FlatTrajectory) []bool {
	squeeze := make([]bool, len(tr.Columns))
	for i, col := range tr.Columns {
		squeeze[i] = col.Squeeze
	}
	return squeeze
}
