package replaypb

import (
	"github.com/cartridge/sampler/internal/tensor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChunkKeys returns the chunk keys referenced by the trajectory in first-use
// order, deduplicated.
func ChunkKeys(tr FlatTrajectory) []uint64 {
	seen := make(map[uint64]struct{})
	var keys []uint64
	for _, col := range tr.Columns {
		for _, slice := range col.ChunkSlices {
			if _, ok := seen[slice.ChunkKey]; ok {
				continue
			}
			seen[slice.ChunkKey] = struct{}{}
			keys = append(keys, slice.ChunkKey)
		}
	}
	return keys
}

// IsTimestepTrajectory reports whether every column shares an identical
// chunk-slice structure. Such trajectories can be unpacked chunk by chunk and
// iterated row by row.
func IsTimestepTrajectory(tr FlatTrajectory) bool {
	if len(tr.Columns) == 0 {
		return false
	}
	first := tr.Columns[0].ChunkSlices
	for _, col := range tr.Columns[1:] {
		if len(col.ChunkSlices) != len(first) {
			return false
		}
		for i, slice := range col.ChunkSlices {
			ref := first[i]
			if slice.ChunkKey != ref.ChunkKey || slice.Offset != ref.Offset ||
				slice.Length != ref.Length {
				return false
			}
		}
	}
	return true
}

// TimestepTrajectoryOffset returns the number of rows stripped from the
// front of the first chunk of a timestep trajectory.
func TimestepTrajectoryOffset(tr FlatTrajectory) int64 {
	return tr.Columns[0].ChunkSlices[0].Offset
}

// TimestepTrajectoryLength returns the total row count of a timestep
// trajectory.
func TimestepTrajectoryLength(tr FlatTrajectory) int64 {
	var n int64
	for _, slice := range tr.Columns[0].ChunkSlices {
		n += slice.Length
	}
	return n
}

// UnpackChunkColumnAndSlice decompresses one column of a chunk and extracts
// the rows addressed by slice. The returned tensor owns its buffer.
func UnpackChunkColumnAndSlice(chunk *ChunkData, slice ChunkSlice) (tensor.Tensor, error) {
	if int(slice.Index) < 0 || int(slice.Index) >= len(chunk.Tensors) {
		return tensor.Tensor{}, status.Errorf(codes.Internal,
			"column index %d out of range for chunk %d with %d columns",
			slice.Index, chunk.ChunkKey, len(chunk.Tensors))
	}
	t, err := chunk.Tensors[slice.Index].Decompress()
	if err != nil {
		return tensor.Tensor{}, err
	}
	if chunk.DeltaEncoded {
		t = tensor.DeltaDecode(t)
	}
	if slice.Offset < 0 || slice.Offset+slice.Length > int64(t.Len()) {
		return tensor.Tensor{}, status.Errorf(codes.Internal,
			"slice [%d, %d) out of range for chunk %d with batch size %d",
			slice.Offset, slice.Offset+slice.Length, chunk.ChunkKey, t.Len())
	}
	view, err := t.SliceRows(int(slice.Offset), int(slice.Offset+slice.Length))
	if err != nil {
		return tensor.Tensor{}, err
	}
	if view.Len() != t.Len() {
		return view.Clone(), nil
	}
	return view, nil
}
