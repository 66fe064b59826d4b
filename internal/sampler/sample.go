package sampler

import (
	"github.com/cartridge/sampler/internal/tensor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sample is one assembled replay item. It owns its chunk tensors and can be
// consumed exactly one way: either iterated timestep by timestep, or
// materialized in full as batched timesteps or as a trajectory. The chunk
// groups form a deque; timestep iteration drops the head group as soon as it
// is exhausted so chunk memory is released incrementally.
type Sample struct {
	key         uint64
	probability float64
	tableSize   int64
	priority    float64

	numTimesteps   int64
	numDataColumns int

	// chunks[g][c] is column c of group g. The leading dimension of every
	// column in a group is the group's batch size.
	chunks         [][]tensor.Tensor
	squeezeColumns []bool

	nextIndex int
	iterated  bool
}

// NewSample validates the chunk groups and wraps them into a Sample.
func NewSample(key uint64, probability float64, tableSize int64, priority float64,
	chunks [][]tensor.Tensor, squeezeColumns []bool) (*Sample, error) {
	if len(chunks) == 0 {
		return nil, status.Error(codes.Internal, "sample must hold at least one chunk group")
	}
	numColumns := len(chunks[0])
	if numColumns == 0 {
		return nil, status.Error(codes.Internal, "chunk groups must hold at least one tensor")
	}
	var numTimesteps int64
	for _, group := range chunks {
		if len(group) != numColumns {
			return nil, status.Errorf(codes.Internal,
				"inconsistent column count across chunk groups: %d vs %d",
				numColumns, len(group))
		}
		numTimesteps += int64(group[0].Len())
	}
	return &Sample{
		key:            key,
		probability:    probability,
		tableSize:      tableSize,
		priority:       priority,
		numTimesteps:   numTimesteps,
		numDataColumns: numColumns,
		chunks:         chunks,
		squeezeColumns: squeezeColumns,
	}, nil
}

// Key returns the item key.
func (s *Sample) Key() uint64 { return s.key }

// NumTimesteps returns the summed leading dimension of the chunk groups.
func (s *Sample) NumTimesteps() int64 { return s.numTimesteps }

// EndOfSample reports whether every timestep has been emitted.
func (s *Sample) EndOfSample() bool { return len(s.chunks) == 0 }

// IsComposedOfTimesteps reports whether every column has the same total
// length, making row-wise iteration well defined.
func (s *Sample) IsComposedOfTimesteps() bool {
	if len(s.chunks) == 0 {
		return true
	}
	lengths := make([]int, s.numDataColumns)
	for _, group := range s.chunks {
		for i, col := range group {
			lengths[i] += col.Len()
		}
	}
	for _, l := range lengths[1:] {
		if l != lengths[0] {
			return false
		}
	}
	return true
}

// NextTimestep emits the next row: the four scalar metadata tensors followed
// by one row of each data column. Once called, the batch and trajectory
// views become unavailable.
func (s *Sample) NextTimestep() ([]tensor.Tensor, error) {
	if s.EndOfSample() {
		return nil, status.Error(codes.FailedPrecondition, "sample is exhausted")
	}
	if !s.IsComposedOfTimesteps() {
		return nil, status.Error(codes.FailedPrecondition,
			"sampled trajectory cannot be decomposed into timesteps")
	}

	result := make([]tensor.Tensor, 0, s.numDataColumns+4)
	result = append(result,
		tensor.Uint64Scalar(s.key),
		tensor.Float64Scalar(s.probability),
		tensor.Int64Scalar(s.tableSize),
		tensor.Float64Scalar(s.priority))

	for _, col := range s.chunks[0] {
		row, err := col.Row(s.nextIndex)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}

	s.nextIndex++
	if s.nextIndex == s.chunks[0][0].Len() {
		s.chunks = s.chunks[1:]
		s.nextIndex = 0
	}
	s.iterated = true

	return result, nil
}

// AsBatchedTimesteps concatenates the chunk groups into one tensor per
// column, with the scalar metadata broadcast to the trajectory length.
func (s *Sample) AsBatchedTimesteps() ([]tensor.Tensor, error) {
	if s.iterated {
		return nil, status.Error(codes.DataLoss,
			"cannot batch sample: some timesteps have already been emitted")
	}
	if !s.IsComposedOfTimesteps() {
		return nil, status.Error(codes.FailedPrecondition,
			"cannot batch sample: trajectory cannot be decomposed into timesteps")
	}

	n := int(s.numTimesteps)
	sequences := make([]tensor.Tensor, s.numDataColumns+4)
	sequences[0] = tensor.FillUint64(s.key, n)
	sequences[1] = tensor.FillFloat64(s.probability, n)
	sequences[2] = tensor.FillInt64(s.tableSize, n)
	sequences[3] = tensor.FillFloat64(s.priority, n)

	columns := s.takeColumns()
	for i, parts := range columns {
		concat, err := tensor.Concat(parts)
		if err != nil {
			return nil, err
		}
		sequences[i+4] = concat
	}
	return sequences, nil
}

// AsTrajectory emits the scalar metadata unbroadcast followed by each
// column's full tensor, squeezing the unit leading dimension of columns
// flagged by the trajectory schema.
func (s *Sample) AsTrajectory() ([]tensor.Tensor, error) {
	if s.iterated {
		return nil, status.Error(codes.DataLoss,
			"cannot materialize trajectory: some timesteps have already been emitted")
	}

	sequences := make([]tensor.Tensor, s.numDataColumns+4)
	sequences[0] = tensor.Uint64Scalar(s.key)
	sequences[1] = tensor.Float64Scalar(s.probability)
	sequences[2] = tensor.Int64Scalar(s.tableSize)
	sequences[3] = tensor.Float64Scalar(s.priority)

	// A single group needs no concat; its columns move over as they are.
	if len(s.chunks) == 1 {
		copy(sequences[4:], s.chunks[0])
		s.chunks = nil
	} else {
		columns := s.takeColumns()
		for i, parts := range columns {
			concat, err := tensor.Concat(parts)
			if err != nil {
				return nil, err
			}
			sequences[i+4] = concat
		}
	}

	for i, squeeze := range s.squeezeColumns {
		if !squeeze {
			continue
		}
		squeezed, err := sequences[i+4].Squeeze0()
		if err != nil {
			return nil, err
		}
		sequences[i+4] = squeezed
	}
	return sequences, nil
}

// takeColumns transposes the group-major deque into column-major chunk lists
// and releases the groups.
func (s *Sample) takeColumns() [][]tensor.Tensor {
	columns := make([][]tensor.Tensor, s.numDataColumns)
	for i := range columns {
		columns[i] = make([]tensor.Tensor, 0, len(s.chunks))
	}
	for _, group := range s.chunks {
		for i, col := range group {
			columns[i] = append(columns[i], col)
		}
	}
	s.chunks = nil
	return columns
}
