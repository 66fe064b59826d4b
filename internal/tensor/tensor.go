// Package tensor implements the dense column values that flow through the
// replay sampling pipeline: fixed-width typed buffers with a shape, sliced
// and concatenated along their leading (batch) dimension.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DType identifies the element type of a Tensor.
type DType int

const (
	Invalid DType = iota
	Uint64
	Int64
	Int32
	Float64
	Float32
	Bool
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Uint64, Int64, Float64:
		return 8
	case Int32, Float32:
		return 4
	case Bool:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Uint64:
		return "uint64"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Bool:
		return "bool"
	default:
		return "invalid"
	}
}

// Tensor is a dense, row-major value. Data holds NumElems fixed-width
// little-endian elements. A Tensor produced by SliceRows shares its backing
// buffer with the source; Clone breaks the sharing.
type Tensor struct {
	DT    DType
	Shape []int
	Data  []byte
}

// NewZeros returns a zero-filled tensor of the given type and shape.
func NewZeros(dt DType, shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{DT: dt, Shape: append([]int(nil), shape...), Data: make([]byte, n*dt.Size())}
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of dimension i.
func (t Tensor) Dim(i int) int { return t.Shape[i] }

// Len returns the leading dimension, or 1 for a scalar.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// NumElems returns the total element count.
func (t Tensor) NumElems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// rowBytes returns the byte width of one row along the leading dimension.
func (t Tensor) rowBytes() int {
	if t.Len() == 0 {
		return 0
	}
	return len(t.Data) / t.Len()
}

// SliceRows returns the view t[lo:hi] along the leading dimension. The
// returned tensor shares t's backing buffer.
func (t Tensor) SliceRows(lo, hi int) (Tensor, error) {
	if t.Rank() == 0 {
		return Tensor{}, status.Error(codes.InvalidArgument, "cannot slice a scalar tensor")
	}
	if lo < 0 || hi < lo || hi > t.Shape[0] {
		return Tensor{}, status.Errorf(codes.InvalidArgument,
			"slice [%d, %d) out of range for leading dimension %d", lo, hi, t.Shape[0])
	}
	shape := append([]int(nil), t.Shape...)
	shape[0] = hi - lo
	rb := t.rowBytes()
	return Tensor{DT: t.DT, Shape: shape, Data: t.Data[lo*rb : hi*rb]}, nil
}

// Clone returns a deep copy of t that owns its buffer.
func (t Tensor) Clone() Tensor {
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return Tensor{DT: t.DT, Shape: append([]int(nil), t.Shape...), Data: data}
}

// Row returns row i with the leading dimension dropped. The result owns its
// buffer so callers can hold it after the source tensor is released.
func (t Tensor) Row(i int) (Tensor, error) {
	if t.Rank() == 0 {
		return Tensor{}, status.Error(codes.InvalidArgument, "cannot index a scalar tensor")
	}
	if i < 0 || i >= t.Shape[0] {
		return Tensor{}, status.Errorf(codes.InvalidArgument,
			"row %d out of range for leading dimension %d", i, t.Shape[0])
	}
	rb := t.rowBytes()
	data := make([]byte, rb)
	copy(data, t.Data[i*rb:(i+1)*rb])
	return Tensor{DT: t.DT, Shape: append([]int(nil), t.Shape[1:]...), Data: data}, nil
}

// Squeeze0 drops a unit leading dimension.
func (t Tensor) Squeeze0() (Tensor, error) {
	if t.Rank() == 0 || t.Shape[0] != 1 {
		return Tensor{}, status.Errorf(codes.Internal,
			"tried to squeeze column with batch size %d", t.Len())
	}
	return Tensor{DT: t.DT, Shape: append([]int(nil), t.Shape[1:]...), Data: t.Data}, nil
}

// Unsqueeze0 prepends a unit dimension.
func (t Tensor) Unsqueeze0() Tensor {
	return Tensor{DT: t.DT, Shape: append([]int{1}, t.Shape...), Data: t.Data}
}

// Concat stacks the given tensors along the leading dimension. All inputs
// must share dtype and trailing shape.
func Concat(ts []Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, status.Error(codes.InvalidArgument, "cannot concat zero tensors")
	}
	if len(ts) == 1 {
		return ts[0], nil
	}
	first := ts[0]
	if first.Rank() == 0 {
		return Tensor{}, status.Error(codes.InvalidArgument, "cannot concat scalar tensors")
	}
	rows := 0
	total := 0
	for _, t := range ts {
		if t.DT != first.DT {
			return Tensor{}, status.Errorf(codes.InvalidArgument,
				"concat dtype mismatch: %s vs %s", first.DT, t.DT)
		}
		if !innerShapeEqual(first.Shape, t.Shape) {
			return Tensor{}, status.Errorf(codes.InvalidArgument,
				"concat shape mismatch: %v vs %v", first.Shape, t.Shape)
		}
		rows += t.Shape[0]
		total += len(t.Data)
	}
	data := make([]byte, 0, total)
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	shape := append([]int(nil), first.Shape...)
	shape[0] = rows
	return Tensor{DT: first.DT, Shape: shape, Data: data}, nil
}

func innerShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 1; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports whether two tensors have identical dtype, shape and content.
func (t Tensor) Equal(o Tensor) bool {
	if t.DT != o.DT || len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s%v", t.DT, t.Shape)
}

// Scalar constructors. Scalars have rank 0.

func Uint64Scalar(v uint64) Tensor {
	t := NewZeros(Uint64)
	binary.LittleEndian.PutUint64(t.Data, v)
	return t
}

func Int64Scalar(v int64) Tensor {
	t := NewZeros(Int64)
	binary.LittleEndian.PutUint64(t.Data, uint64(v))
	return t
}

func Float64Scalar(v float64) Tensor {
	t := NewZeros(Float64)
	binary.LittleEndian.PutUint64(t.Data, math.Float64bits(v))
	return t
}

// Fill constructors build rank-1 tensors holding n copies of v. They back the
// broadcast of scalar sample metadata over the time dimension.

func FillUint64(v uint64, n int) Tensor {
	t := NewZeros(Uint64, n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(t.Data[i*8:], v)
	}
	return t
}

func FillInt64(v int64, n int) Tensor {
	t := NewZeros(Int64, n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(v))
	}
	return t
}

func FillFloat64(v float64, n int) Tensor {
	t := NewZeros(Float64, n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(t.Data[i*8:], math.Float64bits(v))
	}
	return t
}

// FromInt64s builds a tensor of the given shape from row-major values.
func FromInt64s(vals []int64, shape ...int) Tensor {
	t := NewZeros(Int64, shape...)
	if len(vals) != t.NumElems() {
		panic(fmt.Sprintf("tensor: %d values for shape %v", len(vals), shape))
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(v))
	}
	return t
}

// FromFloat64s builds a tensor of the given shape from row-major values.
func FromFloat64s(vals []float64, shape ...int) Tensor {
	t := NewZeros(Float64, shape...)
	if len(vals) != t.NumElems() {
		panic(fmt.Sprintf("tensor: %d values for shape %v", len(vals), shape))
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(t.Data[i*8:], math.Float64bits(v))
	}
	return t
}

// Int64s decodes the element buffer as int64 values. Valid for Int64 and
// Uint64 tensors.
func (t Tensor) Int64s() []int64 {
	out := make([]int64, t.NumElems())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
	return out
}

// Uint64s decodes the element buffer as uint64 values.
func (t Tensor) Uint64s() []uint64 {
	out := make([]uint64, t.NumElems())
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(t.Data[i*8:])
	}
	return out
}

// Float64s decodes the element buffer as float64 values.
func (t Tensor) Float64s() []float64 {
	out := make([]float64, t.NumElems())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
	return out
}
