package tensor

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Compressed is the wire form of a Tensor: lz4 block-compressed element
// bytes plus enough metadata to restore dtype and shape. RawLen is the
// uncompressed byte length; Stored marks buffers kept verbatim because
// compression did not pay off.
type Compressed struct {
	DT     DType
	Shape  []int
	Raw    []byte
	RawLen int
	Stored bool
}

// Compress encodes t for transport. The input buffer is not retained.
func Compress(t Tensor) Compressed {
	c := Compressed{DT: t.DT, Shape: append([]int(nil), t.Shape...), RawLen: len(t.Data)}
	if len(t.Data) == 0 {
		c.Stored = true
		return c
	}
	dst := make([]byte, lz4.CompressBlockBound(len(t.Data)))
	n, err := lz4.CompressBlock(t.Data, dst, nil)
	if err != nil || n == 0 || n >= len(t.Data) {
		c.Raw = append([]byte(nil), t.Data...)
		c.Stored = true
		return c
	}
	c.Raw = dst[:n:n]
	return c
}

// Decompress restores the dense tensor. The result owns its buffer.
func (c Compressed) Decompress() (Tensor, error) {
	shape := append([]int(nil), c.Shape...)
	if c.Stored {
		if len(c.Raw) != c.RawLen {
			return Tensor{}, status.Errorf(codes.Internal,
				"stored tensor has %d bytes, expected %d", len(c.Raw), c.RawLen)
		}
		return Tensor{DT: c.DT, Shape: shape, Data: append([]byte(nil), c.Raw...)}, nil
	}
	dst := make([]byte, c.RawLen)
	n, err := lz4.UncompressBlock(c.Raw, dst)
	if err != nil {
		return Tensor{}, status.Errorf(codes.Internal, "lz4 decompression failed: %v", err)
	}
	if n != c.RawLen {
		return Tensor{}, status.Errorf(codes.Internal,
			"decompressed to %d bytes, expected %d", n, c.RawLen)
	}
	return Tensor{DT: c.DT, Shape: shape, Data: dst}, nil
}

// DeltaEncode replaces every row after the first with its elementwise
// difference from the previous row. Only integer tensors are transformed;
// other dtypes are cloned unchanged. The inverse is DeltaDecode.
func DeltaEncode(t Tensor) Tensor {
	if !isDeltaDType(t.DT) || t.Rank() == 0 || t.Len() < 2 {
		return t.Clone()
	}
	out := t.Clone()
	width := t.DT.Size()
	stride := t.NumElems() / t.Len() * width
	for off := len(out.Data) - width; off >= stride; off -= width {
		putElem(out.Data[off:], readElem(t.Data[off:], width)-readElem(t.Data[off-stride:], width), width)
	}
	return out
}

// DeltaDecode inverts DeltaEncode.
func DeltaDecode(t Tensor) Tensor {
	if !isDeltaDType(t.DT) || t.Rank() == 0 || t.Len() < 2 {
		return t.Clone()
	}
	out := t.Clone()
	width := t.DT.Size()
	stride := t.NumElems() / t.Len() * width
	for off := stride; off+width <= len(out.Data); off += width {
		putElem(out.Data[off:], readElem(out.Data[off:], width)+readElem(out.Data[off-stride:], width), width)
	}
	return out
}

func isDeltaDType(d DType) bool {
	return d == Uint64 || d == Int64 || d == Int32
}

func readElem(b []byte, width int) uint64 {
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func putElem(b []byte, v uint64, width int) {
	if width == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}
