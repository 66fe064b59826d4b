package sampler

import (
	"fmt"
	"strings"

	"github.com/cartridge/sampler/internal/tensor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TensorSpec is one slot of a table signature: a dtype and a shape where -1
// matches any concrete dimension.
type TensorSpec struct {
	Name  string
	DType tensor.DType
	Shape []int64
}

// validationMode selects how returned tensors are compared against the
// signature.
type validationMode int

const (
	// modeTimestep compares per-timestep rows as-is.
	modeTimestep validationMode = iota
	// modeBatchedTimestep strips the leading time dimension first.
	modeBatchedTimestep
	// modeTrajectory compares trajectory columns as-is.
	modeTrajectory
)

// validateAgainstSignature checks the returned tensor list against the
// signature. The first four slots hold the sample metadata and are never
// compared; a signature is expected to include them regardless.
func validateAgainstSignature(data []tensor.Tensor, signature []TensorSpec,
	tableName string, mode validationMode) error {
	if signature == nil {
		return nil
	}

	if len(data) != len(signature) {
		return status.Errorf(codes.InvalidArgument,
			"inconsistent number of tensors received from table %q: "+
				"signature has %d tensors, but data coming from the table shows %d tensors"+
				"\ntable signature: %s\nincoming tensor signature: %s",
			tableName, len(signature), len(data),
			signatureString(signature), tensorsString(data))
	}

	for i := 4; i < len(data); i++ {
		shape := make([]int64, 0, data[i].Rank())
		for _, d := range data[i].Shape {
			shape = append(shape, int64(d))
		}
		if mode == modeBatchedTimestep {
			if len(shape) == 0 {
				return status.Errorf(codes.InvalidArgument,
					"invalid tensor shape received from table %q: data[%d] has "+
						"scalar shape (no time dimension)", tableName, i)
			}
			shape = shape[1:]
		}

		if data[i].DT != signature[i].DType || !shapeCompatible(signature[i].Shape, shape) {
			return status.Errorf(codes.InvalidArgument,
				"received incompatible tensor at flattened index %d from table %q: "+
					"specification has (dtype, shape): (%s, %v), tensor has (dtype, shape): (%s, %v)"+
					"\ntable signature: %s",
				i, tableName, signature[i].DType, signature[i].Shape,
				data[i].DT, shape, signatureString(signature))
		}
	}
	return nil
}

// shapeCompatible reports whether a concrete shape satisfies a spec shape.
// Spec dims of -1 match any concrete dim.
func shapeCompatible(spec, shape []int64) bool {
	if len(spec) != len(shape) {
		return false
	}
	for i := range spec {
		if spec[i] != -1 && spec[i] != shape[i] {
			return false
		}
	}
	return true
}

func signatureString(signature []TensorSpec) string {
	parts := make([]string, len(signature))
	for i, spec := range signature {
		parts[i] = fmt.Sprintf("(%s, %v)", spec.DType, spec.Shape)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func tensorsString(data []tensor.Tensor) string {
	parts := make([]string, len(data))
	for i, t := range data {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
