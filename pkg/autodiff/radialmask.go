package autodiff

import (
	"fmt"
	"math"
)

// RadialMask maps interatomic distances to smooth cutoff weights in [0, 1]
// with gradient tracking. The weight is 1 below innerCutoff, follows a cosine
// half-wave over [innerCutoff, cutoff], and is exactly 0 at and beyond
// cutoff. Both the function and its first derivative are continuous, which
// keeps forces well-defined across the cutoff shell.
func RadialMask(r *Tensor, cutoff, innerCutoff float64) (*Tensor, error) {
	if r == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if cutoff <= 0 {
		return nil, fmt.Errorf("cutoff must be positive, got %f", cutoff)
	}
	if innerCutoff < 0 || innerCutoff >= cutoff {
		return nil, fmt.Errorf("inner cutoff %f must lie in [0, cutoff=%f)", innerCutoff, cutoff)
	}

	width := cutoff - innerCutoff

	result, err := newResult(r.Rows(), r.Cols(), "radial_mask", r)
	if err != nil {
		return nil, err
	}
	for i, x := range r.Data.Data {
		switch {
		case x < innerCutoff:
			result.Data.Data[i] = 1.0
		case x < cutoff:
			result.Data.Data[i] = 0.5 * (1 + math.Cos(math.Pi*(x-innerCutoff)/width))
		default:
			result.Data.Data[i] = 0.0
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i, x := range r.Data.Data {
				if x >= innerCutoff && x < cutoff {
					deriv := -0.5 * math.Pi / width * math.Sin(math.Pi*(x-innerCutoff)/width)
					r.Grad.Data[i] += result.Grad.Data[i] * deriv
				}
			}
		}
	}

	return result, nil
}
