package transformer

import (
	"fmt"
	"math/rand"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// Dropout randomly zeroes elements during training with inverse scaling of
// the survivors. The reference configuration disables it (rate 0); it exists
// as a configurable option only.
type Dropout struct {
	Rate float64
}

// NewDropout creates a dropout module. A rate of 0 makes Forward the
// identity.
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", rate)
	}
	return &Dropout{Rate: rate}, nil
}

// Forward applies dropout when training; otherwise it returns the input
// unchanged.
func (d *Dropout) Forward(input *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	if !training || d.Rate == 0 {
		return input, nil
	}

	keep := autodiff.MustNewMatrix(input.Rows(), input.Cols())
	scale := 1.0 / (1.0 - d.Rate)
	for i := range keep.Data {
		if rand.Float64() >= d.Rate {
			keep.Data[i] = scale
		}
	}
	mask, err := autodiff.NewTensor(keep, &autodiff.TensorConfig{Name: "dropout.mask"})
	if err != nil {
		return nil, err
	}
	return autodiff.Multiply(input, mask)
}
