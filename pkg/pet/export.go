package pet

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/data"
)

// Capabilities describes what an exported model can compute and under which
// conditions it may be evaluated.
type Capabilities struct {
	Outputs          map[string]data.ModelOutput
	AtomicTypes      []int
	InteractionRange float64
	LengthUnit       string
	SupportedDevices []string
	DType            data.DType
}

// Export freezes the model for inference: it switches to evaluation mode,
// pins the requested precision and returns the capability record consumers
// need to drive it. Only float64 and float32 are accepted.
func (m *Model) Export(dtype data.DType) (Capabilities, error) {
	supported := false
	for _, d := range SupportedDTypes {
		if d == dtype {
			supported = true
			break
		}
	}
	if !supported {
		return Capabilities{}, fmt.Errorf("dtype %q: %w (supported: %v)", dtype, ErrUnsupportedDType, SupportedDTypes)
	}

	m.dtype = dtype
	m.SetTraining(false)

	return Capabilities{
		Outputs:          m.Outputs(),
		AtomicTypes:      append([]int(nil), m.AtomicTypes...),
		InteractionRange: m.InteractionRange(),
		LengthUnit:       m.DatasetInfo.LengthUnit,
		SupportedDevices: append([]string(nil), SupportedDevices...),
		DType:            dtype,
	}, nil
}
