package additive

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
	"github.com/atomistic-ml/nanopet/pkg/data"
	"github.com/atomistic-ml/nanopet/pkg/labels"
	"github.com/atomistic-ml/nanopet/pkg/structures"
)

// Composition is the per-species baseline: each atom contributes a fixed,
// externally fitted value per target depending only on its species. Only
// scalar targets are supported.
type Composition struct {
	atomicTypes []int
	speciesIdx  map[int]int

	targets map[string]data.TargetInfo
	// weights[target] is numSpecies x numProperties.
	weights map[string]*autodiff.Matrix
}

// NewComposition creates a composition baseline covering the scalar targets
// of the dataset, with all weights initialized to zero.
func NewComposition(info data.DatasetInfo) (*Composition, error) {
	c := &Composition{
		atomicTypes: info.AtomicTypes,
		speciesIdx:  make(map[int]int, len(info.AtomicTypes)),
		targets:     make(map[string]data.TargetInfo),
		weights:     make(map[string]*autodiff.Matrix),
	}
	for i, t := range info.AtomicTypes {
		c.speciesIdx[t] = i
	}

	for name, target := range info.Targets {
		if err := c.AddOutput(name, target); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// AddOutput registers a target. Non-scalar targets are skipped: the
// composition model cannot contribute to them.
func (c *Composition) AddOutput(name string, target data.TargetInfo) error {
	if !target.IsScalar() {
		return nil
	}
	if _, exists := c.targets[name]; exists {
		return fmt.Errorf("composition target %q already registered", name)
	}

	c.targets[name] = target
	c.weights[name] = autodiff.MustNewMatrix(len(c.atomicTypes), target.PropertyLabels.Len())
	return nil
}

// SetWeights installs externally fitted per-species values for a target.
func (c *Composition) SetWeights(name string, weights *autodiff.Matrix) error {
	existing, ok := c.weights[name]
	if !ok {
		return fmt.Errorf("composition target %q not registered", name)
	}
	if weights.Rows != existing.Rows || weights.Cols != existing.Cols {
		return fmt.Errorf("composition weights for %q have shape %dx%d, expected %dx%d",
			name, weights.Rows, weights.Cols, existing.Rows, existing.Cols)
	}
	c.weights[name] = weights.Clone()
	return nil
}

// Weights returns the per-species values for a target.
func (c *Composition) Weights(name string) (*autodiff.Matrix, bool) {
	w, ok := c.weights[name]
	return w, ok
}

// Outputs lists the scalar targets this model contributes to.
func (c *Composition) Outputs() map[string]data.ModelOutput {
	outputs := make(map[string]data.ModelOutput, len(c.targets))
	for name, target := range c.targets {
		outputs[name] = data.ModelOutput{Quantity: target.Quantity, Unit: target.Unit, PerAtom: true}
	}
	return outputs
}

// Apply computes the per-atom composition contributions for the requested
// outputs.
func (c *Composition) Apply(systems []*structures.System, outputs map[string]data.ModelOutput, selectedAtoms *labels.Labels) (map[string]*labels.Map, error) {
	samples := sampleTable(systems)

	contributions := make(map[string]*labels.Map)
	for name, requested := range outputs {
		target, ok := c.targets[name]
		if !ok {
			continue
		}
		weights := c.weights[name]

		values := autodiff.MustNewMatrix(samples.Len(), weights.Cols)
		row := 0
		for _, sys := range systems {
			for _, species := range sys.Species() {
				idx, known := c.speciesIdx[species]
				if !known {
					return nil, fmt.Errorf("composition model: unknown species %d", species)
				}
				copy(values.Row(row), weights.Row(idx))
				row++
			}
		}

		tensor, err := autodiff.NewTensor(values, &autodiff.TensorConfig{Name: "composition." + name})
		if err != nil {
			return nil, err
		}

		contribution := &labels.Map{
			Keys: target.KeyLabels,
			Blocks: []*labels.Block{{
				Values:     tensor,
				Samples:    samples,
				Components: target.ComponentLabels,
				Properties: target.PropertyLabels,
			}},
		}

		if selectedAtoms != nil {
			contribution, err = labels.SliceSamples(contribution, *selectedAtoms)
			if err != nil {
				return nil, err
			}
		}
		if !requested.PerAtom {
			contribution, err = labels.SumOverSamples(contribution, "atom")
			if err != nil {
				return nil, err
			}
		}

		contributions[name] = contribution
	}

	return contributions, nil
}
