// Package additive implements the baseline models whose contributions are
// added to the main model's outputs at evaluation time: a per-species
// composition baseline and the ZBL screened nuclear repulsion. They form a
// small closed set of variants behind a one-method interface; training-time
// handling is entirely external.
package additive

import (
	"github.com/atomistic-ml/nanopet/pkg/data"
	"github.com/atomistic-ml/nanopet/pkg/labels"
	"github.com/atomistic-ml/nanopet/pkg/structures"
)

// Model is one additive baseline. Apply computes the contributions for the
// subset of requested outputs the model supports, restricted to the selected
// atoms when a selection is given.
type Model interface {
	// Outputs lists the outputs this model can contribute to.
	Outputs() map[string]data.ModelOutput

	// Apply evaluates the contributions for the requested outputs.
	Apply(systems []*structures.System, outputs map[string]data.ModelOutput, selectedAtoms *labels.Labels) (map[string]*labels.Map, error)
}

// Ranged is implemented by additive models with their own interaction
// cutoff, which widens the exported model's receptive field.
type Ranged interface {
	CutoffRadius() float64
}

// sampleTable builds the (system, atom) sample labels for a list of systems.
func sampleTable(systems []*structures.System) labels.Labels {
	var values [][]int
	for iSystem, sys := range systems {
		for iAtom := 0; iAtom < sys.Len(); iAtom++ {
			values = append(values, []int{iSystem, iAtom})
		}
	}
	return labels.Labels{Names: []string{"system", "atom"}, Values: values}
}
