package additive

import (
	"fmt"
	"math"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
	"github.com/atomistic-ml/nanopet/pkg/data"
	"github.com/atomistic-ml/nanopet/pkg/labels"
	"github.com/atomistic-ml/nanopet/pkg/structures"
)

// coulombConstant is e^2 / (4 pi eps0) in eV * Angstrom.
const coulombConstant = 14.399645478425668

// ZBL is the Ziegler-Biersack-Littmark universal repulsive pair potential, a
// physically motivated short-range baseline added to energy targets. Each
// directed edge contributes half the pair energy to its center atom, smoothly
// switched off over the cutoff shell.
type ZBL struct {
	cutoff      float64
	cutoffWidth float64
	targets     map[string]data.TargetInfo
}

// NewZBL creates a ZBL baseline covering the scalar energy targets of the
// dataset.
func NewZBL(cutoff, cutoffWidth float64, info data.DatasetInfo) (*ZBL, error) {
	if cutoff <= 0 {
		return nil, fmt.Errorf("ZBL cutoff must be positive, got %f", cutoff)
	}
	if cutoffWidth <= 0 || cutoffWidth >= cutoff {
		return nil, fmt.Errorf("ZBL cutoff width %f must lie in (0, cutoff=%f)", cutoffWidth, cutoff)
	}

	targets := make(map[string]data.TargetInfo)
	for name, target := range info.Targets {
		if target.Quantity == "energy" && target.IsScalar() && target.PropertyLabels.Len() == 1 {
			targets[name] = target
		}
	}

	return &ZBL{cutoff: cutoff, cutoffWidth: cutoffWidth, targets: targets}, nil
}

// CutoffRadius returns the interaction range of the potential.
func (z *ZBL) CutoffRadius() float64 { return z.cutoff }

// Outputs lists the energy targets this model contributes to.
func (z *ZBL) Outputs() map[string]data.ModelOutput {
	outputs := make(map[string]data.ModelOutput, len(z.targets))
	for name, target := range z.targets {
		outputs[name] = data.ModelOutput{Quantity: target.Quantity, Unit: target.Unit, PerAtom: true}
	}
	return outputs
}

// Apply computes per-atom ZBL repulsion energies for the requested outputs.
func (z *ZBL) Apply(systems []*structures.System, outputs map[string]data.ModelOutput, selectedAtoms *labels.Labels) (map[string]*labels.Map, error) {
	relevant := false
	for name := range outputs {
		if _, ok := z.targets[name]; ok {
			relevant = true
			break
		}
	}
	if !relevant {
		return map[string]*labels.Map{}, nil
	}

	samples := sampleTable(systems)
	perAtom := make([]float64, samples.Len())

	opts := structures.NeighborListOptions{Cutoff: z.cutoff, FullList: true, Strict: true}
	offset := 0
	for iSystem, sys := range systems {
		nl, err := sys.NeighborList(opts)
		if err != nil {
			return nil, fmt.Errorf("ZBL on system %d: %w", iSystem, err)
		}

		positions := sys.Positions()
		species := sys.Species()
		cell := sys.Cell()
		for e := range nl.Centers {
			center, neighbor := nl.Centers[e], nl.Neighbors[e]
			r := edgeDistance(positions[center], positions[neighbor], nl.Shifts[e], cell)
			if r <= 0 || r >= z.cutoff {
				continue
			}
			// Half the pair energy per directed edge; the reverse edge
			// carries the other half.
			perAtom[offset+center] += 0.5 * z.pairEnergy(species[center], species[neighbor], r)
		}
		offset += sys.Len()
	}

	contributions := make(map[string]*labels.Map)
	for name, requested := range outputs {
		target, ok := z.targets[name]
		if !ok {
			continue
		}

		values := autodiff.MustNewMatrix(samples.Len(), 1)
		copy(values.Data, perAtom)
		tensor, err := autodiff.NewTensor(values, &autodiff.TensorConfig{Name: "zbl." + name})
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

// pairEnergy evaluates the screened Coulomb repulsion between two nuclei at
// distance r, multiplied by the smooth cutoff switch.
func (z *ZBL) pairEnergy(z1, z2 int, r float64) float64 {
	a := 0.46850 / (math.Pow(float64(z1), 0.23) + math.Pow(float64(z2), 0.23))
	x := r / a
	phi := 0.18175*math.Exp(-3.19980*x) +
		0.50986*math.Exp(-0.94229*x) +
		0.28022*math.Exp(-0.40290*x) +
		0.02817*math.Exp(-0.20162*x)
	energy := coulombConstant * float64(z1) * float64(z2) / r * phi

	inner := z.cutoff - z.cutoffWidth
	switch {
	case r < inner:
		return energy
	case r < z.cutoff:
		return energy * 0.5 * (1 + math.Cos(math.Pi*(r-inner)/z.cutoffWidth))
	default:
		return 0
	}
}

// edgeDistance computes |neighbor - center + shift . cell|.
func edgeDistance(center, neighbor [3]float64, shift [3]int, cell *[3][3]float64) float64 {
	var d [3]float64
	for k := 0; k < 3; k++ {
		d[k] = neighbor[k] - center[k]
	}
	if cell != nil {
		for k := 0; k < 3; k++ {
			d[k] += float64(shift[0])*cell[0][k] + float64(shift[1])*cell[1][k] + float64(shift[2])*cell[2][k]
		}
	}
	return math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
}
