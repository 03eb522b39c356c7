// Package pet implements the nanoPET interatomic potential: an attention-
// based message-passing architecture that predicts per-atom physical
// properties from atomic structures. Edge features in padded Node-Edge-
// Feature layout flow through transformer blocks under a smooth radial
// cutoff mask; message-passing layers exchange information between an edge
// and its reverse correspondent; linear heads project pooled node features
// onto each registered target.
package pet

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atomistic-ml/nanopet/pkg/additive"
	"github.com/atomistic-ml/nanopet/pkg/autodiff"
	"github.com/atomistic-ml/nanopet/pkg/data"
	"github.com/atomistic-ml/nanopet/pkg/encoder"
	"github.com/atomistic-ml/nanopet/pkg/labels"
	"github.com/atomistic-ml/nanopet/pkg/nef"
	"github.com/atomistic-ml/nanopet/pkg/structures"
	"github.com/atomistic-ml/nanopet/pkg/transformer"
)

// AuxLastLayerFeatures is the auxiliary output exposing the pooled node
// features before any head is applied.
const AuxLastLayerFeatures = "mtt::aux::last_layer_features"

// auxPrefix marks outputs that are internal features rather than physical
// targets; they are excluded from additive corrections.
const auxPrefix = "mtt::aux::"

// SupportedDevices lists the device identifiers the model can run on.
var SupportedDevices = []string{"cpu"}

// SupportedDTypes lists the numeric precisions the model can be exported in.
var SupportedDTypes = []data.DType{data.Float64, data.Float32}

// invSqrt2 is the normative scaling of the message-passing residual:
// combining old and updated features as (old + new) / sqrt(2) keeps
// activation magnitudes stable across depth, unlike a plain average.
const invSqrt2 = 0.7071067811865476

// Model is the nanoPET graph neural network. A forward pass spawns no
// goroutines and keeps no state across calls apart from the device-keyed
// label cache, so a Model is safe to share between calls from a single
// goroutine but not for concurrent use.
type Model struct {
	Hypers      Hypers
	DatasetInfo data.DatasetInfo
	AtomicTypes []int

	requestedNL structures.NeighborListOptions

	Encoder         *encoder.Encoder
	Transformer     *transformer.Transformer
	GNNContractions []*autodiff.Tensor // 2*d x d, bias-free by invariant
	GNNTransformers []*transformer.Transformer
	numMPLayers     int

	// speciesToIndex maps a raw species code to its row in the species
	// tables; -1 marks unknown species.
	speciesToIndex []int

	outputs      map[string]data.ModelOutput
	outputShapes map[string][]int
	lastLayers   map[string]*autodiff.Tensor // d x flatSize, bias-free
	headOrder    []string

	AdditiveModels []additive.Model

	dtype    data.DType
	training bool

	// Per-device label cache: rebuilt wholesale when the active device
	// changes (replace-on-change), never mutated incrementally.
	activeDevice    string
	singleLabel     labels.Labels
	keyLabels       map[string]labels.Labels
	componentLabels map[string][]labels.Labels
	propertyLabels  map[string]labels.Labels
}

// New constructs a model from hyperparameters and dataset metadata.
// Construction fails for spherical tensor targets.
func New(hypers Hypers, info data.DatasetInfo) (*Model, error) {
	if err := hypers.Validate(); err != nil {
		return nil, err
	}
	for name, target := range info.Targets {
		if target.Spherical {
			return nil, fmt.Errorf("target %q: %w (only scalar and Cartesian tensor targets are supported)",
				name, ErrUnsupportedTarget)
		}
	}
	if len(info.AtomicTypes) == 0 {
		return nil, fmt.Errorf("dataset metadata declares no atomic types")
	}

	atomicTypes := append([]int(nil), info.AtomicTypes...)
	sort.Ints(atomicTypes)

	enc, err := encoder.New(len(atomicTypes), hypers.DPET)
	if err != nil {
		return nil, fmt.Errorf("building encoder: %w", err)
	}

	transformerCfg := transformer.Config{
		ModelDim:           hypers.DPET,
		HiddenDim:          4 * hypers.DPET,
		NumHeads:           hypers.NumHeads,
		NumAttentionLayers: hypers.NumAttentionLayers,
		// The model performs better without dropout.
		MLPDropout:       0.0,
		AttentionDropout: 0.0,
	}
	mainTransformer, err := transformer.New(transformerCfg)
	if err != nil {
		return nil, fmt.Errorf("building transformer: %w", err)
	}

	numMPLayers := hypers.NumGNNLayers - 1
	contractions := make([]*autodiff.Tensor, numMPLayers)
	gnnTransformers := make([]*transformer.Transformer, numMPLayers)
	for i := 0; i < numMPLayers; i++ {
		// No bias: a constant offset here would leak into padding slots
		// and break the zero-padding-is-neutral invariant.
		contractions[i], err = autodiff.NewRandomTensor(2*hypers.DPET, hypers.DPET, &autodiff.TensorConfig{
			RequiresGrad: true,
			Name:         fmt.Sprintf("gnn.contraction_%d", i),
		})
		if err != nil {
			return nil, err
		}
		gnnTransformers[i], err = transformer.New(transformerCfg)
		if err != nil {
			return nil, fmt.Errorf("building GNN transformer %d: %w", i, err)
		}
	}

	maxType := atomicTypes[len(atomicTypes)-1]
	speciesToIndex := make([]int, maxType+1)
	for i := range speciesToIndex {
		speciesToIndex[i] = -1
	}
	for i, species := range atomicTypes {
		speciesToIndex[species] = i
	}

	m := &Model{
		Hypers:      hypers,
		DatasetInfo: info,
		AtomicTypes: atomicTypes,
		requestedNL: structures.NeighborListOptions{
			Cutoff:   hypers.Cutoff,
			FullList: true,
			Strict:   true,
		},
		Encoder:         enc,
		Transformer:     mainTransformer,
		GNNContractions: contractions,
		GNNTransformers: gnnTransformers,
		numMPLayers:     numMPLayers,
		speciesToIndex:  speciesToIndex,
		outputs: map[string]data.ModelOutput{
			AuxLastLayerFeatures: {Unit: "unitless", PerAtom: true},
		},
		outputShapes: make(map[string][]int),
		lastLayers:   make(map[string]*autodiff.Tensor),
		dtype:        data.Float64,
		training:     true,
	}

	targetNames := sortedTargetNames(info.Targets)
	for _, name := range targetNames {
		if err := m.addOutput(name, info.Targets[name]); err != nil {
			return nil, err
		}
	}

	composition, err := additive.NewComposition(info)
	if err != nil {
		return nil, fmt.Errorf("building composition model: %w", err)
	}
	m.AdditiveModels = []additive.Model{composition}
	if hypers.ZBL {
		zbl, err := additive.NewZBL(hypers.Cutoff, hypers.CutoffWidth, info)
		if err != nil {
			return nil, fmt.Errorf("building ZBL model: %w", err)
		}
		m.AdditiveModels = append(m.AdditiveModels, zbl)
	}

	m.rebuildLabelCache("cpu")

	return m, nil
}

func sortedTargetNames(targets map[string]data.TargetInfo) []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// addOutput registers one target: its flat output shape and a bias-free
// linear head from the pooled node features.
func (m *Model) addOutput(name string, target data.TargetInfo) error {
	if _, exists := m.lastLayers[name]; exists {
		return fmt.Errorf("target %q already registered", name)
	}

	m.outputShapes[name] = target.Shape()
	m.outputs[name] = data.ModelOutput{
		Quantity: target.Quantity,
		Unit:     target.Unit,
		PerAtom:  true,
	}

	head, err := autodiff.NewRandomTensor(m.Hypers.DPET, target.FlatSize(), &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         "head." + name,
	})
	if err != nil {
		return err
	}
	m.lastLayers[name] = head
	m.headOrder = append(m.headOrder, name)
	return nil
}

// Restart extends the model with the targets of merged dataset metadata.
// New targets gain fresh heads; existing weights are untouched. Introducing
// new atomic species is an incompatibility error.
func (m *Model) Restart(info data.DatasetInfo) error {
	merged, err := m.DatasetInfo.Union(info)
	if err != nil {
		return err
	}

	known := make(map[int]bool, len(m.AtomicTypes))
	for _, t := range m.AtomicTypes {
		known[t] = true
	}
	var newTypes []int
	for _, t := range merged.AtomicTypes {
		if !known[t] {
			newTypes = append(newTypes, t)
		}
	}
	if len(newTypes) > 0 {
		return fmt.Errorf("new atomic types found in the dataset: %v: %w", newTypes, ErrNewSpecies)
	}

	newTargets := make(map[string]data.TargetInfo)
	for name, target := range merged.Targets {
		if _, exists := m.DatasetInfo.Targets[name]; !exists {
			newTargets[name] = target
		}
	}
	for name, target := range newTargets {
		if target.Spherical {
			return fmt.Errorf("target %q: %w", name, ErrUnsupportedTarget)
		}
	}

	for _, name := range sortedTargetNames(newTargets) {
		target := newTargets[name]
		if err := m.addOutput(name, target); err != nil {
			return err
		}
		for _, am := range m.AdditiveModels {
			if composition, ok := am.(*additive.Composition); ok {
				if err := composition.AddOutput(name, target); err != nil {
					return err
				}
			}
		}
	}

	m.DatasetInfo = merged
	m.rebuildLabelCache(m.activeDevice)
	return nil
}

// RequestedNeighborLists returns the single neighbor-list specification any
// input system must satisfy.
func (m *Model) RequestedNeighborLists() []structures.NeighborListOptions {
	return []structures.NeighborListOptions{m.requestedNL}
}

// Outputs returns the outputs the model can produce, including the
// auxiliary last-layer features.
func (m *Model) Outputs() map[string]data.ModelOutput {
	out := make(map[string]data.ModelOutput, len(m.outputs))
	for name, o := range m.outputs {
		out[name] = o
	}
	return out
}

// DType returns the model's declared numeric precision.
func (m *Model) DType() data.DType { return m.dtype }

// SetTraining switches between training mode (no additive corrections) and
// evaluation mode.
func (m *Model) SetTraining(training bool) { m.training = training }

// Training reports whether the model is in training mode.
func (m *Model) Training() bool { return m.training }

// rebuildLabelCache replaces the cached label tables wholesale for the given
// device. Labels are tiny; a full rebuild avoids ever mixing devices within
// one cache generation.
func (m *Model) rebuildLabelCache(device string) {
	keyLabels := make(map[string]labels.Labels)
	componentLabels := make(map[string][]labels.Labels)
	propertyLabels := make(map[string]labels.Labels)
	for name := range m.outputs {
		if name == AuxLastLayerFeatures {
			continue
		}
		target := m.DatasetInfo.Targets[name]
		keyLabels[name] = target.KeyLabels
		componentLabels[name] = target.ComponentLabels
		propertyLabels[name] = target.PropertyLabels
	}

	m.activeDevice = device
	m.singleLabel = labels.Single()
	m.keyLabels = keyLabels
	m.componentLabels = componentLabels
	m.propertyLabels = propertyLabels
}

// speciesIndices translates raw species codes through the frozen lookup
// table, failing loudly on unknown species.
func (m *Model) speciesIndices(species []int) ([]int, error) {
	indices := make([]int, len(species))
	for i, s := range species {
		if s < 0 || s >= len(m.speciesToIndex) || m.speciesToIndex[s] == -1 {
			return nil, fmt.Errorf("atom %d: species %d is not part of the model's frozen species set %v",
				i, s, m.AtomicTypes)
		}
		indices[i] = m.speciesToIndex[s]
	}
	return indices, nil
}

// Forward runs the model over a batch of systems and assembles the requested
// outputs. Per-atom outputs are restricted to selectedAtoms when given;
// outputs requested at system level are summed over atoms per system. At
// evaluation time the additive baselines are added to all non-auxiliary
// outputs.
func (m *Model) Forward(systems []*structures.System, outputs map[string]data.ModelOutput, selectedAtoms *labels.Labels) (map[string]*labels.Map, error) {
	if len(systems) == 0 {
		return nil, fmt.Errorf("forward call requires at least one system")
	}
	for name := range outputs {
		if _, ok := m.outputs[name]; !ok {
			return nil, fmt.Errorf("output %q is not registered on this model", name)
		}
	}

	device := systems[0].Device()
	for i, sys := range systems {
		if sys.Device() != device {
			return nil, fmt.Errorf("system %d is on device %q, system 0 on %q: %w",
				i, sys.Device(), device, ErrDeviceMismatch)
		}
	}
	if device != m.activeDevice {
		m.rebuildLabelCache(device)
	}

	batch, err := structures.Concatenate(systems, m.requestedNL)
	if err != nil {
		return nil, err
	}

	sampleLabels := labels.Labels{Names: []string{"system", "atom"}, Values: sampleValues(batch)}

	nodeFeatures, err := m.computeNodeFeatures(batch)
	if err != nil {
		return nil, err
	}

	returnDict := make(map[string]*labels.Map)

	if requested, ok := outputs[AuxLastLayerFeatures]; ok {
		aux := &labels.Map{
			Keys: m.singleLabel,
			Blocks: []*labels.Block{{
				Values:     nodeFeatures,
				Samples:    sampleLabels,
				Properties: labels.Range("properties", m.Hypers.DPET),
			}},
		}
		if !requested.PerAtom {
			aux, err = labels.SumOverSamples(aux, "atom")
			if err != nil {
				return nil, err
			}
		}
		returnDict[AuxLastLayerFeatures] = aux
	}

	atomicProperties := make(map[string]*labels.Map)
	for _, name := range m.headOrder {
		if _, ok := outputs[name]; !ok {
			continue
		}
		values, err := autodiff.MatMul(nodeFeatures, m.lastLayers[name])
		if err != nil {
			return nil, fmt.Errorf("head %q: %w", name, err)
		}
		atomicProperties[name] = &labels.Map{
			Keys: m.keyLabels[name],
			Blocks: []*labels.Block{{
				Values:     values,
				Samples:    sampleLabels,
				Components: m.componentLabels[name],
				Properties: m.propertyLabels[name],
			}},
		}
	}

	if selectedAtoms != nil {
		for name, tmap := range atomicProperties {
			atomicProperties[name], err = labels.SliceSamples(tmap, *selectedAtoms)
			if err != nil {
				return nil, fmt.Errorf("selecting atoms for %q: %w", name, err)
			}
		}
	}

	for name, tmap := range atomicProperties {
		if outputs[name].PerAtom {
			returnDict[name] = tmap
		} else {
			returnDict[name], err = labels.SumOverSamples(tmap, "atom")
			if err != nil {
				return nil, err
			}
		}
	}

	if !m.training {
		// At evaluation, the additive baseline contributions are added in.
		for _, am := range m.AdditiveModels {
			outputsForAdditive := make(map[string]data.ModelOutput)
			supported := am.Outputs()
			for name, requested := range outputs {
				if _, ok := supported[name]; ok {
					outputsForAdditive[name] = requested
				}
			}
			contributions, err := am.Apply(systems, outputsForAdditive, selectedAtoms)
			if err != nil {
				return nil, fmt.Errorf("additive model: %w", err)
			}
			for name, contribution := range contributions {
				if strings.HasPrefix(name, auxPrefix) {
					continue
				}
				returnDict[name], err = labels.Add(returnDict[name], contribution)
				if err != nil {
					return nil, fmt.Errorf("adding %q contribution: %w", name, err)
				}
			}
		}
	}

	return returnDict, nil
}

// computeNodeFeatures runs the geometric core: encoding, transformer,
// message passing and masked pooling. With no edges every node feature is
// zero, so downstream heads produce well-defined zero predictions.
func (m *Model) computeNodeFeatures(batch *structures.Batch) (*autodiff.Tensor, error) {
	ix, err := nef.Build(batch.Centers, batch.NumAtoms())
	if err != nil {
		return nil, err
	}

	if ix.MaxEdgesPerNode == 0 {
		return autodiff.NewZerosTensor(batch.NumAtoms(), m.Hypers.DPET, &autodiff.TensorConfig{Name: "node_features"})
	}

	edgeVectors, err := batch.EdgeVectors()
	if err != nil {
		return nil, err
	}

	squared, err := autodiff.Square(edgeVectors)
	if err != nil {
		return nil, err
	}
	rSquared, err := autodiff.RowSum(squared)
	if err != nil {
		return nil, err
	}
	r, err := autodiff.Sqrt(rSquared)
	if err != nil {
		return nil, err
	}
	radialMask, err := autodiff.RadialMask(r, m.Hypers.Cutoff, m.Hypers.Cutoff-m.Hypers.CutoffWidth)
	if err != nil {
		return nil, err
	}

	nodeSpecies, err := m.speciesIndices(batch.Species)
	if err != nil {
		return nil, err
	}
	centerSpecies := make([]int, batch.NumEdges())
	neighborSpecies := make([]int, batch.NumEdges())
	for e := range centerSpecies {
		centerSpecies[e] = nodeSpecies[batch.Centers[e]]
		neighborSpecies[e] = nodeSpecies[batch.Neighbors[e]]
	}

	edgeFeatures, err := m.Encoder.Forward(edgeVectors, centerSpecies, neighborSpecies)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	features, err := ix.EdgesToNEF(edgeFeatures)
	if err != nil {
		return nil, err
	}
	nefMask, err := ix.EdgesToNEF(radialMask)
	if err != nil {
		return nil, err
	}

	features, err = m.Transformer.Forward(features, nefMask, ix.MaxEdgesPerNode, m.training)
	if err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}

	if m.numMPLayers > 0 {
		corresponding, err := nef.CorrespondingEdges(batch.Centers, batch.Neighbors, batch.Shifts)
		if err != nil {
			return nil, err
		}

		for i := 0; i < m.numMPLayers; i++ {
			edgeLayout, err := ix.NEFToEdges(features)
			if err != nil {
				return nil, err
			}
			reversed, err := autodiff.RowGather(edgeLayout, corresponding)
			if err != nil {
				return nil, err
			}
			combined, err := autodiff.ConcatCols([]*autodiff.Tensor{edgeLayout, reversed})
			if err != nil {
				return nil, err
			}
			contracted, err := autodiff.MatMul(combined, m.GNNContractions[i])
			if err != nil {
				return nil, fmt.Errorf("GNN contraction %d: %w", i, err)
			}
			updated, err := ix.EdgesToNEF(contracted)
			if err != nil {
				return nil, err
			}
			updated, err = m.GNNTransformers[i].Forward(updated, nefMask, ix.MaxEdgesPerNode, m.training)
			if err != nil {
				return nil, fmt.Errorf("GNN transformer %d: %w", i, err)
			}

			summed, err := autodiff.Add(features, updated)
			if err != nil {
				return nil, err
			}
			features, err = autodiff.ScalarMultiply(summed, invSqrt2)
			if err != nil {
				return nil, err
			}
		}
	}

	weighted, err := autodiff.Multiply(features, nefMask)
	if err != nil {
		return nil, err
	}
	return autodiff.SegmentSum(weighted, ix.NodeSegments(), batch.NumAtoms())
}

// sampleValues builds the (system, atom) identity rows for a batch.
func sampleValues(batch *structures.Batch) [][]int {
	values := make([][]int, len(batch.Samples))
	for i, s := range batch.Samples {
		values[i] = []int{s[0], s[1]}
	}
	return values
}

// InteractionRange returns the model's receptive field: the GNN depth times
// the cutoff, widened by any additive model with its own cutoff radius.
func (m *Model) InteractionRange() float64 {
	interactionRange := float64(m.Hypers.NumGNNLayers) * m.Hypers.Cutoff
	for _, am := range m.AdditiveModels {
		if ranged, ok := am.(additive.Ranged); ok {
			interactionRange = math.Max(interactionRange, ranged.CutoffRadius())
		}
	}
	return interactionRange
}
