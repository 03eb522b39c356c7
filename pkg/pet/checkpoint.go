package pet

import (
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/atomistic-ml/nanopet/pkg/additive"
	"github.com/atomistic-ml/nanopet/pkg/autodiff"
	"github.com/atomistic-ml/nanopet/pkg/data"
)

// checkpointVersion is bumped on any incompatible change to the on-disk
// layout.
const checkpointVersion = 1

// checkpoint is the CBOR document written to disk. The state dict keeps its
// entries in the exact order they were collected; the first entry is always
// the integer species buffer, so the numeric precision of the weights is
// read off the second entry.
type checkpoint struct {
	Version     int              `cbor:"version"`
	Hypers      Hypers           `cbor:"hypers"`
	DatasetInfo data.DatasetInfo `cbor:"dataset_info"`
	StateDict   []stateEntry     `cbor:"state_dict"`
}

type stateEntry struct {
	Name    string    `cbor:"name"`
	Rows    int       `cbor:"rows,omitempty"`
	Cols    int       `cbor:"cols,omitempty"`
	Ints    []int64   `cbor:"ints,omitempty"`
	Float64 []float64 `cbor:"f64,omitempty"`
	Float32 []float32 `cbor:"f32,omitempty"`
}

type namedMatrix struct {
	name   string
	matrix *autodiff.Matrix
}

// namedParameters collects every learnable matrix in a fixed, reproducible
// order: encoder, main transformer, message-passing layers, heads in
// registration order, then composition weights by target name.
func (m *Model) namedParameters() []namedMatrix {
	var params []namedMatrix
	appendTensors := func(prefix string, tensors []*autodiff.Tensor) {
		for i, t := range tensors {
			params = append(params, namedMatrix{
				name:   fmt.Sprintf("%s.%d", prefix, i),
				matrix: t.Data,
			})
		}
	}

	appendTensors("encoder", m.Encoder.Parameters())
	appendTensors("transformer", m.Transformer.Parameters())
	for i := 0; i < m.numMPLayers; i++ {
		params = append(params, namedMatrix{
			name:   fmt.Sprintf("gnn.%d.contraction", i),
			matrix: m.GNNContractions[i].Data,
		})
		appendTensors(fmt.Sprintf("gnn.%d.transformer", i), m.GNNTransformers[i].Parameters())
	}
	for _, name := range m.headOrder {
		params = append(params, namedMatrix{
			name:   "head." + name,
			matrix: m.lastLayers[name].Data,
		})
	}
	for _, am := range m.AdditiveModels {
		composition, ok := am.(*additive.Composition)
		if !ok {
			continue
		}
		names := make([]string, 0, len(m.headOrder))
		for _, name := range m.headOrder {
			if _, ok := composition.Weights(name); ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			weights, _ := composition.Weights(name)
			params = append(params, namedMatrix{
				name:   "composition." + name,
				matrix: weights,
			})
		}
	}
	return params
}

// Save writes the model as a CBOR checkpoint. Weights are stored in the
// model's declared precision.
func (m *Model) Save(w io.Writer) error {
	entries := []stateEntry{speciesEntry(m.AtomicTypes)}
	for _, p := range m.namedParameters() {
		entry := stateEntry{
			Name: p.name,
			Rows: p.matrix.Rows,
			Cols: p.matrix.Cols,
		}
		switch m.dtype {
		case data.Float32:
			entry.Float32 = make([]float32, len(p.matrix.Data))
			for i, v := range p.matrix.Data {
				entry.Float32[i] = float32(v)
			}
		default:
			entry.Float64 = append([]float64(nil), p.matrix.Data...)
		}
		entries = append(entries, entry)
	}

	doc := checkpoint{
		Version:     checkpointVersion,
		Hypers:      m.Hypers,
		DatasetInfo: m.DatasetInfo,
		StateDict:   entries,
	}
	enc := cbor.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return nil
}

func speciesEntry(atomicTypes []int) stateEntry {
	ints := make([]int64, len(atomicTypes))
	for i, t := range atomicTypes {
		ints[i] = int64(t)
	}
	return stateEntry{Name: "atomic_types", Ints: ints}
}

// Load reads a CBOR checkpoint and reconstructs the model, weights
// included. The weight precision is inferred from the stored tensors, not
// from a separate field.
func Load(r io.Reader) (*Model, error) {
	var doc checkpoint
	dec := cbor.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if doc.Version != checkpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d (expected %d)", doc.Version, checkpointVersion)
	}
	if len(doc.StateDict) < 2 {
		return nil, fmt.Errorf("checkpoint state dict has %d entries, expected the species buffer plus weights", len(doc.StateDict))
	}
	if doc.StateDict[0].Name != "atomic_types" {
		return nil, fmt.Errorf("checkpoint state dict does not start with the species buffer (got %q)", doc.StateDict[0].Name)
	}

	model, err := New(doc.Hypers, doc.DatasetInfo)
	if err != nil {
		return nil, fmt.Errorf("rebuilding model from checkpoint: %w", err)
	}

	// The first weight tensor carries the precision for the whole file.
	if doc.StateDict[1].Float32 != nil {
		model.dtype = data.Float32
	} else {
		model.dtype = data.Float64
	}

	byName := make(map[string]stateEntry, len(doc.StateDict)-1)
	for _, entry := range doc.StateDict[1:] {
		byName[entry.Name] = entry
	}
	for _, p := range model.namedParameters() {
		entry, ok := byName[p.name]
		if !ok {
			return nil, fmt.Errorf("checkpoint is missing tensor %q", p.name)
		}
		if entry.Rows != p.matrix.Rows || entry.Cols != p.matrix.Cols {
			return nil, fmt.Errorf("tensor %q: checkpoint shape %dx%d does not match model shape %dx%d",
				p.name, entry.Rows, entry.Cols, p.matrix.Rows, p.matrix.Cols)
		}
		if entry.Float32 != nil {
			for i, v := range entry.Float32 {
				p.matrix.Data[i] = float64(v)
			}
		} else {
			copy(p.matrix.Data, entry.Float64)
		}
	}
	return model, nil
}
