// Package labels provides the keyed block structures the model returns:
// integer-valued label tables identifying rows and columns, blocks of values
// tagged with sample/component/property labels, and maps of blocks keyed by
// another label table. It is a minimal analogue of the metatensor data model
// covering exactly what the model needs.
package labels

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// Labels is a named table of integer tuples. Each row identifies one sample,
// component entry, or property.
type Labels struct {
	Names  []string
	Values [][]int
}

// Single returns the one-row, one-column label table used as the key of
// single-block maps.
func Single() Labels {
	return Labels{Names: []string{"_"}, Values: [][]int{{0}}}
}

// Range returns a label table with one name and values 0..n-1.
func Range(name string, n int) Labels {
	values := make([][]int, n)
	for i := range values {
		values[i] = []int{i}
	}
	return Labels{Names: []string{name}, Values: values}
}

// Len returns the number of label rows.
func (l Labels) Len() int { return len(l.Values) }

// Position returns the index of the given tuple, or -1 if absent.
func (l Labels) Position(tuple []int) int {
	for i, row := range l.Values {
		if equalTuple(row, tuple) {
			return i
		}
	}
	return -1
}

// column returns the index of the named column, or an error.
func (l Labels) column(name string) (int, error) {
	for i, n := range l.Names {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("label column %q not found in %v", name, l.Names)
}

func equalTuple(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Block is a tensor of values tagged with sample labels (one per row),
// component labels (intermediate tensor axes) and property labels (innermost
// axis). Values are stored two-dimensionally with the component and property
// axes flattened into the columns in row-major order; TrailingShape recovers
// the logical trailing dimensions.
type Block struct {
	Values     *autodiff.Tensor
	Samples    Labels
	Components []Labels
	Properties Labels
}

// TrailingShape returns the logical trailing dimensions of the block:
// the component sizes followed by the property count.
func (b *Block) TrailingShape() []int {
	shape := make([]int, 0, len(b.Components)+1)
	for _, c := range b.Components {
		shape = append(shape, c.Len())
	}
	return append(shape, b.Properties.Len())
}

// Map is a set of blocks keyed by a label table. The model only ever
// produces single-block maps, but the shape mirrors the general structure.
type Map struct {
	Keys   Labels
	Blocks []*Block
}

// Block returns the single block of a one-block map.
func (m *Map) Block() (*Block, error) {
	if len(m.Blocks) != 1 {
		return nil, fmt.Errorf("expected a single block, found %d", len(m.Blocks))
	}
	return m.Blocks[0], nil
}

// SumOverSamples reduces a map along one sample dimension: rows that agree
// on all remaining sample columns are summed. Groups appear in first-
// occurrence order.
func SumOverSamples(m *Map, sampleName string) (*Map, error) {
	out := &Map{Keys: m.Keys}
	for _, block := range m.Blocks {
		reduced, err := sumBlockOverSamples(block, sampleName)
		if err != nil {
			return nil, err
		}
		out.Blocks = append(out.Blocks, reduced)
	}
	return out, nil
}

func sumBlockOverSamples(block *Block, sampleName string) (*Block, error) {
	drop, err := block.Samples.column(sampleName)
	if err != nil {
		return nil, err
	}

	keptNames := make([]string, 0, len(block.Samples.Names)-1)
	for i, n := range block.Samples.Names {
		if i != drop {
			keptNames = append(keptNames, n)
		}
	}

	type groupKey string
	groupOf := make(map[groupKey]int)
	var groupValues [][]int
	segments := make([]int, block.Samples.Len())
	for i, row := range block.Samples.Values {
		kept := make([]int, 0, len(row)-1)
		for j, v := range row {
			if j != drop {
				kept = append(kept, v)
			}
		}
		key := groupKey(fmt.Sprint(kept))
		g, ok := groupOf[key]
		if !ok {
			g = len(groupValues)
			groupOf[key] = g
			groupValues = append(groupValues, kept)
		}
		segments[i] = g
	}

	values, err := autodiff.SegmentSum(block.Values, segments, len(groupValues))
	if err != nil {
		return nil, fmt.Errorf("summing over sample %q: %w", sampleName, err)
	}

	return &Block{
		Values:     values,
		Samples:    Labels{Names: keptNames, Values: groupValues},
		Components: block.Components,
		Properties: block.Properties,
	}, nil
}

// SliceSamples restricts a map to the rows whose sample tuples appear in the
// selection. The selection's columns must be a prefix-compatible subset of
// the sample names (matched by name).
func SliceSamples(m *Map, selection Labels) (*Map, error) {
	out := &Map{Keys: m.Keys}
	for _, block := range m.Blocks {
		sliced, err := sliceBlockSamples(block, selection)
		if err != nil {
			return nil, err
		}
		out.Blocks = append(out.Blocks, sliced)
	}
	return out, nil
}

func sliceBlockSamples(block *Block, selection Labels) (*Block, error) {
	columns := make([]int, len(selection.Names))
	for i, name := range selection.Names {
		c, err := block.Samples.column(name)
		if err != nil {
			return nil, err
		}
		columns[i] = c
	}

	var keep []int
	var keptSamples [][]int
	for i, row := range block.Samples.Values {
		projected := make([]int, len(columns))
		for j, c := range columns {
			projected[j] = row[c]
		}
		if selection.Position(projected) >= 0 {
			keep = append(keep, i)
			keptSamples = append(keptSamples, row)
		}
	}

	values, err := autodiff.RowGather(block.Values, keep)
	if err != nil {
		return nil, fmt.Errorf("slicing samples: %w", err)
	}

	return &Block{
		Values:     values,
		Samples:    Labels{Names: block.Samples.Names, Values: keptSamples},
		Components: block.Components,
		Properties: block.Properties,
	}, nil
}

// Add returns a map whose block values are the element-wise sum of the two
// inputs. Sample tables must match row for row; shapes are checked by the
// underlying tensor op.
func Add(a, b *Map) (*Map, error) {
	if len(a.Blocks) != len(b.Blocks) {
		return nil, fmt.Errorf("block count mismatch: %d vs %d", len(a.Blocks), len(b.Blocks))
	}

	out := &Map{Keys: a.Keys}
	for i := range a.Blocks {
		ba, bb := a.Blocks[i], b.Blocks[i]
		if ba.Samples.Len() != bb.Samples.Len() {
			return nil, fmt.Errorf("block %d: sample count mismatch: %d vs %d", i, ba.Samples.Len(), bb.Samples.Len())
		}
		values, err := autodiff.Add(ba.Values, bb.Values)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		out.Blocks = append(out.Blocks, &Block{
			Values:     values,
			Samples:    ba.Samples,
			Components: ba.Components,
			Properties: ba.Properties,
		})
	}
	return out, nil
}
