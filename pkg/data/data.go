// Package data describes dataset metadata: the atomic species a model was
// built for and the specification of every prediction target, including its
// tensor layout.
package data

import (
	"fmt"
	"sort"

	"github.com/atomistic-ml/nanopet/pkg/labels"
)

// DType names a numeric precision.
type DType string

// Supported numeric precisions.
const (
	Float64 DType = "float64"
	Float32 DType = "float32"
)

// ModelOutput describes one requested or declared output.
type ModelOutput struct {
	Quantity string
	Unit     string
	PerAtom  bool
}

// TargetInfo is the full specification of one prediction target: physical
// quantity, unit, whether it is defined per atom, and the tensor layout as
// key, component and property label tables. Spherical tensor targets are
// declared but not supported by this model.
type TargetInfo struct {
	Quantity  string
	Unit      string
	PerAtom   bool
	Spherical bool

	KeyLabels       labels.Labels
	ComponentLabels []labels.Labels
	PropertyLabels  labels.Labels
}

// FlatSize returns the flattened per-sample output size: the product of the
// component sizes times the property count.
func (t TargetInfo) FlatSize() int {
	size := t.PropertyLabels.Len()
	for _, c := range t.ComponentLabels {
		size *= c.Len()
	}
	return size
}

// Shape returns the logical trailing dimensions [c1, ..., cn, p].
func (t TargetInfo) Shape() []int {
	shape := make([]int, 0, len(t.ComponentLabels)+1)
	for _, c := range t.ComponentLabels {
		shape = append(shape, c.Len())
	}
	return append(shape, t.PropertyLabels.Len())
}

// IsScalar reports whether the target has no component axes.
func (t TargetInfo) IsScalar() bool { return len(t.ComponentLabels) == 0 }

// ScalarTarget is a convenience constructor for a scalar target with n
// properties.
func ScalarTarget(quantity, unit string, perAtom bool, numProperties int) TargetInfo {
	return TargetInfo{
		Quantity:       quantity,
		Unit:           unit,
		PerAtom:        perAtom,
		KeyLabels:      labels.Single(),
		PropertyLabels: labels.Range(quantity, numProperties),
	}
}

// DatasetInfo enumerates the atomic species and targets of a dataset.
type DatasetInfo struct {
	LengthUnit  string
	AtomicTypes []int
	Targets     map[string]TargetInfo
}

// Union merges two dataset descriptions: the species sets are united and
// sorted, and targets are combined. A target present in both must agree.
func (d DatasetInfo) Union(other DatasetInfo) (DatasetInfo, error) {
	if d.LengthUnit != other.LengthUnit && other.LengthUnit != "" && d.LengthUnit != "" {
		return DatasetInfo{}, fmt.Errorf("length unit mismatch: %q vs %q", d.LengthUnit, other.LengthUnit)
	}

	seen := make(map[int]bool)
	var types []int
	for _, t := range d.AtomicTypes {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	for _, t := range other.AtomicTypes {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Ints(types)

	targets := make(map[string]TargetInfo, len(d.Targets)+len(other.Targets))
	for name, info := range d.Targets {
		targets[name] = info
	}
	for name, info := range other.Targets {
		if existing, ok := targets[name]; ok {
			if existing.Quantity != info.Quantity || existing.Unit != info.Unit {
				return DatasetInfo{}, fmt.Errorf("target %q declared with conflicting quantity/unit", name)
			}
			continue
		}
		targets[name] = info
	}

	lengthUnit := d.LengthUnit
	if lengthUnit == "" {
		lengthUnit = other.LengthUnit
	}

	return DatasetInfo{
		LengthUnit:  lengthUnit,
		AtomicTypes: types,
		Targets:     targets,
	}, nil
}
