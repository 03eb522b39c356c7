// Package structures holds the atomic-structure data model: single systems
// with positions, species, periodic cells and precomputed neighbor lists,
// plus the batching logic that concatenates several systems into the flat
// arrays the model operates on.
package structures

import (
	"errors"
	"fmt"
)

// ErrMissingNeighborList is returned when a system does not carry a neighbor
// list matching the requested options. Callers are expected to attach the
// list before invoking the model; there is no local recovery.
var ErrMissingNeighborList = errors.New("system has no neighbor list matching the requested options")

// NeighborListOptions identifies a neighbor list by the contract it
// satisfies: every pair within Cutoff listed once per direction when
// FullList is set, with Strict enforcement of the cutoff.
type NeighborListOptions struct {
	Cutoff   float64
	FullList bool
	Strict   bool
}

// NeighborList is a precomputed directed edge list. Centers[i] and
// Neighbors[i] index into the owning system's atoms; Shifts[i] is the
// integer periodic-image triple of edge i.
type NeighborList struct {
	Options   NeighborListOptions
	Centers   []int
	Neighbors []int
	Shifts    [][3]int
}

// System is one immutable atomic structure: ordered atom positions, per-atom
// species codes, an optional 3x3 periodic cell, and any number of attached
// neighbor lists.
type System struct {
	positions [][3]float64
	species   []int
	cell      *[3][3]float64 // nil for non-periodic systems
	device    string

	neighborLists []NeighborList
}

// NewSystem creates a system from positions and species codes. The cell may
// be nil for non-periodic systems.
func NewSystem(positions [][3]float64, species []int, cell *[3][3]float64) (*System, error) {
	if len(positions) != len(species) {
		return nil, fmt.Errorf("length mismatch: %d positions but %d species", len(positions), len(species))
	}
	for i, s := range species {
		if s <= 0 {
			return nil, fmt.Errorf("atom %d has invalid species code %d (must be a positive atomic number)", i, s)
		}
	}

	return &System{
		positions: positions,
		species:   species,
		cell:      cell,
		device:    "cpu",
	}, nil
}

// Len returns the number of atoms in the system.
func (s *System) Len() int { return len(s.positions) }

// Positions returns the atom positions.
func (s *System) Positions() [][3]float64 { return s.positions }

// Species returns the per-atom species codes.
func (s *System) Species() []int { return s.species }

// Cell returns the periodic cell, or nil for non-periodic systems.
func (s *System) Cell() *[3][3]float64 { return s.cell }

// Device returns the identifier of the device the system's data lives on.
func (s *System) Device() string { return s.device }

// SetDevice assigns the device identifier.
func (s *System) SetDevice(device string) { s.device = device }

// AddNeighborList attaches a precomputed neighbor list. Edge indices must be
// valid atom indices; the three slices must have equal length.
func (s *System) AddNeighborList(opts NeighborListOptions, centers, neighbors []int, shifts [][3]int) error {
	if len(centers) != len(neighbors) || len(centers) != len(shifts) {
		return fmt.Errorf("neighbor list length mismatch: %d centers, %d neighbors, %d shifts",
			len(centers), len(neighbors), len(shifts))
	}
	for i := range centers {
		if centers[i] < 0 || centers[i] >= s.Len() {
			return fmt.Errorf("edge %d: center index %d out of range for %d atoms", i, centers[i], s.Len())
		}
		if neighbors[i] < 0 || neighbors[i] >= s.Len() {
			return fmt.Errorf("edge %d: neighbor index %d out of range for %d atoms", i, neighbors[i], s.Len())
		}
	}

	s.neighborLists = append(s.neighborLists, NeighborList{
		Options:   opts,
		Centers:   centers,
		Neighbors: neighbors,
		Shifts:    shifts,
	})
	return nil
}

// NeighborList returns the attached neighbor list matching opts, or
// ErrMissingNeighborList when no list satisfies the request.
func (s *System) NeighborList(opts NeighborListOptions) (*NeighborList, error) {
	for i := range s.neighborLists {
		if s.neighborLists[i].Options == opts {
			return &s.neighborLists[i], nil
		}
	}
	return nil, fmt.Errorf("%w: cutoff=%g full=%t strict=%t",
		ErrMissingNeighborList, opts.Cutoff, opts.FullList, opts.Strict)
}
