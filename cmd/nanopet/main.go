package main

import (
	"fmt"
	"os"

	"github.com/atomistic-ml/nanopet/pkg/data"
	"github.com/atomistic-ml/nanopet/pkg/pet"
	"github.com/atomistic-ml/nanopet/pkg/structures"
)

// Main entry point for the nanoPET library
func main() {
	mode := "default"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "default":
		if err := runDefaultExample(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown mode: %s\n", mode)
		printHelp()
	}
}

// runDefaultExample builds a freshly initialized model and evaluates it on a
// small water molecule.
func runDefaultExample() error {
	fmt.Println("nanoPET - Transformer Interatomic Potential")
	fmt.Println("===========================================")

	hypers := pet.DefaultHypers()
	fmt.Println("\nConfiguration initialized with:")
	fmt.Printf("- Cutoff radius: %.2f\n", hypers.Cutoff)
	fmt.Printf("- Embedding dimension: %d\n", hypers.DPET)
	fmt.Printf("- Number of attention heads: %d\n", hypers.NumHeads)
	fmt.Printf("- Number of GNN layers: %d\n", hypers.NumGNNLayers)

	info := data.DatasetInfo{
		LengthUnit:  "angstrom",
		AtomicTypes: []int{1, 8},
		Targets: map[string]data.TargetInfo{
			"energy": data.ScalarTarget("energy", "eV", false, 1),
		},
	}
	model, err := pet.New(hypers, info)
	if err != nil {
		return err
	}

	sys, err := structures.NewSystem(
		[][3]float64{{0, 0, 0}, {0.96, 0, 0}, {-0.24, 0.93, 0}},
		[]int{8, 1, 1}, nil)
	if err != nil {
		return err
	}
	nl := model.RequestedNeighborLists()[0]
	if err := allPairsNeighborList(sys, nl); err != nil {
		return err
	}

	outputs := map[string]data.ModelOutput{"energy": {Quantity: "energy", Unit: "eV", PerAtom: true}}
	result, err := model.Forward([]*structures.System{sys}, outputs, nil)
	if err != nil {
		return err
	}
	block, err := result["energy"].Block()
	if err != nil {
		return err
	}

	fmt.Println("\nPer-atom energies of an (untrained) water molecule:")
	for i := 0; i < block.Samples.Len(); i++ {
		fmt.Printf("- atom %d (species %d): %+.6f eV\n", i, sys.Species()[i], block.Values.Data.At(i, 0))
	}

	caps, err := model.Export(data.Float64)
	if err != nil {
		return err
	}
	fmt.Printf("\nExported capabilities: interaction range %.1f, devices %v\n",
		caps.InteractionRange, caps.SupportedDevices)
	return nil
}

// allPairsNeighborList attaches the trivial full neighbor list of a small
// non-periodic system. Real deployments get their lists from a cell-list
// engine instead.
func allPairsNeighborList(sys *structures.System, opts structures.NeighborListOptions) error {
	var centers, neighbors []int
	var shifts [][3]int
	for i := 0; i < sys.Len(); i++ {
		for j := 0; j < sys.Len(); j++ {
			if i != j {
				centers = append(centers, i)
				neighbors = append(neighbors, j)
				shifts = append(shifts, [3]int{})
			}
		}
	}
	return sys.AddNeighborList(opts, centers, neighbors, shifts)
}

// printHelp displays usage information
func printHelp() {
	fmt.Println("\nUsage: nanopet [mode]")
	fmt.Println("\nAvailable modes:")
	fmt.Println("  default  - Evaluate a freshly initialized model on a water molecule")
	fmt.Println("  help     - Display this help message")
}
