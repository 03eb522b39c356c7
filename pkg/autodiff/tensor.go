package autodiff

import (
	"fmt"
)

// Tensor represents a matrix-valued node in the computation graph with
// gradient tracking capabilities.
type Tensor struct {
	Data         *Matrix
	Grad         *Matrix
	RequiresGrad bool
	Name         string // Optional name for debugging

	backwardFn func()
	children   []*Tensor
}

// TensorConfig holds configuration options for creating a tensor.
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// NewTensor creates a new tensor from a matrix with the specified configuration.
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}

	if config == nil {
		config = &TensorConfig{}
	}

	var grad *Matrix
	if config.RequiresGrad {
		var err error
		grad, err = NewMatrix(data.Rows, data.Cols)
		if err != nil {
			return nil, fmt.Errorf("failed to create gradient matrix: %w", err)
		}
	}

	return &Tensor{
		Data:         data,
		Grad:         grad,
		RequiresGrad: config.RequiresGrad,
		Name:         config.Name,
	}, nil
}

// NewRandomTensor creates a new tensor with random values.
func NewRandomTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewRandomMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create random matrix: %w", err)
	}

	return NewTensor(data, config)
}

// NewZerosTensor creates a new tensor filled with zeros.
func NewZerosTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create zero matrix: %w", err)
	}

	return NewTensor(data, config)
}

// Rows returns the number of rows of the underlying matrix.
func (t *Tensor) Rows() int { return t.Data.Rows }

// Cols returns the number of columns of the underlying matrix.
func (t *Tensor) Cols() int { return t.Data.Cols }

// ZeroGrad zeros out the gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// Detach returns a new leaf tensor sharing this tensor's values but carrying
// no graph history.
func (t *Tensor) Detach() *Tensor {
	detached, _ := NewTensor(t.Data.Clone(), &TensorConfig{Name: t.Name})
	return detached
}

// newResult allocates the output tensor of an op. Gradient tracking is
// enabled when any input requires it.
func newResult(rows, cols int, name string, inputs ...*Tensor) (*Tensor, error) {
	requires := false
	for _, in := range inputs {
		if in.RequiresGrad {
			requires = true
			break
		}
	}

	result, err := NewZerosTensor(rows, cols, &TensorConfig{RequiresGrad: requires, Name: name})
	if err != nil {
		return nil, err
	}
	if requires {
		result.children = append(result.children, inputs...)
	}
	return result, nil
}

// Backward computes gradients of this tensor with respect to every upstream
// tensor that requires them. If the tensor is a scalar its gradient seed is
// set to 1; otherwise the caller must have filled Grad beforehand.
func (t *Tensor) Backward() error {
	if !t.RequiresGrad {
		return fmt.Errorf("cannot backpropagate from tensor %q that does not require gradients", t.Name)
	}
	if t.Data.Rows == 1 && t.Data.Cols == 1 {
		t.Grad.Set(0, 0, 1.0)
	}

	// Topological sort so each node's gradient is complete before its
	// backward function runs.
	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor)
	buildTopo = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, child := range node.children {
			buildTopo(child)
		}
		topo = append(topo, node)
	}
	buildTopo(t)

	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		if node.backwardFn != nil {
			node.backwardFn()
		}
	}

	return nil
}
