package autodiff

import (
	"fmt"
)

// SliceCols extracts a contiguous block of columns [start, start+n) with
// gradient tracking.
func SliceCols(a *Tensor, start, n int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if start < 0 || n < 0 || start+n > a.Cols() {
		return nil, fmt.Errorf("column slice [%d, %d) out of range for %d columns", start, start+n, a.Cols())
	}

	result, err := newResult(a.Rows(), n, "slice_cols", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		copy(result.Data.Row(i), a.Data.Row(i)[start:start+n])
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < a.Rows(); i++ {
				src := result.Grad.Row(i)
				dst := a.Grad.Row(i)[start : start+n]
				for j := range src {
					dst[j] += src[j]
				}
			}
		}
	}

	return result, nil
}

// SliceRows extracts a contiguous block of rows [start, start+n) with
// gradient tracking.
func SliceRows(a *Tensor, start, n int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if start < 0 || n < 0 || start+n > a.Rows() {
		return nil, fmt.Errorf("row slice [%d, %d) out of range for %d rows", start, start+n, a.Rows())
	}

	result, err := newResult(n, a.Cols(), "slice_rows", a)
	if err != nil {
		return nil, err
	}
	copy(result.Data.Data, a.Data.Data[start*a.Cols():(start+n)*a.Cols()])

	if result.RequiresGrad {
		result.backwardFn = func() {
			dst := a.Grad.Data[start*a.Cols() : (start+n)*a.Cols()]
			for i, g := range result.Grad.Data {
				dst[i] += g
			}
		}
	}

	return result, nil
}

// ConcatCols concatenates tensors along the column axis with gradient
// tracking. All inputs must share the same number of rows.
func ConcatCols(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero tensors")
	}

	rows := tensors[0].Rows()
	totalCols := 0
	for _, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("input tensors cannot be nil")
		}
		if t.Rows() != rows {
			return nil, fmt.Errorf("row count mismatch in column concatenation: %d vs %d", t.Rows(), rows)
		}
		totalCols += t.Cols()
	}

	result, err := newResult(rows, totalCols, "concat_cols", tensors...)
	if err != nil {
		return nil, err
	}

	offset := 0
	for _, t := range tensors {
		for i := 0; i < rows; i++ {
			copy(result.Data.Row(i)[offset:offset+t.Cols()], t.Data.Row(i))
		}
		offset += t.Cols()
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			offset := 0
			for _, t := range tensors {
				if t.RequiresGrad {
					for i := 0; i < rows; i++ {
						src := result.Grad.Row(i)[offset : offset+t.Cols()]
						dst := t.Grad.Row(i)
						for j := range src {
							dst[j] += src[j]
						}
					}
				}
				offset += t.Cols()
			}
		}
	}

	return result, nil
}

// ConcatRows concatenates tensors along the row axis with gradient tracking.
// All inputs must share the same number of columns.
func ConcatRows(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero tensors")
	}

	cols := tensors[0].Cols()
	totalRows := 0
	for _, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("input tensors cannot be nil")
		}
		if t.Cols() != cols {
			return nil, fmt.Errorf("column count mismatch in row concatenation: %d vs %d", t.Cols(), cols)
		}
		totalRows += t.Rows()
	}

	result, err := newResult(totalRows, cols, "concat_rows", tensors...)
	if err != nil {
		return nil, err
	}

	offset := 0
	for _, t := range tensors {
		copy(result.Data.Data[offset:offset+len(t.Data.Data)], t.Data.Data)
		offset += len(t.Data.Data)
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			offset := 0
			for _, t := range tensors {
				if t.RequiresGrad {
					src := result.Grad.Data[offset : offset+len(t.Grad.Data)]
					for i, g := range src {
						t.Grad.Data[i] += g
					}
				}
				offset += len(t.Data.Data)
			}
		}
	}

	return result, nil
}

// RowGather builds a tensor whose i-th row is a's row indices[i], with
// scatter-add gradient flow back to the gathered rows. A negative index
// yields an all-zero row that contributes no gradient; this is how padding
// slots stay neutral.
func RowGather(a *Tensor, indices []int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	for _, idx := range indices {
		if idx >= a.Rows() {
			return nil, fmt.Errorf("gather index %d out of range for %d rows", idx, a.Rows())
		}
	}

	result, err := newResult(len(indices), a.Cols(), "row_gather", a)
	if err != nil {
		return nil, err
	}
	for i, idx := range indices {
		if idx >= 0 {
			copy(result.Data.Row(i), a.Data.Row(idx))
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i, idx := range indices {
				if idx < 0 {
					continue
				}
				src := result.Grad.Row(i)
				dst := a.Grad.Row(idx)
				for j := range src {
					dst[j] += src[j]
				}
			}
		}
	}

	return result, nil
}

// SegmentSum sums rows that share a segment identifier: the result's row s is
// the sum of all input rows i with segments[i] == s. Gradients broadcast back
// to every member of the segment. This is the permutation-invariant reduction
// used for node pooling and per-system summation.
func SegmentSum(a *Tensor, segments []int, numSegments int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(segments) != a.Rows() {
		return nil, fmt.Errorf("segment list length %d does not match %d rows", len(segments), a.Rows())
	}
	for _, s := range segments {
		if s < 0 || s >= numSegments {
			return nil, fmt.Errorf("segment id %d out of range [0, %d)", s, numSegments)
		}
	}

	result, err := newResult(numSegments, a.Cols(), "segment_sum", a)
	if err != nil {
		return nil, err
	}
	for i, s := range segments {
		src := a.Data.Row(i)
		dst := result.Data.Row(s)
		for j := range src {
			dst[j] += src[j]
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i, s := range segments {
				src := result.Grad.Row(s)
				dst := a.Grad.Row(i)
				for j := range src {
					dst[j] += src[j]
				}
			}
		}
	}

	return result, nil
}
