// Package tensor defines the two tensor representations weft operates on:
// a dense FP32 tensor and a quantized tensor wrapper over a block format
// from weft/quant. Both enforce the element-count ceiling (single tensors
// over roughly 2.1e9 elements are refused so a linear index always fits a
// native signed machine word) before any allocation happens.
package tensor

import (
	"github.com/ariannamethod/weft/quant"
	"github.com/ariannamethod/weft/werr"
)

// MaxElements is the per-tensor element ceiling. Chosen to sit just under
// 2^31 so that `rows*cols` computed in int32 arithmetic elsewhere in a
// loader can never have silently overflowed before reaching here.
const MaxElements = 2_100_000_000

// checkElementCount validates shape before multiplying as int, using
// widened int64 arithmetic so the check itself cannot overflow on a
// 32-bit int platform.
func checkElementCount(shape []int) (int, error) {
	total := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, werr.New(werr.ShapeMismatch, "tensor dimension must be positive, got %d", d)
		}
		total *= int64(d)
		if total > MaxElements {
			return 0, werr.New(werr.TensorTooLarge, "tensor has %d+ elements, exceeds ceiling %d", total, MaxElements)
		}
	}
	return int(total), nil
}

// Dense is a row-major FP32 tensor.
type Dense struct {
	Shape []int
	Data  []float32
}

// NewDense allocates a zeroed dense tensor of the given shape.
func NewDense(shape ...int) (*Dense, error) {
	n, err := checkElementCount(shape)
	if err != nil {
		return nil, err
	}
	return &Dense{Shape: append([]int(nil), shape...), Data: make([]float32, n)}, nil
}

// Elements returns the total element count.
func (d *Dense) Elements() int { return len(d.Data) }

// Quantized is a 2-D (rows x cols) tensor stored in a quant.Format's block
// layout. cols must be a multiple of the format's block size — this is
// the layout invariant every weight matrix in model.Handle.Tensors must
// satisfy.
type Quantized struct {
	Format quant.Format
	Rows   int
	Cols   int
	Data   []byte
}

// NewQuantized wraps raw block bytes as a Rows x Cols quantized tensor,
// validating the block-size-multiple invariant and the element ceiling.
func NewQuantized(f quant.Format, rows, cols int, data []byte) (*Quantized, error) {
	if cols%f.BlockSize() != 0 {
		return nil, werr.New(werr.ShapeMismatch, "quantized tensor: cols %d not a multiple of block size %d", cols, f.BlockSize())
	}
	if _, err := checkElementCount([]int{rows, cols}); err != nil {
		return nil, err
	}
	blocksPerRow := cols / f.BlockSize()
	bytesPerRow := blocksPerRow * f.ByteSize()
	need := rows * bytesPerRow
	if len(data) < need {
		return nil, werr.New(werr.MalformedBlock, "quantized tensor: need %d bytes, got %d", need, len(data))
	}
	return &Quantized{Format: f, Rows: rows, Cols: cols, Data: data}, nil
}

// Row returns the raw block bytes backing one row, for streaming
// dequantization by weft/kernel.
func (q *Quantized) Row(i int) []byte {
	blocksPerRow := q.Cols / q.Format.BlockSize()
	bytesPerRow := blocksPerRow * q.Format.ByteSize()
	return q.Data[i*bytesPerRow : (i+1)*bytesPerRow]
}
