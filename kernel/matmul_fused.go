package kernel

import (
	"runtime"
	"sync"

	"github.com/ariannamethod/weft/quant"
	"github.com/ariannamethod/weft/werr"
)

// numWorkers bounds row-parallel fan-out across weight rows and panels.
var numWorkers = runtime.NumCPU()

// parallelRows splits [0,rows) into numWorkers chunks and runs fn on each,
// falling back to a single synchronous call for small row counts.
func parallelRows(rows int, fn func(start, end int)) {
	if rows < numWorkers*4 {
		fn(0, rows)
		return
	}
	var wg sync.WaitGroup
	chunk := (rows + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		end := start + chunk
		if end > rows {
			end = rows
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// MatMulDense computes out[rows] = w[rows,cols] @ x[cols] for a plain FP32
// weight matrix, used for small projection matrices that aren't quantized.
func MatMulDense(out, w, x []float32, rows, cols int) error {
	if len(w) < rows*cols {
		return werr.New(werr.ShapeMismatch, "dense matmul: weight has %d elements, need %d", len(w), rows*cols)
	}
	if len(x) < cols {
		return werr.New(werr.ShapeMismatch, "dense matmul: input has %d elements, need %d", len(x), cols)
	}
	if len(out) < rows {
		return werr.New(werr.ShapeMismatch, "dense matmul: output has %d elements, need %d", len(out), rows)
	}
	parallelRows(rows, func(s, e int) {
		for i := s; i < e; i++ {
			off := i * cols
			out[i] = dotTiered(w[off:off+cols], x)
		}
	})
	return nil
}

// allZero reports whether every element of x is exactly zero — the
// sparsity shortcut: a zero activation span contributes nothing, so the
// weight blocks it would multiply are never dequantized.
func allZero(x []float32) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}

func validateQuant(f quant.Format, w []byte, rows, cols int) (blocksPerRow, bytesPerRow int, err error) {
	blockSize := f.BlockSize()
	if cols%blockSize != 0 {
		return 0, 0, werr.New(werr.ShapeMismatch, "quant matmul: cols %d not a multiple of block size %d", cols, blockSize)
	}
	blocksPerRow = cols / blockSize
	bytesPerRow = blocksPerRow * f.ByteSize()
	if len(w) < rows*bytesPerRow {
		return 0, 0, werr.New(werr.ShapeMismatch, "quant matmul: weight has %d bytes, need %d", len(w), rows*bytesPerRow)
	}
	return blocksPerRow, bytesPerRow, nil
}

// MatMulQuantDecode is the M=1 kernel used on every decode step: one
// activation vector against the whole weight matrix. W's quantized blocks
// are visited exactly once, in storage order, so the much larger weight
// matrix streams through the cache in a single pass per decoded token —
// there is no reuse across a single right-hand side to tile or pack for,
// which is what separates this path from MatMulQuantBatch's blocked loop
// nest. Blocks whose activation span is entirely zero are skipped before
// dequantization.
func MatMulQuantDecode(out []float32, f quant.Format, w []byte, x []float32, rows, cols int) error {
	blockSize := f.BlockSize()
	byteSize := f.ByteSize()
	blocksPerRow, bytesPerRow, err := validateQuant(f, w, rows, cols)
	if err != nil {
		return err
	}
	if len(x) < cols {
		return werr.New(werr.ShapeMismatch, "quant matmul: input has %d elements, need %d", len(x), cols)
	}
	if len(out) < rows {
		return werr.New(werr.ShapeMismatch, "quant matmul: output has %d elements, need %d", len(out), rows)
	}

	var rowErr error
	var errMu sync.Mutex
	parallelRows(rows, func(s, e int) {
		block := make([]float32, blockSize)
		for i := s; i < e; i++ {
			rowOff := i * bytesPerRow
			var sum float32
			for b := 0; b < blocksPerRow; b++ {
				xOff := b * blockSize
				xSpan := x[xOff : xOff+blockSize]
				if allZero(xSpan) {
					continue
				}
				blockOff := rowOff + b*byteSize
				if err := f.Dequantize(block, w[blockOff:blockOff+byteSize], blockSize); err != nil {
					errMu.Lock()
					if rowErr == nil {
						rowErr = err
					}
					errMu.Unlock()
					return
				}
				sum += dotTiered(block, xSpan)
			}
			out[i] = sum
		}
	})
	return rowErr
}

// MatMulQuant computes out = W @ x for a single activation vector,
// delegating to the streaming decode kernel.
func MatMulQuant(out []float32, f quant.Format, w []byte, x []float32, rows, cols int) error {
	return MatMulQuantDecode(out, f, w, x, rows, cols)
}

// MatMulQuantBatch computes Out[m] = W @ X[m] for a batch of M activation
// rows — the prefill path. The loop nest is the three-level blocking
// CacheParamsFor describes: Nc-wide panels of weight rows outermost, then
// Kc-deep panels of the reduction dimension, then Mc blocks of activation
// rows, with an Mr x Nr register-tile microkernel innermost. Each Kc x Nr
// weight panel is dequantized once into a packed, k-major scratch panel
// and reused by every activation row in the Mc block, amortizing the
// dequantization cost the decode kernel pays per vector. Edge tiles
// (partial Mr or Nr) run the same microkernel at a narrower width with
// identical semantics.
func MatMulQuantBatch(out [][]float32, f quant.Format, w []byte, x [][]float32, rows, cols int) error {
	if len(out) != len(x) {
		return werr.New(werr.ShapeMismatch, "batch matmul: %d output rows for %d input rows", len(out), len(x))
	}
	m := len(x)
	if m == 0 {
		return nil
	}
	blockSize := f.BlockSize()
	byteSize := f.ByteSize()
	_, bytesPerRow, err := validateQuant(f, w, rows, cols)
	if err != nil {
		return err
	}
	for i := 0; i < m; i++ {
		if len(x[i]) < cols {
			return werr.New(werr.ShapeMismatch, "batch matmul: input row %d has %d elements, need %d", i, len(x[i]), cols)
		}
		if len(out[i]) < rows {
			return werr.New(werr.ShapeMismatch, "batch matmul: output row %d has %d elements, need %d", i, len(out[i]), rows)
		}
		for j := range out[i][:rows] {
			out[i][j] = 0
		}
	}

	cp := CacheParamsFor(ActiveTier)
	// The K panel must cover whole quantized blocks so each packed row
	// dequantizes cleanly.
	kcStep := cp.Kc - cp.Kc%blockSize
	if kcStep < blockSize {
		kcStep = blockSize
	}

	var panelErr error
	var errMu sync.Mutex
	numPanels := (rows + cp.Nc - 1) / cp.Nc
	parallelRows(numPanels, func(ps, pe int) {
		packB := make([]float32, kcStep*cp.Nr)
		rowBuf := make([]float32, kcStep)
		var acc [maxMr][maxNr]float32
		for p := ps; p < pe; p++ {
			jc := p * cp.Nc
			jcEnd := min(jc+cp.Nc, rows)
			for kc := 0; kc < cols; kc += kcStep {
				kLen := min(kcStep, cols-kc)
				for jr := jc; jr < jcEnd; jr += cp.Nr {
					nr := min(cp.Nr, jcEnd-jr)
					if err := packPanel(packB, rowBuf, f, w, jr, nr, kc, kLen, blockSize, byteSize, bytesPerRow); err != nil {
						errMu.Lock()
						if panelErr == nil {
							panelErr = err
						}
						errMu.Unlock()
						return
					}
					for ic := 0; ic < m; ic += cp.Mc {
						icEnd := min(ic+cp.Mc, m)
						for m0 := ic; m0 < icEnd; m0 += cp.Mr {
							mr := min(cp.Mr, icEnd-m0)
							microKernel(&acc, out, x, packB, m0, mr, jr, nr, kc, kLen)
						}
					}
				}
			}
		}
	})
	return panelErr
}

// packPanel dequantizes nr weight rows' [kc, kc+kLen) span into dst in
// k-major order (dst[k*nr+j] = W[jr+j][kc+k]), so the microkernel reads
// one contiguous dequantized panel row per k step. kLen is always a whole
// number of quantized blocks.
func packPanel(dst, rowBuf []float32, f quant.Format, w []byte, jr, nr, kc, kLen, blockSize, byteSize, bytesPerRow int) error {
	blockOff0 := kc / blockSize
	nBlocks := kLen / blockSize
	for j := 0; j < nr; j++ {
		rowOff := (jr+j)*bytesPerRow + blockOff0*byteSize
		if err := f.Dequantize(rowBuf[:kLen], w[rowOff:rowOff+nBlocks*byteSize], kLen); err != nil {
			return err
		}
		for k := 0; k < kLen; k++ {
			dst[k*nr+j] = rowBuf[k]
		}
	}
	return nil
}

// Accumulator bounds: the widest register tile any tier requests.
const (
	maxMr = 6
	maxNr = 16
)

// microKernel accumulates an mr x nr output tile held in a local
// accumulator for the whole K panel: per k it broadcasts one activation
// value per row and multiplies it against the packed panel's contiguous
// row of nr dequantized weights, then adds the finished tile into out.
// An activation value that is exactly zero skips its contribution.
// mr <= maxMr, nr <= maxNr.
func microKernel(acc *[maxMr][maxNr]float32, out, x [][]float32, packB []float32, m0, mr, jr, nr, kc, kLen int) {
	for i := 0; i < mr; i++ {
		for j := 0; j < nr; j++ {
			acc[i][j] = 0
		}
	}
	for k := 0; k < kLen; k++ {
		b := packB[k*nr : k*nr+nr]
		for i := 0; i < mr; i++ {
			a := x[m0+i][kc+k]
			if a == 0 {
				continue
			}
			for j := 0; j < nr; j++ {
				acc[i][j] += a * b[j]
			}
		}
	}
	for i := 0; i < mr; i++ {
		o := out[m0+i]
		for j := 0; j < nr; j++ {
			o[jr+j] += acc[i][j]
		}
	}
}

// EmbedRow decodes one row of a quantized embedding table without
// materializing the whole table, delegating to quant.EmbedRow.
func EmbedRow(f quant.Format, table []byte, token, dim int) ([]float32, error) {
	return quant.EmbedRow(f, table, token, dim)
}
