// Package quant implements the GGUF block-quantized tensor formats: Q4_0,
// Q5_0, Q8_0, Q4_K, and Q6_K. Every format dequantizes fixed-size byte
// blocks into float32 by explicit bit manipulation — no generic float16
// library, no reflection — so output is identical across platforms down to
// the last ulp.
package quant

import "github.com/ariannamethod/weft/werr"

// Format is the contract every quantized block layout satisfies: a fixed
// element count and byte count per block, and a whole-tensor dequantize
// entry point.
type Format interface {
	// BlockSize is the number of float32 elements one block decodes to.
	BlockSize() int
	// ByteSize is the number of encoded bytes one block occupies.
	ByteSize() int
	// Dequantize decodes the first n elements of src into dst. n must be
	// a multiple of BlockSize().
	Dequantize(dst []float32, src []byte, n int) error
}

// Named GGUF format identifiers, which ByName maps to a Format.
const (
	NameQ4_0 = "Q4_0"
	NameQ5_0 = "Q5_0"
	NameQ8_0 = "Q8_0"
	NameQ4_K = "Q4_K"
	NameQ6_K = "Q6_K"
)

// ByName returns the Format registered under a GGUF type name.
func ByName(name string) (Format, bool) {
	switch name {
	case NameQ4_0:
		return Q4_0{}, true
	case NameQ5_0:
		return Q5_0{}, true
	case NameQ8_0:
		return Q8_0{}, true
	case NameQ4_K:
		return Q4_K{}, true
	case NameQ6_K:
		return Q6_K{}, true
	default:
		return nil, false
	}
}

func dequantizeBlocks(dst []float32, src []byte, n, blockSize, byteSize int, decode func([]byte, []float32) error) error {
	if n%blockSize != 0 {
		return werr.New(werr.ShapeMismatch, "tensor element count %d not a multiple of block size %d", n, blockSize)
	}
	nblocks := n / blockSize
	need := nblocks * byteSize
	if len(src) < need {
		return werr.New(werr.MalformedBlock, "tensor data: need %d bytes, got %d", need, len(src))
	}
	if len(dst) < n {
		return werr.New(werr.ShapeMismatch, "output too small (%d < %d)", len(dst), n)
	}
	for i := 0; i < nblocks; i++ {
		blockOff := i * byteSize
		outOff := i * blockSize
		if err := decode(src[blockOff:blockOff+byteSize], dst[outOff:outOff+blockSize]); err != nil {
			return err
		}
	}
	return nil
}

// EmbedRow decodes one row (dim elements) of a quantized embedding table
// without materializing the whole table.
func EmbedRow(f Format, table []byte, token, dim int) ([]float32, error) {
	bytesPerRow := (dim / f.BlockSize()) * f.ByteSize()
	rowOff := token * bytesPerRow
	if rowOff+bytesPerRow > len(table) {
		return nil, werr.New(werr.ShapeMismatch, "embedding row %d out of range", token)
	}
	out := make([]float32, dim)
	if err := f.Dequantize(out, table[rowOff:rowOff+bytesPerRow], dim); err != nil {
		return nil, err
	}
	return out, nil
}
