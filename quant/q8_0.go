package quant

// Q8_0: 32 elements per block, 34 bytes:
//   2 bytes  float16 scale (d)
//   32 bytes 32 x signed int8 values
// Dequantized value = q * d.

import (
	"encoding/binary"

	"github.com/ariannamethod/weft/werr"
)

const (
	q8_0BlockSize = 32
	q8_0ByteSize  = 34
)

// DequantQ8_0Block dequantizes one 34-byte Q8_0 block into out[0:32].
func DequantQ8_0Block(block []byte, out []float32) error {
	if len(block) < q8_0ByteSize {
		return werr.New(werr.MalformedBlock, "q8_0 block: need %d bytes, got %d", q8_0ByteSize, len(block))
	}
	if len(out) < q8_0BlockSize {
		return werr.New(werr.ShapeMismatch, "q8_0 block: output too small (%d < %d)", len(out), q8_0BlockSize)
	}
	d := half2float(binary.LittleEndian.Uint16(block[0:2]))
	for j := 0; j < 32; j++ {
		out[j] = float32(int8(block[2+j])) * d
	}
	return nil
}

// Q8_0 implements the Format interface for the Q8_0 block layout.
type Q8_0 struct{}

func (Q8_0) BlockSize() int { return q8_0BlockSize }
func (Q8_0) ByteSize() int  { return q8_0ByteSize }

func (f Q8_0) Dequantize(dst []float32, src []byte, n int) error {
	return dequantizeBlocks(dst, src, n, f.BlockSize(), f.ByteSize(), DequantQ8_0Block)
}
