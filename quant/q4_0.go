package quant

// Q4_0: 32 elements per block, 18 bytes:
//   2 bytes  float16 scale (d)
//   16 bytes 32 x 4-bit unsigned values, packed two per byte
// Dequantized value = (q - 8) * d, low nibble first (positions 0..15),
// high nibble second (positions 16..31).

import (
	"encoding/binary"

	"github.com/ariannamethod/weft/werr"
)

const (
	q4_0BlockSize = 32
	q4_0ByteSize  = 18
)

// DequantQ4_0Block dequantizes one 18-byte Q4_0 block into out[0:32].
func DequantQ4_0Block(block []byte, out []float32) error {
	if len(block) < q4_0ByteSize {
		return werr.New(werr.MalformedBlock, "q4_0 block: need %d bytes, got %d", q4_0ByteSize, len(block))
	}
	if len(out) < q4_0BlockSize {
		return werr.New(werr.ShapeMismatch, "q4_0 block: output too small (%d < %d)", len(out), q4_0BlockSize)
	}
	d := half2float(binary.LittleEndian.Uint16(block[0:2]))
	for j := 0; j < 16; j++ {
		b := block[2+j]
		v0 := int(b&0x0F) - 8
		v1 := int(b>>4) - 8
		out[j] = float32(v0) * d
		out[j+16] = float32(v1) * d
	}
	return nil
}

// Q4_0 implements the Format interface for the Q4_0 block layout.
type Q4_0 struct{}

func (Q4_0) BlockSize() int { return q4_0BlockSize }
func (Q4_0) ByteSize() int  { return q4_0ByteSize }

func (f Q4_0) Dequantize(dst []float32, src []byte, n int) error {
	return dequantizeBlocks(dst, src, n, f.BlockSize(), f.ByteSize(), DequantQ4_0Block)
}
