package quant

// Q5_0: 32 elements per block, 22 bytes:
//   2 bytes  float16 scale (d)
//   4 bytes  high-bit plane: bit j of the 32-bit word is the 5th (high) bit
//            of element j
//   16 bytes 32 x 4-bit low bits, packed two per byte as in Q4_0
// Dequantized value = (((hb<<4)|n) - 16) * d, where n is the 4-bit low
// nibble and hb is the element's high bit extracted from the bit plane.

import (
	"encoding/binary"

	"github.com/ariannamethod/weft/werr"
)

const (
	q5_0BlockSize = 32
	q5_0ByteSize  = 22
)

// DequantQ5_0Block dequantizes one 22-byte Q5_0 block into out[0:32].
func DequantQ5_0Block(block []byte, out []float32) error {
	if len(block) < q5_0ByteSize {
		return werr.New(werr.MalformedBlock, "q5_0 block: need %d bytes, got %d", q5_0ByteSize, len(block))
	}
	if len(out) < q5_0BlockSize {
		return werr.New(werr.ShapeMismatch, "q5_0 block: output too small (%d < %d)", len(out), q5_0BlockSize)
	}
	d := half2float(binary.LittleEndian.Uint16(block[0:2]))
	hb := binary.LittleEndian.Uint32(block[2:6])
	qs := block[6:22]

	for j := 0; j < 16; j++ {
		b := qs[j]
		n0 := int(b & 0x0F)
		n1 := int(b >> 4)
		hb0 := int((hb >> uint(j)) & 1)
		hb1 := int((hb >> uint(j+16)) & 1)
		out[j] = float32(((hb0<<4)|n0)-16) * d
		out[j+16] = float32(((hb1<<4)|n1)-16) * d
	}
	return nil
}

// Q5_0 implements the Format interface for the Q5_0 block layout.
type Q5_0 struct{}

func (Q5_0) BlockSize() int { return q5_0BlockSize }
func (Q5_0) ByteSize() int  { return q5_0ByteSize }

func (f Q5_0) Dequantize(dst []float32, src []byte, n int) error {
	return dequantizeBlocks(dst, src, n, f.BlockSize(), f.ByteSize(), DequantQ5_0Block)
}
