package quant

// Q4_K: 256-element super-block, 144 bytes:
//   2 bytes   float16 super-block scale (d)
//   2 bytes   float16 super-block min (dmin)
//   12 bytes  eight 6-bit (scale, min) pairs, bit-packed
//   128 bytes 256 x 4-bit values, packed two per byte
//
// The 12-byte scale/min block packs 8 sub-blocks' 6-bit scale and 6-bit min
// factors. For sub-block index j in 0..7:
//   j <  4: scale = packed[j]   & 0x3F;  min = packed[j+4] & 0x3F
//   j >= 4: scale = (packed[j+4] & 0x0F) | ((packed[j-4] >> 6) << 4)
//           min   = (packed[j+4] >> 4)   | ((packed[j]   >> 6) << 4)
// For j < 4 scale and min are plain 6-bit reads; for j >= 4 each is
// reconstructed from a low nibble plus two high bits borrowed from the
// top of another packed byte.
//
// Dequantized value = d*scale*nibble - dmin*min (two sub-blocks, low and
// high nibble halves, share each 32-byte run of qs).

import (
	"encoding/binary"

	"github.com/ariannamethod/weft/werr"
)

const (
	q4kBlockSize = 256
	q4kByteSize  = 144
)

func q4kScaleMin(packed []byte, j int) (scale, min uint8) {
	if j < 4 {
		scale = packed[j] & 0x3F
		min = packed[j+4] & 0x3F
		return
	}
	scale = (packed[j+4] & 0x0F) | ((packed[j-4] >> 6) << 4)
	min = (packed[j+4] >> 4) | ((packed[j] >> 6) << 4)
	return
}

// DequantQ4_KBlock dequantizes one 144-byte Q4_K super-block into out[0:256].
func DequantQ4_KBlock(block []byte, out []float32) error {
	if len(block) < q4kByteSize {
		return werr.New(werr.MalformedBlock, "q4_k block: need %d bytes, got %d", q4kByteSize, len(block))
	}
	if len(out) < q4kBlockSize {
		return werr.New(werr.ShapeMismatch, "q4_k block: output too small (%d < %d)", len(out), q4kBlockSize)
	}
	d := half2float(binary.LittleEndian.Uint16(block[0:2]))
	dmin := half2float(binary.LittleEndian.Uint16(block[2:4]))
	packed := block[4:16]
	qs := block[16:144]

	y := 0
	qOff := 0
	for is := 0; is < 8; is += 2 {
		sc1, m1 := q4kScaleMin(packed, is)
		sc2, m2 := q4kScaleMin(packed, is+1)
		d1 := d * float32(sc1)
		mm1 := dmin * float32(m1)
		d2 := d * float32(sc2)
		mm2 := dmin * float32(m2)

		q := qs[qOff : qOff+32]
		for l := 0; l < 32; l++ {
			out[y+l] = d1*float32(q[l]&0x0F) - mm1
		}
		for l := 0; l < 32; l++ {
			out[y+32+l] = d2*float32(q[l]>>4) - mm2
		}
		y += 64
		qOff += 32
	}
	return nil
}

// Q4_K implements the Format interface for the Q4_K super-block layout.
type Q4_K struct{}

func (Q4_K) BlockSize() int { return q4kBlockSize }
func (Q4_K) ByteSize() int  { return q4kByteSize }

func (f Q4_K) Dequantize(dst []float32, src []byte, n int) error {
	return dequantizeBlocks(dst, src, n, f.BlockSize(), f.ByteSize(), DequantQ4_KBlock)
}
