package quant

// Q6_K: 256-element super-block, 210 bytes:
//   128 bytes ql — low 4 bits of each 6-bit value
//   64 bytes  qh — high 2 bits of each 6-bit value
//   16 bytes  sc — signed int8 per-sub-block scale (16 sub-blocks of 16)
//   2 bytes   float16 super-block scale (d)
// Dequantized value = d * sc[sub_block] * (q - 32), q in [0,63].

import (
	"encoding/binary"

	"github.com/ariannamethod/weft/werr"
)

const (
	q6kBlockSize = 256
	q6kByteSize  = 210
)

// DequantQ6_KBlock dequantizes one 210-byte Q6_K super-block into out[0:256].
func DequantQ6_KBlock(block []byte, out []float32) error {
	if len(block) < q6kByteSize {
		return werr.New(werr.MalformedBlock, "q6_k block: need %d bytes, got %d", q6kByteSize, len(block))
	}
	if len(out) < q6kBlockSize {
		return werr.New(werr.ShapeMismatch, "q6_k block: output too small (%d < %d)", len(out), q6kBlockSize)
	}
	ql := block[0:128]
	qh := block[128:192]
	scales := block[192:208]
	d := half2float(binary.LittleEndian.Uint16(block[208:210]))

	for n128 := 0; n128 < 2; n128++ {
		qlP := ql[n128*64:]
		qhP := qh[n128*32:]
		scP := scales[n128*8:]
		yOff := n128 * 128

		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int(qlP[l]&0x0F) | (int(qhP[l]>>0)&3)<<4
			q2 := int(qlP[l+32]&0x0F) | (int(qhP[l]>>2)&3)<<4
			q3 := int(qlP[l]>>4) | (int(qhP[l]>>4)&3)<<4
			q4 := int(qlP[l+32]>>4) | (int(qhP[l]>>6)&3)<<4

			out[yOff+l+0] = d * float32(int8(scP[is+0])) * float32(q1-32)
			out[yOff+l+32] = d * float32(int8(scP[is+2])) * float32(q2-32)
			out[yOff+l+64] = d * float32(int8(scP[is+4])) * float32(q3-32)
			out[yOff+l+96] = d * float32(int8(scP[is+6])) * float32(q4-32)
		}
	}
	return nil
}

// Q6_K implements the Format interface for the Q6_K super-block layout.
type Q6_K struct{}

func (Q6_K) BlockSize() int { return q6kBlockSize }
func (Q6_K) ByteSize() int  { return q6kByteSize }

func (f Q6_K) Dequantize(dst []float32, src []byte, n int) error {
	return dequantizeBlocks(dst, src, n, f.BlockSize(), f.ByteSize(), DequantQ6_KBlock)
}
