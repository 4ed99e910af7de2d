package quant

import "math"

// half2float converts an IEEE 754 binary16 value (as stored little-endian
// in GGUF block headers) to float32 by explicit bit manipulation — sign,
// exponent, and mantissa are pulled apart and re-placed into the float32
// layout directly, not routed through a library half-float type, matching
// how every block format's scale factor is decoded.
func half2float(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	var f32 uint32
	switch {
	case exp == 0 && mant == 0:
		// signed zero
		f32 = sign << 31
	case exp == 0:
		// subnormal half → normalize into float32
		exp32 := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			exp32--
		}
		mant &= 0x3ff
		f32 = (sign << 31) | (exp32 << 23) | (mant << 13)
	case exp == 0x1f:
		// Inf / NaN
		f32 = (sign << 31) | (0xff << 23) | (mant << 13)
	default:
		f32 = (sign << 31) | ((exp - 15 + 127) << 23) | (mant << 13)
	}
	return math.Float32frombits(f32)
}
