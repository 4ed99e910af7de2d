// Package kernel implements the fused quantized matmul kernels and the
// dense FP32 kernels: RMSNorm, LayerNorm, Softmax, GeLU, SwiGLU, and
// elementwise ops. Matmuls parallelize across output rows with
// goroutine-chunked workers; the inner reduction runs through a
// dot-product tier selected once at init from the CPU's feature set.
package kernel

import "golang.org/x/sys/cpu"

// Tier names a dot-product accumulation strategy. Pure Go has no portable
// way to emit AVX2 instructions directly, so each tier is a manually
// unrolled accumulation loop of a different width — semantically identical
// across tiers, differing only in how many lanes are summed per iteration
// before the final reduction. Tier affects throughput, never results.
type Tier int

const (
	// TierScalar sums one element per iteration. Always correct, the
	// baseline every other tier is checked against in tests.
	TierScalar Tier = iota
	// TierPortable unrolls 4-wide, matching a generic 128-bit SIMD lane
	// width (SSE/NEON class).
	TierPortable
	// TierAVX2FMA unrolls 8-wide, matching AVX2's 256-bit float32 lanes.
	TierAVX2FMA
)

func (t Tier) String() string {
	switch t {
	case TierAVX2FMA:
		return "avx2_fma"
	case TierPortable:
		return "portable"
	default:
		return "scalar"
	}
}

// ActiveTier is selected once at process start from the CPU's advertised
// feature set and used by every matmul call in this package.
var ActiveTier = detectTier()

func detectTier() Tier {
	if cpu.X86.HasAVX2 && cpu.X86.HasFMA {
		return TierAVX2FMA
	}
	if cpu.ARM64.HasASIMD {
		return TierPortable
	}
	return TierScalar
}

// dotTiered computes the dot product of a and b (equal length) using the
// active tier's unrolled accumulation. Used by MatMulDense and by the M=1
// decode kernel as the inner per-block reduction; MatMulQuantBatch's
// microkernel accumulates its register tile directly instead.
func dotTiered(a, b []float32) float32 {
	switch ActiveTier {
	case TierAVX2FMA:
		return dot8(a, b)
	case TierPortable:
		return dot4(a, b)
	default:
		return dot1(a, b)
	}
}

func dot1(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func dot4(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func dot8(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i+8 <= n; i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	sum := s0 + s1 + s2 + s3 + s4 + s5 + s6 + s7
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
