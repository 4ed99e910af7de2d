package kernel

import "math"

// RMSNormInto computes out = (x / rms(x)) * w. The sum of squares is
// accumulated in float64 for stability; the inverse RMS is applied in
// float32.
func RMSNormInto(out, x, w []float32, eps float32) {
	n := len(x)
	var ss float64
	for i := 0; i < n; i++ {
		ss += float64(x[i]) * float64(x[i])
	}
	inv := float32(1.0 / math.Sqrt(ss/float64(n)+float64(eps)))
	for i := 0; i < n; i++ {
		out[i] = x[i] * inv * w[i]
	}
}

// RMSNorm applies RMSNormInto in place.
func RMSNorm(x, w []float32, eps float32) {
	RMSNormInto(x, x, w, eps)
}

// LayerNormInto computes out = ((x - mean(x)) / sqrt(var(x) + eps)) * w + b.
func LayerNormInto(out, x, w, b []float32, eps float32) {
	n := len(x)
	var mean float64
	for i := 0; i < n; i++ {
		mean += float64(x[i])
	}
	mean /= float64(n)

	var variance float64
	for i := 0; i < n; i++ {
		d := float64(x[i]) - mean
		variance += d * d
	}
	variance /= float64(n)
	inv := float32(1.0 / math.Sqrt(variance+float64(eps)))

	for i := 0; i < n; i++ {
		out[i] = (x[i]-float32(mean))*inv*w[i] + b[i]
	}
}

// LayerNorm applies LayerNormInto in place.
func LayerNorm(x, w, b []float32, eps float32) {
	LayerNormInto(x, x, w, b, eps)
}

// Softmax computes softmax in place over x[0:n], two-pass (max-subtract
// then normalize) for numerical stability.
func Softmax(x []float32, n int) {
	max := x[0]
	for i := 1; i < n; i++ {
		if x[i] > max {
			max = x[i]
		}
	}
	var sum float32
	for i := 0; i < n; i++ {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	inv := float32(1.0) / sum
	for i := 0; i < n; i++ {
		x[i] *= inv
	}
}

// SiLU is the sigmoid linear unit: x * sigmoid(x). SwiGLU below is built
// from it.
func SiLU(x float32) float32 {
	return x / (1.0 + float32(math.Exp(float64(-x))))
}

// GeLUTanh is the tanh approximation of GeLU, the variant frozen at
// compile time for the forward pass:
// 0.5*x*(1+tanh(sqrt(2/pi)*(x+0.044715*x^3))).
func GeLUTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x3 := x * x * x
	inner := c * (x + 0.044715*x3)
	return 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
}

// GeLUExact is the exact erf-based GeLU: 0.5*x*(1+erf(x/sqrt(2))).
func GeLUExact(x float32) float32 {
	return 0.5 * x * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
}

// SwiGLUInto computes out[i] = SiLU(gate[i]) * up[i], the gated MLP
// activation used by SwiGLU-family feed-forward blocks.
func SwiGLUInto(out, gate, up []float32) {
	for i := range out {
		out[i] = SiLU(gate[i]) * up[i]
	}
}

// AddInto computes out = a + b elementwise (residual connections).
func AddInto(out, a, b []float32) {
	for i := range out {
		out[i] = a[i] + b[i]
	}
}

// MulInto computes out = a * b elementwise.
func MulInto(out, a, b []float32) {
	for i := range out {
		out[i] = a[i] * b[i]
	}
}
