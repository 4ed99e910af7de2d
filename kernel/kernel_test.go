package kernel

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/ariannamethod/weft/quant"
)

func TestMatMulDense(t *testing.T) {
	w := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	x := []float32{1, 1, 1}
	out := make([]float32, 2)

	if err := MatMulDense(out, w, x, 2, 3); err != nil {
		t.Fatalf("MatMulDense: %v", err)
	}
	expected := []float32{6, 15}
	for i := range out {
		if math.Abs(float64(out[i]-expected[i])) > 1e-5 {
			t.Errorf("out[%d] = %f, want %f", i, out[i], expected[i])
		}
	}
}

func TestMatMulQuantQ4_0(t *testing.T) {
	// One row, one Q4_0 block: scale=1.0, nibbles all 9 -> value 1.
	block := make([]byte, 18)
	binary.LittleEndian.PutUint16(block[0:2], 0x3C00)
	for i := 2; i < 18; i++ {
		block[i] = 0x99 // both nibbles = 9 -> (9-8) = 1
	}
	x := make([]float32, 32)
	for i := range x {
		x[i] = 1
	}
	out := make([]float32, 1)
	if err := MatMulQuant(out, quant.Q4_0{}, block, x, 1, 32); err != nil {
		t.Fatalf("MatMulQuant: %v", err)
	}
	if math.Abs(float64(out[0]-32)) > 1e-4 {
		t.Errorf("out[0] = %f, want 32", out[0])
	}
}

// TestMatMulQuantQ4_0QuantizedZeros: a 32x32 Q4_0 weight matrix whose
// nibbles all encode the zero point (8) with unit scales, multiplied by
// all-ones activations, yields an all-zero 32x32 output.
func TestMatMulQuantQ4_0QuantizedZeros(t *testing.T) {
	w := make([]byte, 32*18) // 32 rows, one block each
	for r := 0; r < 32; r++ {
		block := w[r*18 : (r+1)*18]
		binary.LittleEndian.PutUint16(block[0:2], 0x3C00) // scale 1.0
		for i := 2; i < 18; i++ {
			block[i] = 0x88 // both nibbles = 8 -> quantized zero
		}
	}
	x := make([][]float32, 32)
	out := make([][]float32, 32)
	for m := range x {
		x[m] = make([]float32, 32)
		for i := range x[m] {
			x[m][i] = 1
		}
		out[m] = make([]float32, 32)
	}
	if err := MatMulQuantBatch(out, quant.Q4_0{}, w, x, 32, 32); err != nil {
		t.Fatalf("MatMulQuantBatch: %v", err)
	}
	for m := range out {
		for i, v := range out[m] {
			if v != 0 {
				t.Fatalf("out[%d][%d] = %f, want 0", m, i, v)
			}
		}
	}
}

// TestMatMulQuantQ8_0Identity: with identity activations, the output of a
// 64x64 Q8_0 matmul reads back the dequantized weight matrix exactly —
// W[i][j] = i with unit scales gives out[m][i] = i for every basis row m.
func TestMatMulQuantQ8_0Identity(t *testing.T) {
	const n = 64
	blocksPerRow := n / 32
	w := make([]byte, n*blocksPerRow*34)
	for r := 0; r < n; r++ {
		for b := 0; b < blocksPerRow; b++ {
			block := w[(r*blocksPerRow+b)*34:]
			binary.LittleEndian.PutUint16(block[0:2], 0x3C00) // scale 1.0
			for i := 0; i < 32; i++ {
				block[2+i] = byte(int8(r))
			}
		}
	}
	x := make([][]float32, n)
	out := make([][]float32, n)
	for m := range x {
		x[m] = make([]float32, n)
		x[m][m] = 1
		out[m] = make([]float32, n)
	}
	if err := MatMulQuantBatch(out, quant.Q8_0{}, w, x, n, n); err != nil {
		t.Fatalf("MatMulQuantBatch: %v", err)
	}
	for m := 0; m < n; m++ {
		for i := 0; i < n; i++ {
			if math.Abs(float64(out[m][i]-float32(i))) > 1e-4 {
				t.Fatalf("out[%d][%d] = %f, want %d", m, i, out[m][i], i)
			}
		}
	}
}

func TestMatMulQuantDecodeMatchesBatchShape(t *testing.T) {
	block := make([]byte, 34) // Q8_0
	binary.LittleEndian.PutUint16(block[0:2], 0x3C00)
	for i := 0; i < 32; i++ {
		block[2+i] = 1
	}
	x := make([]float32, 32)
	for i := range x {
		x[i] = 2
	}
	out1 := make([]float32, 1)
	if err := MatMulQuantDecode(out1, quant.Q8_0{}, block, x, 1, 32); err != nil {
		t.Fatalf("MatMulQuantDecode: %v", err)
	}
	if math.Abs(float64(out1[0]-64)) > 1e-4 {
		t.Errorf("decode out = %f, want 64", out1[0])
	}

	outB := [][]float32{make([]float32, 1)}
	if err := MatMulQuantBatch(outB, quant.Q8_0{}, block, [][]float32{x}, 1, 32); err != nil {
		t.Fatalf("MatMulQuantBatch: %v", err)
	}
	if math.Abs(float64(outB[0][0]-out1[0])) > 1e-4 {
		t.Errorf("batch out = %f, decode out = %f", outB[0][0], out1[0])
	}
}

// TestMatMulQuantMatchesDequantReference checks the fused kernel against
// dequantize-then-dense-matmul within rel 0.005*sqrt(K/128), abs 1e-4.
func TestMatMulQuantMatchesDequantReference(t *testing.T) {
	const rows, cols = 8, 128
	rng := rand.New(rand.NewSource(7))

	w := make([]byte, rows*(cols/32)*34) // Q8_0
	for b := 0; b < rows*(cols/32); b++ {
		block := w[b*34:]
		binary.LittleEndian.PutUint16(block[0:2], 0x2E66) // fp16 0.1
		for i := 0; i < 32; i++ {
			block[2+i] = byte(int8(rng.Intn(255) - 127))
		}
	}
	x := make([]float32, cols)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}

	fused := make([]float32, rows)
	if err := MatMulQuant(fused, quant.Q8_0{}, w, x, rows, cols); err != nil {
		t.Fatalf("MatMulQuant: %v", err)
	}

	dq := make([]float32, rows*cols)
	if err := (quant.Q8_0{}).Dequantize(dq, w, rows*cols); err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	ref := make([]float32, rows)
	if err := MatMulDense(ref, dq, x, rows, cols); err != nil {
		t.Fatalf("MatMulDense: %v", err)
	}

	relTol := 0.005 * math.Sqrt(float64(cols)/128)
	for i := range fused {
		diff := math.Abs(float64(fused[i] - ref[i]))
		if diff > 1e-4 && diff > relTol*math.Abs(float64(ref[i])) {
			t.Errorf("fused[%d] = %f, ref %f (diff %g)", i, fused[i], ref[i], diff)
		}
	}
}

// TestMatMulQuantBatchEdgeTilesMatchReference drives the blocked kernel
// through partial Mr and Nr tiles (7 activation rows, 33 weight rows) and
// checks every output against dequantize-then-dense-matmul.
func TestMatMulQuantBatchEdgeTilesMatchReference(t *testing.T) {
	const m, rows, cols = 7, 33, 64
	rng := rand.New(rand.NewSource(11))

	w := make([]byte, rows*(cols/32)*34) // Q8_0
	for b := 0; b < rows*(cols/32); b++ {
		block := w[b*34:]
		binary.LittleEndian.PutUint16(block[0:2], 0x2E66) // fp16 0.1
		for i := 0; i < 32; i++ {
			block[2+i] = byte(int8(rng.Intn(255) - 127))
		}
	}
	x := make([][]float32, m)
	out := make([][]float32, m)
	for i := range x {
		x[i] = make([]float32, cols)
		for j := range x[i] {
			x[i][j] = rng.Float32()*2 - 1
		}
		// Exercise the zero-skip path on a couple of rows.
		if i%3 == 0 {
			for j := 0; j < 32; j++ {
				x[i][j] = 0
			}
		}
		out[i] = make([]float32, rows)
	}
	if err := MatMulQuantBatch(out, quant.Q8_0{}, w, x, rows, cols); err != nil {
		t.Fatalf("MatMulQuantBatch: %v", err)
	}

	dq := make([]float32, rows*cols)
	if err := (quant.Q8_0{}).Dequantize(dq, w, rows*cols); err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	ref := make([]float32, rows)
	for i := 0; i < m; i++ {
		if err := MatMulDense(ref, dq, x[i], rows, cols); err != nil {
			t.Fatalf("MatMulDense: %v", err)
		}
		for j := 0; j < rows; j++ {
			diff := math.Abs(float64(out[i][j] - ref[j]))
			if diff > 1e-4 && diff > 0.005*math.Abs(float64(ref[j])) {
				t.Errorf("out[%d][%d] = %f, ref %f", i, j, out[i][j], ref[j])
			}
		}
	}
}

func TestRMSNormUnitWeights(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	w := []float32{1, 1, 1, 1}
	eps := float32(1e-6)

	var ss float64
	for _, v := range x {
		ss += float64(v * v)
	}
	rms := math.Sqrt(ss / float64(len(x)))
	expected := make([]float32, len(x))
	for i := range x {
		expected[i] = float32(float64(x[i]) / rms)
	}

	RMSNorm(x, w, eps)
	for i := range x {
		if math.Abs(float64(x[i]-expected[i])) > 1e-5 {
			t.Errorf("RMSNorm[%d] = %f, want %f", i, x[i], expected[i])
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	Softmax(x, 4)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1.0)) > 1e-5 {
		t.Errorf("softmax sum = %f, want 1.0", sum)
	}
}

func TestSwiGLU(t *testing.T) {
	gate := []float32{0, 1, -1}
	up := []float32{2, 2, 2}
	out := make([]float32, 3)
	SwiGLUInto(out, gate, up)
	if out[0] != 0 {
		t.Errorf("SwiGLU(0)*2 = %f, want 0", out[0])
	}
	if math.Abs(float64(out[1]-2*SiLU(1))) > 1e-6 {
		t.Errorf("SwiGLU(1)*2 = %f, want %f", out[1], 2*SiLU(1))
	}
}

func TestDotTieredAgreesAcrossTiers(t *testing.T) {
	a := make([]float32, 37)
	b := make([]float32, 37)
	for i := range a {
		a[i] = float32(i) * 0.5
		b[i] = float32(37-i) * 0.25
	}
	s1 := dot1(a, b)
	s4 := dot4(a, b)
	s8 := dot8(a, b)
	if math.Abs(float64(s1-s4)) > 1e-2 {
		t.Errorf("dot4 disagrees with dot1: %f vs %f", s4, s1)
	}
	if math.Abs(float64(s1-s8)) > 1e-2 {
		t.Errorf("dot8 disagrees with dot1: %f vs %f", s8, s1)
	}
}

func TestCacheParamsForEveryTier(t *testing.T) {
	for _, tier := range []Tier{TierScalar, TierPortable, TierAVX2FMA} {
		cp := CacheParamsFor(tier)
		if cp.Mr <= 0 || cp.Nr <= 0 || cp.Kc <= 0 {
			t.Errorf("%s: invalid cache params %+v", tier, cp)
		}
	}
}
