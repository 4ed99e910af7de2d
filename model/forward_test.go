package model

import (
	"testing"

	"github.com/ariannamethod/weft/tensor"
	"github.com/ariannamethod/weft/werr"
)

// fakeCache is a minimal in-memory model.Cache for forward-pass tests —
// not the production KV store (weft/kvcache), just enough to exercise
// Forward's append/read/truncate contract.
type fakeCache struct {
	k [][]float32
	v [][]float32
}

func newFakeCache(layers int) *fakeCache {
	return &fakeCache{k: make([][]float32, layers), v: make([][]float32, layers)}
}

func (c *fakeCache) Append(layer int, k, v []float32) error {
	c.k[layer] = append(c.k[layer], append([]float32(nil), k...)...)
	c.v[layer] = append(c.v[layer], append([]float32(nil), v...)...)
	return nil
}
func (c *fakeCache) Len(layer int) int          { return len(c.k[layer]) / 2 } // headDim*kvHeads == 2 in tests
func (c *fakeCache) Keys(layer int) []float32   { return c.k[layer] }
func (c *fakeCache) Values(layer int) []float32 { return c.v[layer] }
func (c *fakeCache) Truncate(layer int, p0 int) error {
	width := 2
	c.k[layer] = c.k[layer][:p0*width]
	c.v[layer] = c.v[layer][:p0*width]
	return nil
}

type fakeTok struct{}

func (fakeTok) Encode(string) []int32       { return nil }
func (fakeTok) Decode([]int32) string       { return "" }
func (fakeTok) DecodeToken(id int32) string { return "" }

func tinyHandle(t *testing.T) *Handle {
	t.Helper()
	cfg := Config{
		VocabSize:   3,
		ContextLen:  8,
		EmbedDim:    4,
		NumLayers:   1,
		HeadCount:   2,
		KVHeadCount: 1,
		FFNDim:      4,
		RopeBase:    10000,
		NormEps:     1e-5,
		NormKind:    NormRMS,
		MLPKind:     MLPSwiGLU,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	mk := func(rows, cols int, fill float32) *tensor.Dense {
		d, err := tensor.NewDense(rows, cols)
		if err != nil {
			t.Fatalf("NewDense: %v", err)
		}
		for i := range d.Data {
			d.Data[i] = fill
		}
		return d
	}
	mkVec := func(n int, fill float32) *tensor.Dense {
		d, err := tensor.NewDense(n)
		if err != nil {
			t.Fatalf("NewDense: %v", err)
		}
		for i := range d.Data {
			d.Data[i] = fill
		}
		return d
	}

	tensors := map[string]TensorRef{
		"token_embd.weight":        {Name: "token_embd.weight", Dense: mk(3, 4, 0.1)},
		"blk.0.attn_norm.weight":   {Dense: mkVec(4, 1.0)},
		"blk.0.attn_q.weight":      {Dense: mk(4, 4, 0.05)},
		"blk.0.attn_k.weight":      {Dense: mk(2, 4, 0.05)},
		"blk.0.attn_v.weight":      {Dense: mk(2, 4, 0.05)},
		"blk.0.attn_output.weight": {Dense: mk(4, 4, 0.05)},
		"blk.0.ffn_norm.weight":    {Dense: mkVec(4, 1.0)},
		"blk.0.ffn_gate.weight":    {Dense: mk(4, 4, 0.05)},
		"blk.0.ffn_up.weight":      {Dense: mk(4, 4, 0.05)},
		"blk.0.ffn_down.weight":    {Dense: mk(4, 4, 0.05)},
		"output_norm.weight":       {Dense: mkVec(4, 1.0)},
		"output.weight":            {Dense: mk(3, 4, 0.1)},
	}
	return &Handle{Config: cfg, Tensors: tensors, Tokenizer: fakeTok{}}
}

func TestForwardProducesFiniteLogits(t *testing.T) {
	h := tinyHandle(t)
	cache := newFakeCache(h.Config.NumLayers)
	s := NewScratch(&h.Config)

	logits, err := Forward(h, cache, s, 0, 0)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(logits) != h.Config.VocabSize {
		t.Fatalf("logits len = %d, want %d", len(logits), h.Config.VocabSize)
	}
	if hasNonFinite(logits) {
		t.Fatalf("logits contain NaN/Inf: %v", logits)
	}
}

func TestForwardTwoTokensAppendsCache(t *testing.T) {
	h := tinyHandle(t)
	cache := newFakeCache(h.Config.NumLayers)
	s := NewScratch(&h.Config)

	if _, err := Forward(h, cache, s, 0, 0); err != nil {
		t.Fatalf("Forward pos0: %v", err)
	}
	if _, err := Forward(h, cache, s, 1, 1); err != nil {
		t.Fatalf("Forward pos1: %v", err)
	}
	if cache.Len(0) != 2 {
		t.Fatalf("cache length = %d, want 2", cache.Len(0))
	}
}

// TestForwardBatchMatchesSequential is the prefill/decode equivalence
// property: one batched pass over tokens 0..N must produce the same
// last-position logits (within float reassociation tolerance) as N+1
// single-token calls against a warm cache, and must leave the cache at
// the same length.
func TestForwardBatchMatchesSequential(t *testing.T) {
	h := tinyHandle(t)
	tokens := []int32{0, 1, 2}

	seqCache := newFakeCache(h.Config.NumLayers)
	s := NewScratch(&h.Config)
	var seqLast []float32
	for pos, tok := range tokens {
		logits, err := Forward(h, seqCache, s, tok, pos)
		if err != nil {
			t.Fatalf("Forward pos%d: %v", pos, err)
		}
		seqLast = append(seqLast[:0], logits...)
	}

	batchCache := newFakeCache(h.Config.NumLayers)
	rows, err := ForwardBatch(h, batchCache, tokens, 0)
	if err != nil {
		t.Fatalf("ForwardBatch: %v", err)
	}
	if len(rows) != len(tokens) {
		t.Fatalf("ForwardBatch returned %d rows, want %d", len(rows), len(tokens))
	}
	if batchCache.Len(0) != len(tokens) {
		t.Fatalf("batch cache len = %d, want %d", batchCache.Len(0), len(tokens))
	}

	batchLast := rows[len(rows)-1]
	for i := range seqLast {
		diff := float64(seqLast[i] - batchLast[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > 1e-4 {
			t.Errorf("logit[%d]: sequential %f vs batched %f", i, seqLast[i], batchLast[i])
		}
	}
}

// TestForwardEntriesDistinctCaches coalesces two sessions' decode steps
// into one call: each entry's result must match the same token forwarded
// alone, and each cache must advance independently.
func TestForwardEntriesDistinctCaches(t *testing.T) {
	h := tinyHandle(t)

	soloCache := newFakeCache(h.Config.NumLayers)
	s := NewScratch(&h.Config)
	soloLogits, err := Forward(h, soloCache, s, 1, 0)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	solo := append([]float32(nil), soloLogits...)

	cacheA := newFakeCache(h.Config.NumLayers)
	cacheB := newFakeCache(h.Config.NumLayers)
	rows, err := ForwardEntries(h, []BatchEntry{
		{Cache: cacheA, Token: 1, Pos: 0},
		{Cache: cacheB, Token: 1, Pos: 0},
	})
	if err != nil {
		t.Fatalf("ForwardEntries: %v", err)
	}
	for n, row := range rows {
		for i := range solo {
			diff := float64(solo[i] - row[i])
			if diff < 0 {
				diff = -diff
			}
			if diff > 1e-4 {
				t.Errorf("entry %d logit[%d]: solo %f vs batched %f", n, i, solo[i], row[i])
			}
		}
	}
	if cacheA.Len(0) != 1 || cacheB.Len(0) != 1 {
		t.Errorf("cache lens = %d/%d, want 1/1", cacheA.Len(0), cacheB.Len(0))
	}
}

func TestForwardMissingTensor(t *testing.T) {
	h := tinyHandle(t)
	delete(h.Tensors, "output.weight")
	cache := newFakeCache(h.Config.NumLayers)
	s := NewScratch(&h.Config)

	_, err := Forward(h, cache, s, 0, 0)
	if !werr.Is(err, werr.ShapeMismatch) {
		t.Fatalf("got %v, want ShapeMismatch", err)
	}
}
