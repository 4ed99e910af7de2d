package model

import (
	"fmt"
	"math"

	"github.com/ariannamethod/weft/kernel"
	"github.com/ariannamethod/weft/werr"
)

// Cache is the per-layer KV append/read surface weft/kvcache.Session
// satisfies. Kept here rather than importing weft/kvcache so the forward
// pass depends only on the narrow append/read contract it actually needs,
// not the store's eviction and pooling machinery.
type Cache interface {
	// Append adds one position's K/V vectors for layer l.
	Append(layer int, k, v []float32) error
	// Len reports the current sequence length for layer l.
	Len(layer int) int
	// Keys/Values return the [0:Len) run of per-position vectors for
	// layer l, concatenated in position order.
	Keys(layer int) []float32
	Values(layer int) []float32
	// Truncate rolls a layer's sequence length back to p0, used for
	// NumericalDivergence rollback.
	Truncate(layer int, p0 int) error
}

// Scratch holds the single-token forward pass's reusable buffers so
// repeated decode calls don't allocate on every token.
type Scratch struct {
	x       []float32
	normed  []float32
	q       []float32
	k       []float32
	v       []float32
	attnOut []float32
	proj    []float32
	gate    []float32
	up      []float32
	ffnOut  []float32
	scores  []float32
	logits  []float32
}

// NewScratch allocates a Scratch sized for cfg.
func NewScratch(cfg *Config) *Scratch {
	return &Scratch{
		x:       make([]float32, cfg.EmbedDim),
		normed:  make([]float32, cfg.EmbedDim),
		q:       make([]float32, cfg.EmbedDim),
		k:       make([]float32, cfg.KVHeadCount*cfg.HeadDim()),
		v:       make([]float32, cfg.KVHeadCount*cfg.HeadDim()),
		attnOut: make([]float32, cfg.EmbedDim),
		proj:    make([]float32, cfg.EmbedDim),
		gate:    make([]float32, cfg.FFNDim),
		up:      make([]float32, cfg.FFNDim),
		ffnOut:  make([]float32, cfg.EmbedDim),
		scores:  make([]float32, cfg.ContextLen),
		logits:  make([]float32, cfg.VocabSize),
	}
}

// Forward runs one token through the full transformer: embed, per-layer
// pre-norm/QKV/RoPE/KV-append/attend/out-proj-residual/MLP-residual, final
// norm, LM head. pos is the token's absolute position in the sequence
// (0 for the first prefill token). Returns the vocabulary logits for the
// next token. This is the decode path; its projections run through the
// streaming M=1 kernel. Prefill goes through ForwardBatch instead.
//
// On NaN/Inf anywhere in the computed logits, every layer's cache entry
// appended during this call is rolled back to pos (its length before this
// call) and a NumericalDivergence error is returned.
func Forward(h *Handle, cache Cache, s *Scratch, token int32, pos int) ([]float32, error) {
	cfg := &h.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := embed(h, token, s.x); err != nil {
		return nil, err
	}

	headDim := cfg.HeadDim()
	group := cfg.GroupSize()
	appended := 0

	for l := 0; l < cfg.NumLayers; l++ {
		if err := preAttention(h, cfg, s, l, pos, headDim); err != nil {
			return nil, rollback(cache, appended, pos, err)
		}
		if err := cache.Append(l, s.k, s.v); err != nil {
			return nil, rollback(cache, appended, pos, err)
		}
		appended++

		if err := attendRow(cache, cfg, s.q, s.attnOut, s.scores, l, pos, headDim, group); err != nil {
			return nil, rollback(cache, appended, pos, err)
		}
		if err := projectAndResidual(h, fmt.Sprintf("blk.%d.attn_output.weight", l), s.attnOut, s.x, s.proj); err != nil {
			return nil, rollback(cache, appended, pos, err)
		}

		if err := feedForward(h, cfg, s, l); err != nil {
			return nil, rollback(cache, appended, pos, err)
		}
	}

	if err := finalNormAndHead(h, cfg, s); err != nil {
		return nil, rollback(cache, appended, pos, err)
	}
	if hasNonFinite(s.logits) {
		return nil, rollback(cache, appended, pos, werr.New(werr.NumericalDivergence, "non-finite logit at position %d", pos))
	}
	return s.logits, nil
}

func rollback(cache Cache, appended, pos int, cause error) error {
	for l := 0; l < appended; l++ {
		_ = cache.Truncate(l, pos)
	}
	return cause
}

// BatchEntry pairs one token with the cache and absolute position it is
// forwarded against. Entries in one call may share a cache (prefill: one
// session, consecutive positions) or hold distinct ones (a coalesced
// decode step across sessions) — never two entries for the same session
// at the same time.
type BatchEntry struct {
	Cache Cache
	Token int32
	Pos   int
}

// ForwardBatch runs T tokens through the transformer in one call, starting
// at absolute position p0, appending all T positions to cache and
// returning one vocabulary logit row per token. This is the prefill entry
// point: the whole prompt goes through one batched pass instead of T
// single-token calls.
func ForwardBatch(h *Handle, cache Cache, tokens []int32, p0 int) ([][]float32, error) {
	entries := make([]BatchEntry, len(tokens))
	for i, tok := range tokens {
		entries[i] = BatchEntry{Cache: cache, Token: tok, Pos: p0 + i}
	}
	return ForwardEntries(h, entries)
}

// batchState holds one batched forward call's per-row activation buffers.
// Allocated per call: prefill happens once per generation and decode
// batches are re-formed every step, so the buffers are short-lived by
// construction.
type batchState struct {
	xs      [][]float32
	normed  [][]float32
	q       [][]float32
	k       [][]float32
	v       [][]float32
	attnOut [][]float32
	proj    [][]float32
	gate    [][]float32
	up      [][]float32
	scores  []float32
}

func newBatchState(cfg *Config, t int) *batchState {
	rows := func(n int) [][]float32 {
		out := make([][]float32, t)
		for i := range out {
			out[i] = make([]float32, n)
		}
		return out
	}
	kvDim := cfg.KVHeadCount * cfg.HeadDim()
	return &batchState{
		xs:      rows(cfg.EmbedDim),
		normed:  rows(cfg.EmbedDim),
		q:       rows(cfg.EmbedDim),
		k:       rows(kvDim),
		v:       rows(kvDim),
		attnOut: rows(cfg.EmbedDim),
		proj:    rows(cfg.EmbedDim),
		gate:    rows(cfg.FFNDim),
		up:      rows(cfg.FFNDim),
		scores:  make([]float32, cfg.ContextLen),
	}
}

// ForwardEntries is the batched forward core shared by prefill and the
// scheduler's coalesced decode step. The weight-bound projections — QKV,
// the attention output, and the MLP matmuls, which touch no per-session
// state — run once per batch through the blocked batch kernel, so each
// dequantized weight panel is amortized across every row. KV appends and
// attention loop per entry, since those read and write per-session cache
// state. All K/V rows are appended before any row attends, so later
// prompt positions sharing a cache see earlier ones through the causal
// window.
//
// On any failure, every layer's appends are rolled back to each entry's
// own starting position before the error is returned.
func ForwardEntries(h *Handle, entries []BatchEntry) ([][]float32, error) {
	cfg := &h.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := len(entries)
	if t == 0 {
		return nil, werr.New(werr.ShapeMismatch, "forward: empty batch")
	}

	headDim := cfg.HeadDim()
	group := cfg.GroupSize()
	bs := newBatchState(cfg, t)

	for i, e := range entries {
		if err := embed(h, e.Token, bs.xs[i]); err != nil {
			return nil, err
		}
	}

	for l := 0; l < cfg.NumLayers; l++ {
		fail := func(err error) error { return rollbackEntries(entries, l+1, err) }

		for i := range entries {
			if err := normInto(h, cfg, bs.normed[i], bs.xs[i], fmt.Sprintf("blk.%d.attn_norm.weight", l)); err != nil {
				return nil, fail(err)
			}
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.attn_q.weight", l), bs.normed, bs.q); err != nil {
			return nil, fail(err)
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.attn_k.weight", l), bs.normed, bs.k); err != nil {
			return nil, fail(err)
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.attn_v.weight", l), bs.normed, bs.v); err != nil {
			return nil, fail(err)
		}
		for i, e := range entries {
			ropeInplace(bs.q[i], cfg.HeadCount, headDim, e.Pos, cfg.RopeBase)
			ropeInplace(bs.k[i], cfg.KVHeadCount, headDim, e.Pos, cfg.RopeBase)
		}
		for i, e := range entries {
			if err := e.Cache.Append(l, bs.k[i], bs.v[i]); err != nil {
				return nil, fail(err)
			}
		}
		for i, e := range entries {
			if err := attendRow(e.Cache, cfg, bs.q[i], bs.attnOut[i], bs.scores, l, e.Pos, headDim, group); err != nil {
				return nil, fail(err)
			}
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.attn_output.weight", l), bs.attnOut, bs.proj); err != nil {
			return nil, fail(err)
		}
		for i := range entries {
			kernel.AddInto(bs.xs[i], bs.xs[i], bs.proj[i])
		}

		for i := range entries {
			if err := normInto(h, cfg, bs.normed[i], bs.xs[i], fmt.Sprintf("blk.%d.ffn_norm.weight", l)); err != nil {
				return nil, fail(err)
			}
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.ffn_gate.weight", l), bs.normed, bs.gate); err != nil {
			return nil, fail(err)
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.ffn_up.weight", l), bs.normed, bs.up); err != nil {
			return nil, fail(err)
		}
		for i := range entries {
			switch cfg.MLPKind {
			case MLPSwiGLU:
				kernel.SwiGLUInto(bs.gate[i], bs.gate[i], bs.up[i])
			case MLPGeLU:
				for j := range bs.gate[i] {
					bs.gate[i][j] = kernel.GeLUTanh(bs.gate[i][j]) * bs.up[i][j]
				}
			}
		}
		if err := projectBatch(h, fmt.Sprintf("blk.%d.ffn_down.weight", l), bs.gate, bs.proj); err != nil {
			return nil, fail(err)
		}
		for i := range entries {
			kernel.AddInto(bs.xs[i], bs.xs[i], bs.proj[i])
		}
	}

	fail := func(err error) error { return rollbackEntries(entries, cfg.NumLayers, err) }
	for i := range entries {
		if err := normInto(h, cfg, bs.normed[i], bs.xs[i], "output_norm.weight"); err != nil {
			return nil, fail(err)
		}
	}
	logits := make([][]float32, t)
	for i := range logits {
		logits[i] = make([]float32, cfg.VocabSize)
	}
	if err := projectBatch(h, "output.weight", bs.normed, logits); err != nil {
		return nil, fail(err)
	}
	for i := range logits {
		if hasNonFinite(logits[i]) {
			return nil, fail(werr.New(werr.NumericalDivergence, "non-finite logit at position %d", entries[i].Pos))
		}
	}
	return logits, nil
}

// rollbackEntries truncates the first `layers` layers of every entry's
// cache back to that entry's starting position, walking entries in reverse
// so a shared prefill cache unwinds from its newest position down to p0.
func rollbackEntries(entries []BatchEntry, layers int, cause error) error {
	for i := len(entries) - 1; i >= 0; i-- {
		for l := 0; l < layers; l++ {
			_ = entries[i].Cache.Truncate(l, entries[i].Pos)
		}
	}
	return cause
}

func hasNonFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

func embed(h *Handle, token int32, out []float32) error {
	ref, err := h.Tensor("token_embd.weight")
	if err != nil {
		return err
	}
	if ref.Dense != nil {
		dim := h.Config.EmbedDim
		off := int(token) * dim
		if off+dim > len(ref.Dense.Data) {
			return werr.New(werr.ShapeMismatch, "embed lookup: token %d out of range", token)
		}
		copy(out, ref.Dense.Data[off:off+dim])
		return nil
	}
	row, err := kernel.EmbedRow(ref.Quantized.Format, ref.Quantized.Data, int(token), h.Config.EmbedDim)
	if err != nil {
		return err
	}
	copy(out, row)
	return nil
}

func preAttention(h *Handle, cfg *Config, s *Scratch, layer, pos, headDim int) error {
	if err := normInto(h, cfg, s.normed, s.x, fmt.Sprintf("blk.%d.attn_norm.weight", layer)); err != nil {
		return err
	}
	if err := project(h, fmt.Sprintf("blk.%d.attn_q.weight", layer), s.normed, s.q); err != nil {
		return err
	}
	if err := project(h, fmt.Sprintf("blk.%d.attn_k.weight", layer), s.normed, s.k); err != nil {
		return err
	}
	if err := project(h, fmt.Sprintf("blk.%d.attn_v.weight", layer), s.normed, s.v); err != nil {
		return err
	}
	ropeInplace(s.q, cfg.HeadCount, headDim, pos, cfg.RopeBase)
	ropeInplace(s.k, cfg.KVHeadCount, headDim, pos, cfg.RopeBase)
	return nil
}

// ropeInplace applies absolute-position rotary embedding to each head's
// vector, rotating each dimension pair (i, i+headDim/2) by an angle that
// shrinks geometrically across the head dimension.
func ropeInplace(x []float32, heads, headDim int, pos int, base float32) {
	half := headDim / 2
	for hd := 0; hd < heads; hd++ {
		off := hd * headDim
		for i := 0; i < half; i++ {
			freq := float32(1.0 / math.Pow(float64(base), float64(2*i)/float64(headDim)))
			angle := float32(pos) * freq
			cos := float32(math.Cos(float64(angle)))
			sin := float32(math.Sin(float64(angle)))
			a := x[off+i]
			b := x[off+i+half]
			x[off+i] = a*cos - b*sin
			x[off+i+half] = a*sin + b*cos
		}
	}
}

// attendRow computes one position's attention output over cache layer
// `layer`: causal (and optionally sliding-window) masked scores against
// every cached key, softmax, then the weighted value sum. KV heads are
// broadcast to query-head groups by index arithmetic, never by copying.
func attendRow(cache Cache, cfg *Config, q, attnOut, scores []float32, layer, pos, headDim, group int) error {
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	keys := cache.Keys(layer)
	values := cache.Values(layer)
	seqLen := cache.Len(layer)

	windowStart := 0
	if cfg.SlidingWindow > 0 && pos-cfg.SlidingWindow+1 > 0 {
		windowStart = pos - cfg.SlidingWindow + 1
	}

	for h := 0; h < cfg.HeadCount; h++ {
		kvHead := h / group
		qOff := h * headDim
		qh := q[qOff : qOff+headDim]

		n := 0
		for t := windowStart; t <= pos && t < seqLen; t++ {
			kOff := t*cfg.KVHeadCount*headDim + kvHead*headDim
			k := keys[kOff : kOff+headDim]
			var dot float32
			for d := 0; d < headDim; d++ {
				dot += qh[d] * k[d]
			}
			scores[n] = dot * scale
			n++
		}
		if n == 0 {
			return werr.New(werr.ShapeMismatch, "attention: empty causal window at pos %d", pos)
		}
		kernel.Softmax(scores[:n], n)

		out := attnOut[qOff : qOff+headDim]
		for d := range out {
			out[d] = 0
		}
		idx := 0
		for t := windowStart; t <= pos && t < seqLen; t++ {
			vOff := t*cfg.KVHeadCount*headDim + kvHead*headDim
			v := values[vOff : vOff+headDim]
			w := scores[idx]
			for d := 0; d < headDim; d++ {
				out[d] += w * v[d]
			}
			idx++
		}
	}
	return nil
}

func feedForward(h *Handle, cfg *Config, s *Scratch, layer int) error {
	if err := normInto(h, cfg, s.normed, s.x, fmt.Sprintf("blk.%d.ffn_norm.weight", layer)); err != nil {
		return err
	}
	if err := project(h, fmt.Sprintf("blk.%d.ffn_gate.weight", layer), s.normed, s.gate); err != nil {
		return err
	}
	if err := project(h, fmt.Sprintf("blk.%d.ffn_up.weight", layer), s.normed, s.up); err != nil {
		return err
	}
	switch cfg.MLPKind {
	case MLPSwiGLU:
		kernel.SwiGLUInto(s.gate, s.gate, s.up)
	case MLPGeLU:
		for i := range s.gate {
			s.gate[i] = kernel.GeLUTanh(s.gate[i]) * s.up[i]
		}
	}
	return projectAndResidual(h, fmt.Sprintf("blk.%d.ffn_down.weight", layer), s.gate, s.x, s.ffnOut)
}

func finalNormAndHead(h *Handle, cfg *Config, s *Scratch) error {
	if err := normInto(h, cfg, s.normed, s.x, "output_norm.weight"); err != nil {
		return err
	}
	return project(h, "output.weight", s.normed, s.logits)
}

func normInto(h *Handle, cfg *Config, out, x []float32, weightName string) error {
	ref, err := h.Tensor(weightName)
	if err != nil {
		return err
	}
	w, err := h.dense(ref)
	if err != nil {
		return err
	}
	switch cfg.NormKind {
	case NormLayer:
		biasRef, err := h.Tensor(weightName[:len(weightName)-len("weight")] + "bias")
		if err != nil {
			// Layer norm without a stored bias term defaults to a zero bias.
			kernel.LayerNormInto(out, x, w, zeroBias(len(x)), cfg.NormEps)
			return nil
		}
		b, err := h.dense(biasRef)
		if err != nil {
			return err
		}
		kernel.LayerNormInto(out, x, w, b, cfg.NormEps)
	default:
		kernel.RMSNormInto(out, x, w, cfg.NormEps)
	}
	return nil
}

func zeroBias(n int) []float32 {
	return make([]float32, n)
}

// project computes out = W @ x for a named weight tensor, dispatching to
// the dense kernel or the streaming M=1 quantized kernel depending on how
// the tensor is stored.
func project(h *Handle, weightName string, x, out []float32) error {
	ref, err := h.Tensor(weightName)
	if err != nil {
		return err
	}
	rows := len(out)
	cols := len(x)
	if ref.Dense != nil {
		return kernel.MatMulDense(out, ref.Dense.Data, x, rows, cols)
	}
	return kernel.MatMulQuantDecode(out, ref.Quantized.Format, ref.Quantized.Data, x, rows, cols)
}

// projectBatch computes out[i] = W @ x[i] for every batch row. Quantized
// weights go through the blocked batch kernel in one call, so each packed
// weight panel is dequantized once for the whole batch.
func projectBatch(h *Handle, weightName string, x, out [][]float32) error {
	ref, err := h.Tensor(weightName)
	if err != nil {
		return err
	}
	rows := len(out[0])
	cols := len(x[0])
	if ref.Dense != nil {
		for i := range x {
			if err := kernel.MatMulDense(out[i], ref.Dense.Data, x[i], rows, cols); err != nil {
				return err
			}
		}
		return nil
	}
	return kernel.MatMulQuantBatch(out, ref.Quantized.Format, ref.Quantized.Data, x, rows, cols)
}

// projectAndResidual computes residual = base + W @ x, reusing scratch as
// the projection's temporary output.
func projectAndResidual(h *Handle, weightName string, x, base, scratch []float32) error {
	if err := project(h, weightName, x, scratch); err != nil {
		return err
	}
	kernel.AddInto(base, base, scratch)
	return nil
}
