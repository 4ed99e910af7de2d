package model

import (
	"github.com/ariannamethod/weft/tensor"
	"github.com/ariannamethod/weft/werr"
)

// Tokenizer is an opaque external collaborator: weft never implements a
// BPE vocabulary or merge table, it only calls through this interface. A
// caller constructs one (e.g. wrapping a GGUF tokenizer section) and hands
// it to Handle.
type Tokenizer interface {
	Encode(text string) []int32
	Decode(tokens []int32) string
	// DecodeToken renders a single token id to its text piece, used by the
	// engine to check stop-strings against the decoded character stream
	// one token at a time rather than re-decoding the whole sequence.
	DecodeToken(id int32) string
}

// TensorRef names one weight tensor using the fixed GGUF-style schema:
// "token_embd.weight", "blk.<i>.attn_q.weight", and so on. Exactly one of
// Dense/Quantized is non-nil.
type TensorRef struct {
	Name      string
	Dense     *tensor.Dense
	Quantized *tensor.Quantized
}

// Handle bundles everything the forward pass needs: validated
// configuration, a name-indexed tensor table, and a tokenizer. Model
// loading (parsing a GGUF file into this shape) belongs to an external
// loader — a Handle is always constructed by the caller.
type Handle struct {
	Config    Config
	Tensors   map[string]TensorRef
	Tokenizer Tokenizer
}

// Tensor looks up a named tensor, reporting ShapeMismatch if absent —
// every name the forward pass needs is fixed at construction time, so a
// miss here means the Handle was built incorrectly.
func (h *Handle) Tensor(name string) (TensorRef, error) {
	t, ok := h.Tensors[name]
	if !ok {
		return TensorRef{}, werr.New(werr.ShapeMismatch, "model handle: missing tensor %q", name)
	}
	return t, nil
}

// dense returns a ref's dense data, or dequantizes its quantized data in
// full — used for small per-layer vectors (norm weights, biases) where
// materializing the whole tensor is cheap and simple.
func (h *Handle) dense(ref TensorRef) ([]float32, error) {
	if ref.Dense != nil {
		return ref.Dense.Data, nil
	}
	q := ref.Quantized
	n := q.Rows * q.Cols
	out := make([]float32, n)
	if err := q.Format.Dequantize(out, q.Data, n); err != nil {
		return nil, err
	}
	return out, nil
}
