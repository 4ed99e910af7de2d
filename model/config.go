package model

import "github.com/ariannamethod/weft/werr"

// NormKind selects which normalization the transformer's pre-norm and
// final-norm stages use.
type NormKind int

const (
	NormRMS NormKind = iota
	NormLayer
)

// MLPKind selects the feed-forward block's activation family.
type MLPKind int

const (
	MLPSwiGLU MLPKind = iota
	MLPGeLU
)

// Config describes a transformer's static shape and hyperparameters — the
// fields a GGUF-style metadata block would supply, already validated.
type Config struct {
	VocabSize     int
	ContextLen    int
	EmbedDim      int
	NumLayers     int
	HeadCount     int
	KVHeadCount   int
	FFNDim        int
	RopeBase      float32
	NormEps       float32
	NormKind      NormKind
	MLPKind       MLPKind
	QKVBias       bool
	SlidingWindow int // 0 = disabled, else window size in tokens
	EOSTokenID    int32
}

// Validate checks a model configuration's structural invariants before
// any tensor touches it: embedding dim must split
// evenly across attention heads, and the head count must be an integer
// multiple of the KV head count (grouped-query attention's broadcast
// factor).
func (c *Config) Validate() error {
	if c.EmbedDim <= 0 || c.HeadCount <= 0 || c.KVHeadCount <= 0 {
		return werr.New(werr.ShapeMismatch, "model config: embed_dim/head_count/kv_head_count must be positive")
	}
	if c.EmbedDim%c.HeadCount != 0 {
		return werr.New(werr.ShapeMismatch, "model config: embed_dim %d not divisible by head_count %d", c.EmbedDim, c.HeadCount)
	}
	if c.HeadCount%c.KVHeadCount != 0 {
		return werr.New(werr.ShapeMismatch, "model config: head_count %d not a multiple of kv_head_count %d", c.HeadCount, c.KVHeadCount)
	}
	if c.KVHeadCount < 1 {
		return werr.New(werr.ShapeMismatch, "model config: kv_head_count must be >= 1")
	}
	return nil
}

// HeadDim is the per-head dimension, embed_dim/head_count.
func (c *Config) HeadDim() int { return c.EmbedDim / c.HeadCount }

// GroupSize is the number of query heads sharing one KV head under GQA.
func (c *Config) GroupSize() int { return c.HeadCount / c.KVHeadCount }
