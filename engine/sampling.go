// Package engine implements the inference driver: the prefill/decode state
// machine and the fixed-order sampling pipeline (temperature, top-k,
// softmax, min-p, top-p, seeded multinomial). Sampling state lives in an
// explicit Sampler rather than a package-wide RNG so two generations with
// the same seed reproduce the same token sequence.
package engine

import (
	"math"
	"math/rand"
	"sort"

	"github.com/ariannamethod/weft/werr"
)

// SamplingParams configures one call through the pipeline. Stages are
// applied in the fixed order temperature -> top_k -> softmax -> min_p ->
// top_p -> seeded multinomial; a parameter set to its identity value
// (TopK<=0, MinP<=0, TopP>=1) skips that stage without reordering the
// others.
type SamplingParams struct {
	Temperature float32
	TopK        int
	MinP        float32
	TopP        float32
	Seed        int64

	// RepetitionPenalty is applied to logits before temperature scaling,
	// strictly outside the five fixed pipeline stages. 1.0 disables it.
	RepetitionPenalty float32
	RecentTokens      []int32
}

type candidate struct {
	id   int32
	prob float32
}

// Sampler carries the seeded RNG one generation's sampling steps share.
// The RNG advances across steps — a fresh Sampler with the same seed
// replays the same draw sequence, which is what makes a whole generation
// reproducible rather than each step independently identical.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler constructs a Sampler whose draws are determined by seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample runs the fixed sampling pipeline over logits (consumed, not
// mutated in place — a scratch copy is taken) and returns the chosen token
// id.
func (s *Sampler) Sample(logits []float32, p SamplingParams) (int32, error) {
	if len(logits) == 0 {
		return 0, werr.New(werr.ShapeMismatch, "sample: empty logits")
	}
	work := make([]float32, len(logits))
	copy(work, logits)

	if p.RepetitionPenalty > 1.0 {
		applyRepetitionPenalty(work, p.RepetitionPenalty, p.RecentTokens)
	}

	if p.Temperature <= 0 {
		return int32(argmax(work)), nil
	}
	for i := range work {
		work[i] /= p.Temperature
	}

	cands := topK(work, p.TopK)
	softmaxCandidates(cands)
	cands = minP(cands, p.MinP)
	cands = topP(cands, p.TopP)

	return multinomial(s.rng, cands), nil
}

// Sample is the single-step convenience form: it seeds a fresh Sampler
// from p.Seed and draws once. Generation loops must hold one Sampler
// across steps instead.
func Sample(logits []float32, p SamplingParams) (int32, error) {
	return NewSampler(p.Seed).Sample(logits, p)
}

func applyRepetitionPenalty(logits []float32, penalty float32, recent []int32) {
	for _, tok := range recent {
		if tok < 0 || int(tok) >= len(logits) {
			continue
		}
		l := logits[tok]
		if l > 0 {
			logits[tok] = l / penalty
		} else {
			logits[tok] = l * penalty
		}
	}
}

func argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

// topK keeps the k highest-logit candidates (k<=0 or k>=len(logits) keeps
// everything) via bounded insertion into a k-sized slice.
func topK(logits []float32, k int) []candidate {
	n := len(logits)
	if k <= 0 || k > n {
		k = n
	}
	top := make([]candidate, k)
	for i := range top {
		top[i] = candidate{-1, -1e30}
	}
	for i := 0; i < n; i++ {
		if logits[i] > top[k-1].prob {
			top[k-1] = candidate{int32(i), logits[i]}
			for j := k - 1; j > 0 && top[j].prob > top[j-1].prob; j-- {
				top[j], top[j-1] = top[j-1], top[j]
			}
		}
	}
	out := top[:0]
	for _, c := range top {
		if c.id >= 0 {
			out = append(out, c)
		}
	}
	return out
}

// softmaxCandidates normalizes cands' logits into probabilities in place,
// two-pass max-subtract for stability (matches kernel.Softmax's approach).
func softmaxCandidates(cands []candidate) {
	if len(cands) == 0 {
		return
	}
	max := cands[0].prob
	for _, c := range cands {
		if c.prob > max {
			max = c.prob
		}
	}
	var sum float32
	for i := range cands {
		v := float32(math.Exp(float64(cands[i].prob - max)))
		cands[i].prob = v
		sum += v
	}
	inv := float32(1.0) / sum
	for i := range cands {
		cands[i].prob *= inv
	}
}

// minP drops candidates whose probability is below minP * the top
// candidate's probability. minP<=0 is a no-op.
func minP(cands []candidate, p float32) []candidate {
	if p <= 0 || len(cands) == 0 {
		return cands
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })
	threshold := cands[0].prob * p
	out := cands[:0]
	for _, c := range cands {
		if c.prob >= threshold {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = append(out, cands[0])
	}
	return renormalize(out)
}

// topP keeps the smallest prefix (sorted descending) whose cumulative
// probability reaches p — nucleus sampling. p>=1 is a no-op.
func topP(cands []candidate, p float32) []candidate {
	if p >= 1 || len(cands) == 0 {
		return cands
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })
	var cum float32
	cut := len(cands)
	for i, c := range cands {
		cum += c.prob
		if cum >= p {
			cut = i + 1
			break
		}
	}
	return renormalize(cands[:cut])
}

func renormalize(cands []candidate) []candidate {
	var sum float32
	for _, c := range cands {
		sum += c.prob
	}
	if sum <= 0 {
		return cands
	}
	inv := float32(1.0) / sum
	for i := range cands {
		cands[i].prob *= inv
	}
	return cands
}

func multinomial(rng *rand.Rand, cands []candidate) int32 {
	if len(cands) == 0 {
		return 0
	}
	r := rng.Float32()
	var cdf float32
	for _, c := range cands {
		cdf += c.prob
		if r <= cdf {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}
