package engine

import (
	"context"
	"strings"
	"time"

	"github.com/ariannamethod/weft/model"
	"github.com/ariannamethod/weft/werr"
)

// FinishReason names why generation stopped. Stop conditions are checked
// in a fixed order after every token: EOS, stop-string, max_output_tokens,
// cancellation, timeout.
type FinishReason int

const (
	FinishUnspecified FinishReason = iota
	FinishCompleted
	FinishStopSequence
	FinishLength
	FinishCancelled
	FinishTimeout
	FinishError
)

func (f FinishReason) String() string {
	switch f {
	case FinishCompleted:
		return "completed"
	case FinishStopSequence:
		return "stop_sequence"
	case FinishLength:
		return "length"
	case FinishCancelled:
		return "cancelled"
	case FinishTimeout:
		return "timeout"
	case FinishError:
		return "error"
	default:
		return "unspecified"
	}
}

// GenerateParams configures one prefill+decode run.
type GenerateParams struct {
	MaxOutputTokens int
	StopStrings     []string
	Timeout         time.Duration
	Sampling        SamplingParams
}

// GenerateResult is one run's outcome.
type GenerateResult struct {
	Text   string
	Tokens []int32
	Finish FinishReason
}

// Generate prefills the whole prompt with one batched forward pass, then
// decodes up to MaxOutputTokens new tokens one single-token forward call
// at a time, sampling each from the fixed pipeline and checking stop
// conditions in order. On a NumericalDivergence, cache rollback has
// already happened inside the forward pass; Generate simply propagates
// the error.
func Generate(ctx context.Context, h *model.Handle, cache model.Cache, scratch *model.Scratch, promptTokens []int32, params GenerateParams) (GenerateResult, error) {
	if len(promptTokens)+params.MaxOutputTokens > h.Config.ContextLen {
		return GenerateResult{}, werr.New(werr.ContextOverflow,
			"generate: prompt (%d tokens) + max_output_tokens (%d) exceeds context length %d",
			len(promptTokens), params.MaxOutputTokens, h.Config.ContextLen)
	}

	var deadline <-chan time.Time
	if params.Timeout > 0 {
		timer := time.NewTimer(params.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if len(promptTokens) == 0 {
		return GenerateResult{}, werr.New(werr.ShapeMismatch, "generate: empty prompt")
	}

	// Prefill: the whole prompt goes through one batched forward pass,
	// populating the KV cache for every position; the last row's logits
	// seed the decode loop.
	prefillLogits, err := model.ForwardBatch(h, cache, promptTokens, 0)
	if err != nil {
		return GenerateResult{}, err
	}
	logits := prefillLogits[len(prefillLogits)-1]
	pos := len(promptTokens)

	var outTokens []int32
	var text strings.Builder
	params.Sampling.RecentTokens = append([]int32(nil), promptTokens...)
	sampler := NewSampler(params.Sampling.Seed)

	for step := 0; ; step++ {
		next, err := sampler.Sample(logits, params.Sampling)
		if err != nil {
			return GenerateResult{}, err
		}

		// Stop conditions in fixed order: EOS, stop-string,
		// max_output_tokens, cancellation, timeout. Each is evaluated
		// against this step's freshly produced token before moving on.
		if next == h.Config.EOSTokenID {
			return result(outTokens, text.String(), FinishCompleted), nil
		}

		piece := h.Tokenizer.DecodeToken(next)
		text.WriteString(piece)
		outTokens = append(outTokens, next)
		params.Sampling.RecentTokens = append(params.Sampling.RecentTokens, next)

		if end, ok := firstStopMatch(text.String(), params.StopStrings); ok {
			return result(outTokens, text.String()[:end], FinishStopSequence), nil
		}

		if step+1 >= params.MaxOutputTokens {
			return result(outTokens, text.String(), FinishLength), nil
		}

		select {
		case <-ctx.Done():
			return result(outTokens, text.String(), FinishCancelled), nil
		default:
		}

		select {
		case <-deadline:
			return result(outTokens, text.String(), FinishTimeout), nil
		default:
		}

		l, err := model.Forward(h, cache, scratch, next, pos)
		if err != nil {
			return GenerateResult{}, err
		}
		logits = l
		pos++

		if pos >= h.Config.ContextLen {
			return result(outTokens, text.String(), FinishLength), nil
		}
	}
}

func result(tokens []int32, text string, reason FinishReason) GenerateResult {
	return GenerateResult{Text: text, Tokens: tokens, Finish: reason}
}

// firstStopMatch returns the end offset of the earliest-completing stop
// string occurrence in text, so a stop string split across several decode
// steps still terminates generation at the character position where it
// first completes rather than only when it happens to land at the tail.
func firstStopMatch(text string, stops []string) (int, bool) {
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 {
			end := idx + len(s)
			if best == -1 || end < best {
				best = end
			}
		}
	}
	return best, best >= 0
}
