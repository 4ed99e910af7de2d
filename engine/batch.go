package engine

import (
	"context"

	"github.com/ariannamethod/weft/model"
	"github.com/ariannamethod/weft/scheduler"
	"github.com/ariannamethod/weft/werr"
)

// SessionResolver looks up the per-session KV cache a scheduler.Request's
// forward call needs. The scheduler only holds a session id string while a
// generation is in flight; this is where that id is turned into the actual
// model.Cache handle the forward pass mutates.
type SessionResolver func(sessionID string) (model.Cache, error)

// NewBatchForward builds a scheduler.BatchFn that folds a formed batch
// into one model.ForwardEntries call. This is the point of coalescing:
// the weight-bound QKV and MLP projections — which dominate decode cost
// and touch no per-session state — run as single blocked matmuls across
// every participant, so each dequantized weight panel is read once per
// batch instead of once per request, while KV appends and attention still
// loop per session inside the model. Requests whose session fails to
// resolve are failed individually; a forward-pass error is fatal for
// every remaining participant.
func NewBatchForward(h *model.Handle, resolve SessionResolver) scheduler.BatchFn {
	return func(ctx context.Context, batch []*scheduler.Request) ([]scheduler.Result, error) {
		results := make([]scheduler.Result, len(batch))
		entries := make([]model.BatchEntry, 0, len(batch))
		live := make([]int, 0, len(batch))
		for i, req := range batch {
			cache, err := resolve(req.SessionID)
			if err != nil {
				results[i] = scheduler.Result{Err: werr.Wrap(werr.ShapeMismatch, err, "batch forward: resolve session %s", req.SessionID)}
				continue
			}
			entries = append(entries, model.BatchEntry{Cache: cache, Token: req.Token, Pos: req.Pos})
			live = append(live, i)
		}
		if len(entries) == 0 {
			return results, nil
		}

		logits, err := model.ForwardEntries(h, entries)
		if err != nil {
			for _, i := range live {
				results[i] = scheduler.Result{Err: err}
			}
			return results, nil
		}
		for n, i := range live {
			results[i] = scheduler.Result{Logits: logits[n]}
		}
		return results, nil
	}
}
