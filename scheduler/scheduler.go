// Package scheduler coalesces concurrent single-token requests into shared
// forward passes: a FIFO submit queue, compatibility-fingerprinted batch
// formation with a linger window, and a per-request result channel the
// dispatcher closes once the request reaches a terminal state.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ariannamethod/weft/werr"
)

// Phase names whether a request is doing its first (prefill) or a
// subsequent (decode) forward call — the coarse compatibility axis batches
// are formed along.
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
)

// Fingerprint is the compatibility key two requests must share to be
// batched together: same model, same phase, same context budget class.
type Fingerprint struct {
	ModelID       string
	Phase         Phase
	ContextBudget int // bucketed context-length class
}

// Request is one unit of scheduled work: a token to forward for a given
// session, with a channel the scheduler delivers the resulting logits (or
// a terminal error) on. SessionID is distinct from Fingerprint: two
// requests from different sessions can share a Fingerprint (and so be
// batched together) while two requests from the same session never are,
// since only one forward call may touch a session's KV cache at a time.
type Request struct {
	ID          string
	SessionID   string
	Fingerprint Fingerprint
	Token       int32
	Pos         int
	Result      chan Result

	ctx    context.Context
	cancel context.CancelFunc
}

// Result is one Request's outcome.
type Result struct {
	Logits []float32
	Err    error
}

// NewRequest builds a Request with a fresh ID and buffered result channel.
func NewRequest(ctx context.Context, sessionID string, fp Fingerprint, token int32, pos int, bufferDepth int) *Request {
	rctx, cancel := context.WithCancel(ctx)
	return &Request{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Fingerprint: fp,
		Token:       token,
		Pos:         pos,
		Result:      make(chan Result, bufferDepth),
		ctx:         rctx,
		cancel:      cancel,
	}
}

// Cancel marks a request cancelled. Honored at the next batch boundary,
// never mid-forward-call.
func (r *Request) Cancel() { r.cancel() }

func (r *Request) cancelled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// BatchFn forwards one compatible batch of requests, returning one Result
// per request in the same order, or an error applying to the whole batch.
type BatchFn func(ctx context.Context, batch []*Request) ([]Result, error)

// Scheduler is the FIFO queue + batch former + dispatcher.
type Scheduler struct {
	mu            sync.Mutex
	queue         []*Request
	maxQueueDepth int
	maxBatchSize  int
	lingerMs      time.Duration

	forward BatchFn
	log     *logrus.Entry

	wake chan struct{}
	done chan struct{}
}

// New constructs a Scheduler. forward is called once per formed batch and
// must not retain the batch slice past its call.
func New(maxQueueDepth, maxBatchSize int, lingerMs time.Duration, forward BatchFn) *Scheduler {
	return &Scheduler{
		maxQueueDepth: maxQueueDepth,
		maxBatchSize:  maxBatchSize,
		lingerMs:      lingerMs,
		forward:       forward,
		log:           logrus.WithField("component", "scheduler"),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Submit enqueues a request, returning QueueFull if the queue is at
// max_queue_depth.
func (s *Scheduler) Submit(r *Request) error {
	s.mu.Lock()
	if len(s.queue) >= s.maxQueueDepth {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"queue_depth": len(s.queue), "max": s.maxQueueDepth}).
			Warn("submit queue full, rejecting request")
		return werr.New(werr.QueueFull, "scheduler queue at capacity %d", s.maxQueueDepth)
	}
	s.queue = append(s.queue, r)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel cancels a request by ID while it is still queued — the forward
// loop checks cancellation at the next batch boundary. A request already
// taken into a batch is no longer in the queue and is not found here;
// Request.Cancel still applies to it.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.queue {
		if r.ID == id {
			r.Cancel()
			return
		}
	}
}

// Run drives the scheduler's batch-formation loop until ctx is cancelled.
// Each iteration waits up to lingerMs after the first compatible request
// arrives, coalescing further compatible arrivals, then dispatches the
// formed batch through forward.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}

		for {
			batch := s.formBatch()
			if len(batch) == 0 {
				break
			}
			s.dispatch(ctx, batch)
		}
	}
}

// resolveCancelled posts a terminal Cancelled result and closes the
// request's channel — a cancelled request receives nothing further.
func resolveCancelled(r *Request) {
	r.Result <- Result{Err: werr.New(werr.Cancelled, "request cancelled before dispatch")}
	close(r.Result)
}

// formBatch pulls up to maxBatchSize compatible, non-cancelled requests
// from the head of the queue, honoring the linger window before closing
// the batch to catch near-simultaneous arrivals. Two requests for the same
// session are never placed in one batch — only one forward call may touch
// a session's KV cache at a time.
func (s *Scheduler) formBatch() []*Request {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	// Drop any already-cancelled head-of-line requests.
	for len(s.queue) > 0 && s.queue[0].cancelled() {
		resolveCancelled(s.queue[0])
		s.queue = s.queue[1:]
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	fp := s.queue[0].Fingerprint
	s.mu.Unlock()

	if s.lingerMs > 0 {
		time.Sleep(s.lingerMs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []*Request
	var rest []*Request
	inBatch := make(map[string]bool)
	for _, r := range s.queue {
		switch {
		case r.cancelled():
			resolveCancelled(r)
		case len(batch) < s.maxBatchSize && r.Fingerprint == fp && !inBatch[r.SessionID]:
			batch = append(batch, r)
			inBatch[r.SessionID] = true
		default:
			rest = append(rest, r)
		}
	}
	s.queue = rest
	if len(s.queue) > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return batch
}

// dispatch forwards one batch through an errgroup worker and demultiplexes
// the per-request results, closing each request's channel once its
// terminal result is posted.
func (s *Scheduler) dispatch(ctx context.Context, batch []*Request) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := s.forward(gctx, batch)
		if err != nil {
			for _, r := range batch {
				r.Result <- Result{Err: err}
				close(r.Result)
			}
			return err
		}
		for i, r := range batch {
			if r.cancelled() {
				// Cancelled mid-batch: the forward pass completed for the
				// whole batch, but this participant gets no further output.
				resolveCancelled(r)
				continue
			}
			r.Result <- results[i]
			close(r.Result)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.log.WithError(err).Warn("batch dispatch failed")
	}
}

// Depth reports the current queue length, for tests and telemetry.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
