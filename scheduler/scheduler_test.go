package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/weft/werr"
)

func echoForward(delay time.Duration) BatchFn {
	return func(ctx context.Context, batch []*Request) ([]Result, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		out := make([]Result, len(batch))
		for i, r := range batch {
			out[i] = Result{Logits: []float32{float32(r.Token)}}
		}
		return out, nil
	}
}

func TestSubmitAndReceive(t *testing.T) {
	sched := New(8, 4, 0, echoForward(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	fp := Fingerprint{ModelID: "m", Phase: PhaseDecode, ContextBudget: 1}
	r := NewRequest(context.Background(), "sess-1", fp, 7, 0, 1)
	require.NoError(t, sched.Submit(r))

	select {
	case res := <-r.Result:
		require.NoError(t, res.Err)
		require.Equal(t, float32(7), res.Logits[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestQueueFull(t *testing.T) {
	sched := New(1, 4, 50*time.Millisecond, echoForward(0))
	fp := Fingerprint{ModelID: "m", Phase: PhaseDecode, ContextBudget: 1}
	r1 := NewRequest(context.Background(), "sess-1", fp, 1, 0, 1)
	require.NoError(t, sched.Submit(r1))
	r2 := NewRequest(context.Background(), "sess-2", fp, 2, 0, 1)
	err := sched.Submit(r2)
	require.True(t, werr.Is(err, werr.QueueFull))
}

// TestCancellationAtBatchBoundary: three concurrent decode requests with
// max_batch_size=2; the second is cancelled before dispatch. The first and
// third complete, the second's channel delivers Cancelled and closes, and
// the cancelled request receives no forwarded output.
func TestCancellationAtBatchBoundary(t *testing.T) {
	sched := New(8, 2, 30*time.Millisecond, echoForward(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fp := Fingerprint{ModelID: "m", Phase: PhaseDecode, ContextBudget: 1}
	r1 := NewRequest(context.Background(), "sess-1", fp, 1, 0, 1)
	r2 := NewRequest(context.Background(), "sess-2", fp, 2, 0, 1)
	r3 := NewRequest(context.Background(), "sess-3", fp, 3, 0, 1)
	require.NoError(t, sched.Submit(r1))
	require.NoError(t, sched.Submit(r2))
	require.NoError(t, sched.Submit(r3))
	r2.Cancel()

	go sched.Run(ctx)

	wait := func(r *Request) Result {
		select {
		case res := <-r.Result:
			return res
		case <-time.After(time.Second):
			t.Fatal("timed out")
			return Result{}
		}
	}
	res1, res2, res3 := wait(r1), wait(r2), wait(r3)

	require.NoError(t, res1.Err)
	require.Equal(t, float32(1), res1.Logits[0])
	require.NoError(t, res3.Err)
	require.Equal(t, float32(3), res3.Logits[0])

	require.True(t, werr.Is(res2.Err, werr.Cancelled))
	require.Nil(t, res2.Logits, "cancelled request must receive no tokens")

	// The cancelled request's channel is closed after its terminal result.
	select {
	case _, open := <-r2.Result:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("r2 channel not closed")
	}
}

func TestSameSessionRequestsNeverShareBatch(t *testing.T) {
	var seenBatchSizes []int
	forward := func(ctx context.Context, batch []*Request) ([]Result, error) {
		seenBatchSizes = append(seenBatchSizes, len(batch))
		out := make([]Result, len(batch))
		for i := range batch {
			out[i] = Result{Logits: []float32{0}}
		}
		return out, nil
	}
	sched := New(8, 4, 10*time.Millisecond, forward)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fp := Fingerprint{ModelID: "m", Phase: PhaseDecode, ContextBudget: 1}
	r1 := NewRequest(context.Background(), "sess-1", fp, 1, 0, 1)
	r2 := NewRequest(context.Background(), "sess-1", fp, 2, 1, 1)
	require.NoError(t, sched.Submit(r1))
	require.NoError(t, sched.Submit(r2))

	go sched.Run(ctx)

	<-r1.Result
	<-r2.Result
	require.Equal(t, []int{1, 1}, seenBatchSizes)
}

func TestIncompatibleFingerprintsSplitBatches(t *testing.T) {
	var seenBatchSizes []int
	forward := func(ctx context.Context, batch []*Request) ([]Result, error) {
		seenBatchSizes = append(seenBatchSizes, len(batch))
		out := make([]Result, len(batch))
		for i := range batch {
			out[i] = Result{Logits: []float32{0}}
		}
		return out, nil
	}
	sched := New(8, 4, 10*time.Millisecond, forward)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fpA := Fingerprint{ModelID: "a", Phase: PhasePrefill, ContextBudget: 1}
	fpB := Fingerprint{ModelID: "b", Phase: PhasePrefill, ContextBudget: 1}
	r1 := NewRequest(context.Background(), "sess-a", fpA, 1, 0, 1)
	r2 := NewRequest(context.Background(), "sess-b", fpB, 2, 0, 1)
	require.NoError(t, sched.Submit(r1))
	require.NoError(t, sched.Submit(r2))

	go sched.Run(ctx)

	<-r1.Result
	<-r2.Result
	require.Equal(t, []int{1, 1}, seenBatchSizes)
}
