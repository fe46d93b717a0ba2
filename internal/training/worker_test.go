package training

import (
	"context"
	"testing"
	"time"
)

type fakeComputer struct {
	gradients map[string][]float64
	loss      float64
}

func (f fakeComputer) ComputeGradients(ctx context.Context, batch any, weightVersion int64) (map[string][]float64, float64, error) {
	return f.gradients, f.loss, nil
}

func TestWorkerSubmitProducesGradientResult(t *testing.T) {
	results := make(chan GradientResult, 1)
	cfg := DefaultConfig()
	w := NewWorker(cfg, fakeComputer{gradients: map[string][]float64{"w": {1.0, 2.0}}, loss: 0.1},
		func(r GradientResult) { results <- r },
		func() {},
	)
	defer w.Close()

	err := w.Submit(context.Background(), &IncomingBatch{TaskID: "t1", Batch: "data", WeightVersion: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case r := <-results:
		if r.TaskID != "t1" || r.Loss != 0.1 {
			t.Fatalf("unexpected gradient result: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for gradient result")
	}
}

func TestWorkerSubmitReportsBatchSizeFromDecodedItems(t *testing.T) {
	results := make(chan GradientResult, 1)
	w := NewWorker(DefaultConfig(), fakeComputer{gradients: map[string][]float64{"w": {1.0}}},
		func(r GradientResult) { results <- r },
		func() {},
	)
	defer w.Close()

	items := []any{"sample-0", "sample-1", "sample-2"}
	if err := w.Submit(context.Background(), &IncomingBatch{TaskID: "t1", Batch: items, WeightVersion: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case r := <-results:
		if r.BatchSize != len(items) {
			t.Fatalf("expected batch size %d, got %d", len(items), r.BatchSize)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for gradient result")
	}
}

func TestBatchItemCountFallsBackToOneForNonSliceBatch(t *testing.T) {
	if got := batchItemCount("data"); got != 1 {
		t.Fatalf("expected fallback count 1 for a non-slice batch, got %d", got)
	}
	if got := batchItemCount([]any{1, 2, 3, 4}); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
}

func TestWorkerSubmitRequestsSyncWhenTooStale(t *testing.T) {
	synced := make(chan struct{}, 1)
	w := NewWorker(DefaultConfig(), fakeComputer{gradients: map[string][]float64{"w": {1.0}}},
		func(GradientResult) {},
		func() { synced <- struct{}{} },
	)
	defer w.Close()
	w.OnWeightUpdate(10)

	_ = w.Submit(context.Background(), &IncomingBatch{TaskID: "t1", Batch: "data", WeightVersion: 5})

	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatalf("expected a weight sync request for a batch 5 versions behind")
	}
}

func TestWorkerSubmitDoesNotSyncWhenWithinBound(t *testing.T) {
	synced := make(chan struct{}, 1)
	results := make(chan GradientResult, 1)
	w := NewWorker(DefaultConfig(), fakeComputer{gradients: map[string][]float64{"w": {1.0}}},
		func(r GradientResult) { results <- r },
		func() { synced <- struct{}{} },
	)
	defer w.Close()
	w.OnWeightUpdate(10)

	_ = w.Submit(context.Background(), &IncomingBatch{TaskID: "t1", Batch: "data", WeightVersion: 9})

	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for gradient result")
	}
	select {
	case <-synced:
		t.Fatalf("should not have requested a sync within the staleness bound")
	default:
	}
}

func TestSparsifyZeroesBelowThreshold(t *testing.T) {
	gradients := map[string][]float64{"w": {0.0001, -0.0001, 0.5, -0.5}}
	sparsify(gradients, 0.001)
	want := []float64{0, 0, 0.5, -0.5}
	for i, v := range gradients["w"] {
		if v != want[i] {
			t.Fatalf("index %d: got %v, want %v", i, v, want[i])
		}
	}
}
