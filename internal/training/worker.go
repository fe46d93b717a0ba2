package training

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microbatch"
)

// IncomingBatch is one TRAINING_BATCH delivery the coordinator sent this
// worker (spec §4.9).
type IncomingBatch struct {
	TaskID        string
	Batch         any
	WeightVersion int64
	Step          int64
	LearningRate  float64
}

// GradientResult is what the worker reports back via GRADIENT_SUBMIT.
type GradientResult struct {
	TaskID        string
	Gradients     map[string][]float64
	Loss          float64
	BatchSize     int
	WeightVersion int64
	ComputeTime   time.Duration
}

// GradientComputer mirrors brain.GradientComputer to avoid an import cycle
// with the brain package's broader chat/embed surface.
type GradientComputer interface {
	ComputeGradients(ctx context.Context, batch any, weightVersion int64) (map[string][]float64, float64, error)
}

// Worker buffers incoming training batches behind a bounded microbatch
// queue, computes gradients via a GradientComputer, optionally sparsifies
// them, and reports WEIGHT_SYNC_REQUEST when it falls too far behind the
// coordinator's weight version (spec §4.9).
type Worker struct {
	cfg      Config
	computer GradientComputer
	onResult func(GradientResult)
	onSync   func()

	currentWeightVersion atomic.Int64
	batcher              *microbatch.Batcher[*IncomingBatch]
}

// NewWorker constructs a training worker. onResult is invoked once per
// processed batch with the gradient submission to send; onSync is invoked
// when the worker must request a weight sync before continuing.
func NewWorker(cfg Config, computer GradientComputer, onResult func(GradientResult), onSync func()) *Worker {
	w := &Worker{cfg: cfg, computer: computer, onResult: onResult, onSync: onSync}
	w.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        cfg.MaxBatchQueue,
		FlushInterval:  50 * time.Millisecond,
		MaxConcurrency: 1,
	}, w.process)
	return w
}

// Close releases the underlying batcher.
func (w *Worker) Close() error { return w.batcher.Close() }

// CurrentWeightVersion returns the worker's last known global weight version.
func (w *Worker) CurrentWeightVersion() int64 { return w.currentWeightVersion.Load() }

// OnWeightUpdate applies a WEIGHT_UPDATE broadcast.
func (w *Worker) OnWeightUpdate(version int64) { w.currentWeightVersion.Store(version) }

// Submit enqueues an incoming TRAINING_BATCH for processing, requesting a
// weight sync first if the batch is too stale (spec §4.9: "when the
// worker's batch.weightVersion < currentWeightVersion - 2").
func (w *Worker) Submit(ctx context.Context, batch *IncomingBatch) error {
	if batch.WeightVersion < w.currentWeightVersion.Load()-2 {
		if w.onSync != nil {
			w.onSync()
		}
	}
	_, err := w.batcher.Submit(ctx, batch)
	return err
}

func (w *Worker) process(ctx context.Context, batches []*IncomingBatch) error {
	for _, b := range batches {
		start := time.Now()
		gradients, loss, err := w.computer.ComputeGradients(ctx, b.Batch, b.WeightVersion)
		if err != nil {
			slog.Error("gradient computation failed", "task_id", b.TaskID, "error", err)
			continue
		}
		if w.cfg.CompressionThreshold > 0 {
			sparsify(gradients, w.cfg.CompressionThreshold)
		}
		if w.onResult != nil {
			w.onResult(GradientResult{
				TaskID:        b.TaskID,
				Gradients:     gradients,
				Loss:          loss,
				BatchSize:     batchItemCount(b.Batch),
				WeightVersion: b.WeightVersion,
				ComputeTime:   time.Since(start),
			})
		}
	}
	return nil
}

// batchItemCount reports how many samples a decoded TRAINING_BATCH payload
// carries, for the GRADIENT_SUBMIT batchSize field (spec §4.9). Batches
// arrive as a JSON array decoded into `any`, landing as `[]any`; anything
// else counts as a single item rather than failing the submission.
func batchItemCount(batch any) int {
	if items, ok := batch.([]any); ok {
		return len(items)
	}
	return 1
}

// sparsify zeroes gradient values whose magnitude is below threshold
// in-place (spec §4.9).
func sparsify(gradients map[string][]float64, threshold float64) {
	for _, values := range gradients {
		for i, v := range values {
			if v < 0 {
				v = -v
			}
			if v < threshold {
				values[i] = 0
			}
		}
	}
}
