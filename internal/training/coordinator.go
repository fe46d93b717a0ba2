package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskpool/internal/pool"
)

// WorkerSet reports which workers are currently connected and eligible to
// receive a training micro-batch (spec §4.8 step 1).
type WorkerSet interface {
	ConnectedWorkerIDs() []string
}

// BatchSource supplies the next slice of an opaque dataset, letting the
// coordinator wrap the cursor at the dataset boundary without knowing the
// dataset's shape (spec §4.8 step 6).
type BatchSource interface {
	NextBatch(n int) []any
	Len() int
}

// Sender delivers the coordinator's outbound training protocol messages
// (spec §6: TRAINING_BATCH, WEIGHT_UPDATE, WEIGHT_SYNC, TRAINING_PAUSED,
// TRAINING_RESUMED, TRAINING_STOPPED).
type Sender interface {
	SendTrainingBatch(workerID, taskID string, batch any, weightVersion, step int64, learningRate float64, gradAccumSteps int) error
	SendWeightSync(workerID string, weightVersion int64) error
	BroadcastWeightUpdate(weightVersion, step int64)
	BroadcastTrainingPaused()
	BroadcastTrainingResumed()
	BroadcastTrainingStopped()
}

// Validator runs an opaque validation pass at the configured interval and
// reports the observed loss (spec §4.8 step 5). The optimizer and model
// internals are out of the core's scope; only the loss is consumed.
type Validator func(ctx context.Context, weightVersion int64) (loss float64, err error)

// Checkpointer persists a checkpoint record (spec §4.8 step 5, §6); storage
// format is implementation-defined, per spec.
type Checkpointer interface {
	PutCheckpoint(step int64, epoch int, weightVersion int64, loss float64) error
}

// ModelUpdater applies an aggregated gradient update to the opaque model.
// The spec does not mandate a learning optimizer (spec §1 Non-goals); the
// default, if nil, is to advance the weight version without touching any
// model state.
type ModelUpdater func(gradients map[string][]float64, learningRate float64)

// CoordinatorConfig wires a Coordinator to its session, transport, dataset,
// and optional validation/checkpoint/model hooks.
type CoordinatorConfig struct {
	Session        *Session
	Workers        WorkerSet
	Dataset        BatchSource
	Sender         Sender
	Events         *pool.Bus
	Validate       Validator
	Checkpoint     Checkpointer
	ApplyGradients ModelUpdater
	CollectWindow  time.Duration
}

// Coordinator owns a Session and runs its synchronous-by-step,
// asynchronous-in-flight gradient aggregation loop (spec §4.8).
type Coordinator struct {
	cfg CoordinatorConfig

	gradientCh chan struct{}
	taskSeq    uint64

	pauseMu sync.Mutex
	paused  bool
	stopped atomic.Bool

	gradsAccepted  metric.Int64Counter
	staleDropped   metric.Int64Counter
	stepsCompleted metric.Int64Counter
}

// NewCoordinator constructs a training coordinator. cfg.CollectWindow
// defaults to the session's Cfg.CollectWindow (spec default 30s) if zero.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.CollectWindow == 0 {
		cfg.CollectWindow = cfg.Session.Cfg.CollectWindow
	}
	if cfg.CollectWindow == 0 {
		cfg.CollectWindow = 30 * time.Second
	}
	meter := otel.Meter("pool-go")
	gradsAccepted, _ := meter.Int64Counter("pool_training_gradients_accepted_total")
	staleDropped, _ := meter.Int64Counter("pool_training_gradients_stale_dropped_total")
	stepsCompleted, _ := meter.Int64Counter("pool_training_steps_completed_total")
	return &Coordinator{
		cfg:            cfg,
		gradientCh:     make(chan struct{}, 64),
		gradsAccepted:  gradsAccepted,
		staleDropped:   staleDropped,
		stepsCompleted: stepsCompleted,
	}
}

// Start runs the step loop until the configured epoch count is reached, the
// context is cancelled, or Stop is called. It returns an error only if the
// preconditions in spec §4.8 are unmet, a step cannot be delivered to any
// worker, or the context is cancelled (ctx.Err()).
func (c *Coordinator) Start(ctx context.Context) error {
	if got := len(c.cfg.Workers.ConnectedWorkerIDs()); got < c.cfg.Session.Cfg.MinWorkersForTraining {
		return fmt.Errorf("not enough workers for training: have %d, need %d", got, c.cfg.Session.Cfg.MinWorkersForTraining)
	}
	switch c.cfg.Session.GetState() {
	case StateTraining, StateValidating, StateCheckpointing, StatePaused:
		return fmt.Errorf("training session %s is already running", c.cfg.Session.ID)
	}

	c.cfg.Session.SetState(StateInitializing)
	c.cfg.Session.SetState(StateTraining)

	for {
		if ctx.Err() != nil {
			c.cfg.Session.SetState(StateFailed)
			return ctx.Err()
		}
		if c.stopped.Load() {
			c.cfg.Session.SetState(StateCompleted)
			return nil
		}
		if c.cfg.Session.Epoch >= c.cfg.Session.Cfg.Epochs {
			c.cfg.Session.SetState(StateCompleted)
			return nil
		}

		c.waitIfPaused(ctx)
		if ctx.Err() != nil {
			c.cfg.Session.SetState(StateFailed)
			return ctx.Err()
		}

		if err := c.runStep(ctx); err != nil {
			c.cfg.Session.SetState(StateFailed)
			return err
		}
	}
}

// Pause transitions Training -> Paused, broadcasting TRAINING_PAUSED
// (spec §4.8 state machine).
func (c *Coordinator) Pause() {
	c.pauseMu.Lock()
	c.paused = true
	c.pauseMu.Unlock()
	c.cfg.Session.SetState(StatePaused)
	c.cfg.Sender.BroadcastTrainingPaused()
}

// Resume transitions Paused -> Training, broadcasting TRAINING_RESUMED.
func (c *Coordinator) Resume() {
	c.pauseMu.Lock()
	c.paused = false
	c.pauseMu.Unlock()
	c.cfg.Session.SetState(StateTraining)
	c.cfg.Sender.BroadcastTrainingResumed()
}

// Stop ends the session at the next step boundary, broadcasting
// TRAINING_STOPPED.
func (c *Coordinator) Stop() {
	c.stopped.Store(true)
	c.cfg.Sender.BroadcastTrainingStopped()
}

func (c *Coordinator) waitIfPaused(ctx context.Context) {
	for {
		c.pauseMu.Lock()
		paused := c.paused
		c.pauseMu.Unlock()
		if !paused {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// HandleGradientSubmit is called by the transport layer on a GRADIENT_SUBMIT
// from workerID. A submission whose staleness exceeds MaxStaleGradients is
// answered with WEIGHT_SYNC and dropped rather than buffered (spec §4.8
// step 2, §7 StaleGradient).
func (c *Coordinator) HandleGradientSubmit(workerID string, gradients map[string][]float64, loss float64, submittedVersion int64) {
	global := c.cfg.Session.WeightVersion()
	staleness := global - submittedVersion
	if staleness < 0 {
		staleness = 0
	}

	accepted := c.cfg.Session.AcceptGradient(BufferedGradient{
		WorkerID:      workerID,
		Gradients:     gradients,
		Loss:          loss,
		WeightVersion: submittedVersion,
		Staleness:     staleness,
	})
	if !accepted {
		c.staleDropped.Add(context.Background(), 1)
		if c.cfg.Events != nil {
			c.cfg.Events.Publish(pool.Event{Type: pool.EventGradientDropped, WorkerID: workerID, At: time.Now(), Detail: "stale"})
		}
		slog.Warn("dropping gradient submission", "worker_id", workerID, "staleness", staleness, "error", ErrStaleGradient)
		if err := c.cfg.Sender.SendWeightSync(workerID, global); err != nil {
			slog.Warn("failed to send weight sync", "worker_id", workerID, "error", err)
		}
		return
	}

	c.cfg.Session.TakePending(workerID)
	c.gradsAccepted.Add(context.Background(), 1)
	select {
	case c.gradientCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) runStep(ctx context.Context) error {
	workers := c.cfg.Workers.ConnectedWorkerIDs()
	if len(workers) == 0 {
		return fmt.Errorf("no connected workers for training step")
	}

	batch := c.cfg.Dataset.NextBatch(c.cfg.Session.Cfg.BatchSize)
	micro := partitionBatch(batch, len(workers))

	version := c.cfg.Session.WeightVersion()
	step := c.cfg.Session.Step + 1

	sent := 0
	for i, w := range workers {
		if i >= len(micro) || len(micro[i]) == 0 {
			continue
		}
		taskID := c.nextTaskID(step, w)
		c.cfg.Session.RecordPending(w, PendingGradient{TaskID: taskID, SentAt: time.Now(), WeightVersion: version})
		if err := c.cfg.Sender.SendTrainingBatch(w, taskID, micro[i], version, step, c.cfg.Session.Cfg.LearningRate, c.cfg.Session.Cfg.GradientAccumulationSteps); err != nil {
			slog.Warn("failed to send training batch", "worker_id", w, "task_id", taskID, "error", err)
			c.cfg.Session.TakePending(w)
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("failed to deliver training batch to any worker for step %d", step)
	}

	gradients := c.collect(ctx)
	c.cfg.Session.ClearPending()

	newStep := c.cfg.Session.AdvanceStep()
	newVersion := version

	if len(gradients) > 0 {
		aggregated := AggregateWeighted(gradients)
		if c.cfg.ApplyGradients != nil {
			c.cfg.ApplyGradients(aggregated, c.cfg.Session.Cfg.LearningRate)
		}
		newVersion = c.cfg.Session.AdvanceWeightVersion()
		c.cfg.Session.RecordLoss(averageLoss(gradients))
		c.cfg.Sender.BroadcastWeightUpdate(newVersion, newStep)
	} else {
		slog.Warn("training step collected no gradients", "step", newStep)
	}

	c.stepsCompleted.Add(context.Background(), 1)
	if c.cfg.Events != nil {
		c.cfg.Events.Publish(pool.Event{Type: pool.EventStepCompleted, At: time.Now(), Detail: fmt.Sprintf("step=%d version=%d", newStep, newVersion)})
	}

	if c.cfg.Validate != nil && c.cfg.Session.Cfg.ValidationInterval > 0 && newStep%c.cfg.Session.Cfg.ValidationInterval == 0 {
		c.runValidation(ctx, newVersion)
	}
	if c.cfg.Checkpoint != nil && c.cfg.Session.Cfg.CheckpointInterval > 0 && newStep%c.cfg.Session.Cfg.CheckpointInterval == 0 {
		c.runCheckpoint(newStep, newVersion)
	}

	c.cfg.Session.AdvanceCursor(len(batch), c.cfg.Dataset.Len())
	return nil
}

func (c *Coordinator) runValidation(ctx context.Context, version int64) {
	c.cfg.Session.SetState(StateValidating)
	defer c.cfg.Session.SetState(StateTraining)
	loss, err := c.cfg.Validate(ctx, version)
	if err != nil {
		slog.Warn("validation pass failed", "weight_version", version, "error", err)
		return
	}
	c.cfg.Session.RecordLoss(loss)
}

func (c *Coordinator) runCheckpoint(step, version int64) {
	c.cfg.Session.SetState(StateCheckpointing)
	defer c.cfg.Session.SetState(StateTraining)
	current, _ := c.cfg.Session.Losses()
	if err := c.cfg.Checkpoint.PutCheckpoint(step, c.cfg.Session.Epoch, version, current); err != nil {
		slog.Warn("checkpoint write failed", "step", step, "error", err)
	}
}

// collect waits for buffered gradients to reach GradientAccumulationSteps
// or for the collection window to expire, whichever comes first, then
// drains whatever is buffered (possibly nothing) — spec §4.8 step 2.
func (c *Coordinator) collect(ctx context.Context) []BufferedGradient {
	deadline := time.NewTimer(c.cfg.CollectWindow)
	defer deadline.Stop()
	for {
		if c.cfg.Session.BufferLen() >= c.cfg.Session.Cfg.GradientAccumulationSteps {
			return c.cfg.Session.DrainBuffer()
		}
		select {
		case <-ctx.Done():
			return c.cfg.Session.DrainBuffer()
		case <-deadline.C:
			return c.cfg.Session.DrainBuffer()
		case <-c.gradientCh:
		}
	}
}

func (c *Coordinator) nextTaskID(step int64, workerID string) string {
	seq := atomic.AddUint64(&c.taskSeq, 1)
	return fmt.Sprintf("train_%d_%s_%d", step, workerID, seq)
}

// partitionBatch splits batch into up to numWorkers contiguous slices of
// size ceil(len(batch)/numWorkers) (spec §4.8 step 1).
func partitionBatch(batch []any, numWorkers int) [][]any {
	if numWorkers <= 0 || len(batch) == 0 {
		return nil
	}
	size := int(math.Ceil(float64(len(batch)) / float64(numWorkers)))
	if size < 1 {
		size = 1
	}
	out := make([][]any, 0, numWorkers)
	for i := 0; i < len(batch); i += size {
		end := i + size
		if end > len(batch) {
			end = len(batch)
		}
		out = append(out, batch[i:end])
	}
	return out
}

func averageLoss(gradients []BufferedGradient) float64 {
	if len(gradients) == 0 {
		return 0
	}
	total := 0.0
	for _, g := range gradients {
		total += g.Loss
	}
	return total / float64(len(gradients))
}
