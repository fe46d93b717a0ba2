// Command worker connects to a coordinator, executes assigned tasks via a
// local Brain, and participates in the training control loop (spec §4.6,
// §4.9). The Brain itself is an external collaborator (spec §1 Non-goals);
// this binary ships a small simulated Brain so the worker is runnable
// standalone, the way a reference implementation would for a smoke test.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/swarmguard/taskpool/internal/brain"
	"github.com/swarmguard/taskpool/internal/logging"
	"github.com/swarmguard/taskpool/internal/otelinit"
	"github.com/swarmguard/taskpool/internal/training"
	"github.com/swarmguard/taskpool/internal/transport"
)

// simBrain is a deterministic stand-in for the real local-model adapter:
// enough behavior to exercise the Worker Client and Training Worker paths
// without an actual inference runtime.
type simBrain struct{}

func (simBrain) Chat(ctx context.Context, messages []brain.ChatMessage, options brain.ChatOptions) (brain.ChatResult, error) {
	var last string
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	return brain.ChatResult{Content: fmt.Sprintf("echo: %s", last)}, nil
}

func (simBrain) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, 8)
	for i, r := range text {
		vec[i%len(vec)] += float64(r%97) / 97
	}
	return vec, nil
}

func (simBrain) Tokenize(ctx context.Context, text string) ([]string, error) {
	return brain.FallbackTokenize(text), nil
}

func (simBrain) ComputeGradients(ctx context.Context, batch any, weightVersion int64) (map[string][]float64, float64, error) {
	seed := int64(weightVersion)
	r := rand.New(rand.NewSource(seed + 1))
	grads := map[string][]float64{
		"layer1.weight": randVec(r, 16),
		"layer1.bias":   randVec(r, 4),
	}
	loss := math.Abs(r.NormFloat64()) + 0.01
	return grads, loss, nil
}

func randVec(r *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = r.NormFloat64() * 0.1
	}
	return v
}

func newBrain() *brain.Brain {
	b := simBrain{}
	return &brain.Brain{Chatter: b, Embedder: b, Tokenizer: b, GradientComputer: b}
}

// taskExecutor dispatches a TASK_ASSIGNMENT to the local Brain by task type
// (spec §4.6, §9 "tagged dispatch in the worker").
func taskExecutor(b *brain.Brain) transport.TaskExecutor {
	return func(ctx context.Context, taskType string, payload json.RawMessage) (any, error) {
		var fields map[string]any
		_ = json.Unmarshal(payload, &fields)

		switch taskType {
		case "inference", "generate_chunk":
			prompt, _ := fields["prompt"].(string)
			result, err := b.Chat(ctx, []brain.ChatMessage{{Role: "user", Content: prompt}}, brain.ChatOptions{})
			if err != nil {
				return nil, err
			}
			return result.Content, nil
		case "embed":
			text, _ := fields["text"].(string)
			return b.Embed(ctx, text)
		case "tokenize":
			text, _ := fields["text"].(string)
			return b.TokenizeOrFallback(ctx, text)
		case "route":
			return fields, nil
		case "training_batch", "gradient_compute":
			version := int64(0)
			if v, ok := fields["weightVersion"].(float64); ok {
				version = int64(v)
			}
			grads, loss, err := b.ComputeGradients(ctx, fields["batch"], version)
			if err != nil {
				return nil, err
			}
			return map[string]any{"gradients": grads, "loss": loss}, nil
		default:
			return nil, fmt.Errorf("unknown task type: %s", taskType)
		}
	}
}

// trainingBridge adapts transport.TrainingHandler to a training.Worker and
// the Worker Client's outbound GRADIENT_SUBMIT/WEIGHT_SYNC_REQUEST sends
// (spec §4.9).
type trainingBridge struct {
	client *transport.Client
	worker *training.Worker
}

func (t *trainingBridge) HandleTrainingStart(sessionID string) {
	slog.Info("training started", "session_id", sessionID)
}

func (t *trainingBridge) HandleTrainingBatch(taskID string, batch json.RawMessage, weightVersion, step int64, cfg transport.TrainingBatchConfig) {
	var raw any
	_ = json.Unmarshal(batch, &raw)
	err := t.worker.Submit(context.Background(), &training.IncomingBatch{
		TaskID:        taskID,
		Batch:         raw,
		WeightVersion: weightVersion,
		Step:          step,
		LearningRate:  cfg.LearningRate,
	})
	if err != nil {
		slog.Warn("failed to queue training batch", "task_id", taskID, "error", err)
	}
}

func (t *trainingBridge) HandleWeightUpdate(weightVersion int64) { t.worker.OnWeightUpdate(weightVersion) }
func (t *trainingBridge) HandleWeightSync(weightVersion int64)   { t.worker.OnWeightUpdate(weightVersion) }
func (t *trainingBridge) HandleTrainingPaused()                  { slog.Info("training paused") }
func (t *trainingBridge) HandleTrainingResumed()                 { slog.Info("training resumed") }
func (t *trainingBridge) HandleTrainingStopped()                 { slog.Info("training stopped") }

func main() {
	service := "worker"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)

	cfg := transport.DefaultClientConfig()
	cfg.URL = getenv("POOL_URL", "ws://localhost:8766/ws")
	cfg.Secret = getenv("POOL_SECRET", "changeme")
	cfg.DeviceName = getenv("POOL_DEVICE_NAME", "worker")
	cfg.Capability = getenv("POOL_CAPABILITY", "BASIC")
	cfg.Model = getenv("POOL_MODEL", "sim")
	if v := os.Getenv("POOL_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTasks = n
		}
	}

	b := newBrain()
	client := transport.NewClient(cfg, b, taskExecutor(b))

	trainingCfg := training.DefaultConfig()
	trainingWorker := training.NewWorker(trainingCfg, b, func(result training.GradientResult) {
		client.SendGradientSubmit(result.TaskID, result.Gradients, result.Loss, result.BatchSize, result.WeightVersion, result.ComputeTime)
	}, func() {
		client.SendWeightSyncRequest()
	})
	defer trainingWorker.Close()

	client.SetTrainingHandler(&trainingBridge{client: client, worker: trainingWorker})

	slog.Info("worker starting", "url", cfg.URL, "device", cfg.DeviceName, "capability", cfg.Capability)
	err := client.Run(ctx)
	if err != nil && !strings.Contains(err.Error(), "context canceled") {
		slog.Error("worker stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("worker shutdown complete")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
