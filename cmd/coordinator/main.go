// Command coordinator runs the distributed task pool coordinator: worker
// registry, task dispatcher, and training control loop, all fronted by the WebSocket/HTTP transport server (spec
// §4.5).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskpool/internal/logging"
	"github.com/swarmguard/taskpool/internal/natsctx"
	"github.com/swarmguard/taskpool/internal/otelinit"
	"github.com/swarmguard/taskpool/internal/pool"
	"github.com/swarmguard/taskpool/internal/training"
	"github.com/swarmguard/taskpool/internal/transport"
)

// coordinatorApp wires transport.InboundHandler to the Dispatcher, Registry,
// and Training Coordinator. It owns no state of its own beyond a submission
// counter used to mint task identifiers (spec §3: `task_<monotonic>_<epoch_ms>`).
type coordinatorApp struct {
	registry   *pool.Registry
	dispatcher *pool.Dispatcher
	training   *training.Coordinator
	seq        atomic.Uint64
}

func (a *coordinatorApp) nextTaskID() string {
	n := a.seq.Add(1)
	return fmt.Sprintf("task_%d_%d", n, time.Now().UnixMilli())
}

func (a *coordinatorApp) HandleTaskResult(workerID string, msg transport.TaskResult) {
	var value any
	if len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, &value); err != nil {
			slog.Warn("malformed task result", "worker_id", workerID, "task_id", msg.TaskID, "error", err)
			return
		}
	}
	a.dispatcher.HandleResult(msg.TaskID, pool.Result{
		WorkerID: workerID,
		Value:    value,
		Latency:  time.Duration(msg.Latency * float64(time.Second)),
	})
}

func (a *coordinatorApp) HandleTaskFailed(workerID string, msg transport.TaskFailed) {
	isCapacity := msg.Error == pool.ErrDeviceAtCapacity.Error()
	a.dispatcher.HandleFailure(msg.TaskID, pool.Failure{
		WorkerID: workerID,
		Err:      fmt.Errorf("%s", msg.Error),
		At:       time.Now(),
	}, isCapacity)
}

func (a *coordinatorApp) HandleTaskProgress(workerID string, msg transport.TaskProgress) {
	var value any
	if len(msg.Partial) > 0 {
		_ = json.Unmarshal(msg.Partial, &value)
	}
	a.dispatcher.HandleProgress(msg.TaskID, pool.Partial{WorkerID: workerID, Value: value, At: time.Now()}, msg.Progress)
}

func (a *coordinatorApp) HandleCapabilityUpdate(workerID string, msg transport.CapabilityUpdate) {
	if err := a.registry.UpdateCapability(workerID, parseCapabilityClass(msg.Capability)); err != nil {
		slog.Warn("capability update failed", "worker_id", workerID, "error", err)
	}
}

func (a *coordinatorApp) HandleGradientSubmit(workerID string, msg transport.GradientSubmit) {
	var gradients map[string][]float64
	if len(msg.Gradients) > 0 {
		if err := json.Unmarshal(msg.Gradients, &gradients); err != nil {
			slog.Warn("malformed gradient submission", "worker_id", workerID, "error", err)
			return
		}
	}
	if a.training == nil {
		return
	}
	a.training.HandleGradientSubmit(workerID, gradients, msg.Loss, msg.WeightVersion)
}

func (a *coordinatorApp) HandleWeightSyncRequest(workerID string) {
	slog.Debug("weight sync requested", "worker_id", workerID)
}

func (a *coordinatorApp) HandleTrainingReady(workerID string) {
	slog.Info("worker ready for training", "worker_id", workerID)
}

func (a *coordinatorApp) HandleDisconnect(workerID string) {
	a.dispatcher.HandleDisconnect(workerID)
}

func parseCapabilityClass(s string) pool.CapabilityClass {
	switch s {
	case "MINIMAL":
		return pool.CapabilityMinimal
	case "BASIC":
		return pool.CapabilityBasic
	case "STANDARD":
		return pool.CapabilityStandard
	case "ADVANCED":
		return pool.CapabilityAdvanced
	case "GPU":
		return pool.CapabilityGPU
	case "TPU":
		return pool.CapabilityTPU
	default:
		return pool.CapabilityBasic
	}
}

// sliceDataset is a trivial in-memory BatchSource used when no real dataset
// is wired in; it stands in for the opaque dataset the spec leaves
// implementation-defined (spec §3 TrainingSession "dataset cursor").
type sliceDataset struct {
	items []any
}

func (d *sliceDataset) NextBatch(n int) []any {
	if len(d.items) == 0 || n <= 0 {
		return nil
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.items[i%len(d.items)])
	}
	return out
}

func (d *sliceDataset) Len() int { return len(d.items) }

// journalCheckpointer adapts pool.Journal to training.Checkpointer.
type journalCheckpointer struct {
	journal   *pool.Journal
	sessionID string
}

func (j *journalCheckpointer) PutCheckpoint(step int64, epoch int, weightVersion int64, loss float64) error {
	return j.journal.PutCheckpoint(pool.CheckpointRecord{
		ID:            j.sessionID,
		Step:          step,
		Epoch:         epoch,
		WeightVersion: weightVersion,
		Loss:          loss,
		Timestamp:     time.Now(),
	})
}

func main() {
	service := "coordinator"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	poolName := getenv("POOL_NAME", "default-pool")
	secret := getenv("POOL_SECRET", "changeme")
	addr := getenv("POOL_ADDR", ":8766")

	events := pool.NewBus()

	if natsURL := os.Getenv("POOL_NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			slog.Error("nats connect failed", "url", natsURL, "error", err)
		} else {
			defer nc.Close()
			bridgeEventsToNATS(ctx, events, nc)
		}
	}

	var journal *pool.Journal
	if path := os.Getenv("POOL_JOURNAL_PATH"); path != "" {
		var err error
		journal, err = pool.OpenJournal(path)
		if err != nil {
			slog.Error("journal open failed", "error", err)
		} else {
			journal.ListenAndAppend(events)
			defer journal.Close()
		}
	}

	server := transport.NewServer(transport.ServerConfig{
		Addr:              addr,
		PoolName:          poolName,
		Secret:            secret,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		JoinWindow:        5 * time.Second,
	}, events)

	registry := pool.NewRegistry(pool.DefaultRegistryConfig(), server, events)
	cache := pool.NewCompletedCache(100)
	aggregator := pool.NewAggregator(registry, cache, events)
	dispatcher := pool.NewDispatcher(pool.DefaultDispatcherConfig(), registry, aggregator, events, server.SendAssignment)

	app := &coordinatorApp{registry: registry, dispatcher: dispatcher}

	if minWorkers := os.Getenv("POOL_TRAINING_MIN_WORKERS"); minWorkers != "" {
		cfg := training.DefaultConfig()
		if v, err := strconv.Atoi(minWorkers); err == nil {
			cfg.MinWorkersForTraining = v
		}
		session := training.NewSession("session-"+strconv.FormatInt(time.Now().UnixMilli(), 10), cfg)
		var checkpointer training.Checkpointer
		if journal != nil {
			checkpointer = &journalCheckpointer{journal: journal, sessionID: session.ID}
		}
		coord := training.NewCoordinator(training.CoordinatorConfig{
			Session:    session,
			Workers:    server,
			Dataset:    &sliceDataset{items: []any{"sample-batch-0", "sample-batch-1", "sample-batch-2", "sample-batch-3"}},
			Sender:     server,
			Events:     events,
			Checkpoint: checkpointer,
		})
		app.training = coord
		go func() {
			if err := coord.Start(ctx); err != nil {
				slog.Error("training coordinator stopped", "error", err)
			}
		}()
	}

	server.SetRegistry(registry)
	server.SetHandler(app)

	go server.Run(ctx)

	// The registry's own heartbeat-timeout sweep runs inside server.Run's
	// ping ticker (spec §4.5); this cron only owns the queue drain spec §4.2
	// names explicitly ("periodically every 1s"), so the two concerns run on
	// separate schedulers.
	c := cron.New()
	if _, err := c.AddFunc("@every 1s", dispatcher.Tick); err != nil {
		slog.Error("failed to schedule dispatcher tick", "error", err)
	}
	c.Start()
	defer c.Stop()

	mux := server.Mux(func() transport.StatusResponse {
		return transport.StatusResponse{
			Status:      "ok",
			Pool:        poolName,
			Devices:     registry.Count(),
			QueuedTasks: dispatcher.PendingCount(),
		}
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("coordinator started", "addr", addr, "pool", poolName)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// bridgeEventsToNATS fans device_joined/device_left/step_completed out to
// NATS for external dashboards, carrying trace context across the hop
// (spec's domain stack: natsctx wraps nats.go with otel propagation).
func bridgeEventsToNATS(ctx context.Context, events *pool.Bus, nc *nats.Conn) {
	forward := func(subject string) pool.Handler {
		return func(e pool.Event) {
			payload, err := json.Marshal(e)
			if err != nil {
				return
			}
			if err := natsctx.Publish(ctx, nc, subject, payload); err != nil {
				slog.Debug("nats publish failed", "subject", subject, "error", err)
			}
		}
	}
	events.Subscribe(pool.EventDeviceJoined, forward("pool.device_joined"))
	events.Subscribe(pool.EventDeviceLeft, forward("pool.device_left"))
	events.Subscribe(pool.EventStepCompleted, forward("pool.step_completed"))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
