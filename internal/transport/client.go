package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmguard/taskpool/internal/brain"
	"github.com/swarmguard/taskpool/internal/pool"
	"github.com/swarmguard/taskpool/internal/resilience"
)

// ClientConfig holds the Worker Client's tunables (spec §4.6).
type ClientConfig struct {
	URL                  string
	Secret               string
	DeviceName           string
	Capability           string
	Model                string
	MaxConcurrentTasks   int
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
}

// DefaultClientConfig returns the spec's documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrentTasks:   2,
		MaxReconnectAttempts: 5,
		BaseReconnectDelay:   time.Second,
	}
}

// TaskExecutor dispatches an assignment to the local Brain by task type and
// returns the result value, or an error describing the failure.
type TaskExecutor func(ctx context.Context, taskType string, payload json.RawMessage) (any, error)

// TrainingHandler lets a Worker Client forward the coordinator's training
// protocol messages to a training.Worker without this package depending on
// the training package (spec §4.9, §6).
type TrainingHandler interface {
	HandleTrainingStart(sessionID string)
	HandleTrainingBatch(taskID string, batch json.RawMessage, weightVersion, step int64, cfg TrainingBatchConfig)
	HandleWeightUpdate(weightVersion int64)
	HandleWeightSync(weightVersion int64)
	HandleTrainingPaused()
	HandleTrainingResumed()
	HandleTrainingStopped()
}

// Client owns one durable connection to a coordinator, executing assigned
// tasks via a local Brain and reporting results/failures (spec §4.6).
type Client struct {
	cfg      ClientConfig
	execute  TaskExecutor
	brain    *brain.Brain

	trainingHandler TrainingHandler

	mu            sync.Mutex
	conn          *websocket.Conn
	workerID      string
	activeTasks   map[string]struct{}
	disconnecting bool
}

// SetTrainingHandler wires a training.Worker (via its transport adapter) to
// receive TRAINING_BATCH/WEIGHT_UPDATE/WEIGHT_SYNC/TRAINING_* messages.
func (c *Client) SetTrainingHandler(h TrainingHandler) { c.trainingHandler = h }

// NewClient constructs a worker client. execute is invoked once per
// TASK_ASSIGNMENT, on its own goroutine, and must not block the read loop.
func NewClient(cfg ClientConfig, b *brain.Brain, execute TaskExecutor) *Client {
	return &Client{
		cfg:         cfg,
		execute:     execute,
		brain:       b,
		activeTasks: make(map[string]struct{}),
	}
}

// Run connects and serves until ctx is cancelled or Disconnect is called,
// reconnecting on unexpected close with exponential backoff (spec §4.6).
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		stopped := c.disconnecting
		c.mu.Unlock()
		if stopped {
			return nil
		}
		err := c.connectAndServe(ctx)
		c.mu.Lock()
		stopping := c.disconnecting
		c.mu.Unlock()
		if stopping || ctx.Err() != nil {
			return nil
		}
		slog.Warn("connection lost, reconnecting", "error", err)
		if rerr := c.reconnectWithBackoff(ctx); rerr != nil {
			return rerr
		}
	}
}

func (c *Client) reconnectWithBackoff(ctx context.Context) error {
	_, err := resilience.Retry(ctx, c.cfg.MaxReconnectAttempts, c.cfg.BaseReconnectDelay, func() (struct{}, error) {
		c.mu.Lock()
		stopping := c.disconnecting
		c.mu.Unlock()
		if stopping {
			return struct{}{}, nil
		}
		return struct{}{}, c.connectAndServe(ctx)
	})
	return err
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.readLoop(ctx, conn)
}

func (c *Client) handshake(conn *websocket.Conn) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read AUTH_REQUIRED: %w", err)
	}
	var auth AuthRequired
	if err := json.Unmarshal(data, &auth); err != nil || auth.Type != MsgAuthRequired {
		return fmt.Errorf("unexpected handshake message")
	}

	join := JoinCollective{
		Type:       MsgJoinCollective,
		Secret:     c.cfg.Secret,
		DeviceName: c.cfg.DeviceName,
		Capability: c.cfg.Capability,
		Model:      c.cfg.Model,
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("send JOIN_COLLECTIVE: %w", err)
	}

	_, data, err = conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read COLLECTIVE_JOINED: %w", err)
	}
	var joined CollectiveJoined
	if err := json.Unmarshal(data, &joined); err != nil || joined.Type != MsgCollectiveJoined {
		return fmt.Errorf("join rejected")
	}

	c.mu.Lock()
	c.workerID = joined.WorkerID
	c.mu.Unlock()
	slog.Info("joined pool", "worker_id", joined.WorkerID, "pool", joined.PoolName)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case MsgTaskAssignment:
			var m TaskAssignment
			if err := json.Unmarshal(env.Raw, &m); err == nil {
				go c.handleAssignment(ctx, conn, m)
			}
		case MsgHeartbeatAck:
		case MsgDeviceJoined, MsgDeviceLeft:
		case MsgTrainingStart:
			var m TrainingStart
			if err := json.Unmarshal(env.Raw, &m); err == nil && c.trainingHandler != nil {
				c.trainingHandler.HandleTrainingStart(m.SessionID)
			}
		case MsgTrainingBatch:
			var m TrainingBatch
			if err := json.Unmarshal(env.Raw, &m); err == nil && c.trainingHandler != nil {
				batch, _ := json.Marshal(m.Batch)
				c.trainingHandler.HandleTrainingBatch(m.TaskID, batch, m.WeightVersion, m.Step, m.Config)
			}
		case MsgWeightUpdate:
			var m WeightUpdate
			if err := json.Unmarshal(env.Raw, &m); err == nil && c.trainingHandler != nil {
				c.trainingHandler.HandleWeightUpdate(m.WeightVersion)
			}
		case MsgWeightSync:
			var m WeightSync
			if err := json.Unmarshal(env.Raw, &m); err == nil && c.trainingHandler != nil {
				c.trainingHandler.HandleWeightSync(m.WeightVersion)
			}
		case MsgTrainingPaused:
			if c.trainingHandler != nil {
				c.trainingHandler.HandleTrainingPaused()
			}
		case MsgTrainingResumed:
			if c.trainingHandler != nil {
				c.trainingHandler.HandleTrainingResumed()
			}
		case MsgTrainingStopped:
			if c.trainingHandler != nil {
				c.trainingHandler.HandleTrainingStopped()
			}
		default:
			slog.Debug("unhandled message", "type", env.Type)
		}
	}
}

func (c *Client) handleAssignment(ctx context.Context, conn *websocket.Conn, m TaskAssignment) {
	c.mu.Lock()
	if len(c.activeTasks) >= c.cfg.MaxConcurrentTasks {
		c.mu.Unlock()
		c.sendFailure(conn, m.TaskID, pool.ErrDeviceAtCapacity.Error())
		return
	}
	c.activeTasks[m.TaskID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.activeTasks, m.TaskID)
		c.mu.Unlock()
	}()

	payload, _ := json.Marshal(m.Payload)
	start := time.Now()
	result, err := c.execute(ctx, m.TaskType, payload)
	latency := time.Since(start)

	if err != nil {
		c.sendFailure(conn, m.TaskID, err.Error())
		return
	}

	resultJSON, _ := json.Marshal(result)
	c.send(conn, TaskResult{
		Type:    MsgTaskResult,
		TaskID:  m.TaskID,
		Result:  resultJSON,
		Latency: latency.Seconds(),
	})
}

func (c *Client) sendFailure(conn *websocket.Conn, taskID, reason string) {
	c.send(conn, TaskFailed{Type: MsgTaskFailed, TaskID: taskID, Error: reason})
}

// ReportProgress sends a TASK_PROGRESS update for an in-flight task.
func (c *Client) ReportProgress(taskID string, progress float64, partial any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	partialJSON, _ := json.Marshal(partial)
	c.send(conn, TaskProgress{Type: MsgTaskProgress, TaskID: taskID, Progress: progress, Partial: partialJSON})
}

// SendGradientSubmit reports a computed gradient back to the coordinator
// (spec §4.9 GRADIENT_SUBMIT).
func (c *Client) SendGradientSubmit(taskID string, gradients map[string][]float64, loss float64, batchSize int, weightVersion int64, computeTime time.Duration) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	gradJSON, _ := json.Marshal(gradients)
	c.send(conn, GradientSubmit{
		Type:          MsgGradientSubmit,
		TaskID:        taskID,
		Gradients:     gradJSON,
		Loss:          loss,
		BatchSize:     batchSize,
		WeightVersion: weightVersion,
		ComputeTime:   computeTime.Seconds(),
	})
}

// SendWeightSyncRequest asks the coordinator for the current weight version
// before processing further batches (spec §4.9).
func (c *Client) SendWeightSyncRequest() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.send(conn, WeightSyncRequest{Type: MsgWeightSyncRequest})
}

func (c *Client) send(conn *websocket.Conn, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		slog.Warn("failed to send message", "error", err)
	}
}

// Disconnect closes the connection and disables reconnection (spec §4.6).
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.disconnecting = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// WorkerID returns the server-assigned identifier once the handshake has
// completed.
func (c *Client) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// TokenizeFallback exposes brain.FallbackTokenize for callers building a
// TaskExecutor that needs to tokenize without a Brain.Tokenizer.
func TokenizeFallback(text string) []string { return brain.FallbackTokenize(text) }
