package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskpool/internal/pool"
	"github.com/swarmguard/taskpool/internal/training"
)

// ServerConfig holds the coordinator's tunables (spec §4.5, §6).
type ServerConfig struct {
	Addr              string
	PoolName          string
	Secret            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	JoinWindow        time.Duration
}

// DefaultServerConfig returns the spec's documented defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8766",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		JoinWindow:        5 * time.Second,
	}
}

// InboundHandler is supplied by the coordinator to react to a decoded
// inbound message from a given worker.
type InboundHandler interface {
	HandleTaskResult(workerID string, msg TaskResult)
	HandleTaskFailed(workerID string, msg TaskFailed)
	HandleTaskProgress(workerID string, msg TaskProgress)
	HandleCapabilityUpdate(workerID string, msg CapabilityUpdate)
	HandleGradientSubmit(workerID string, msg GradientSubmit)
	HandleWeightSyncRequest(workerID string)
	HandleTrainingReady(workerID string)
	HandleDisconnect(workerID string)
}

// connState is the server's per-connection bookkeeping. Server, which keys
// these by worker ID, satisfies pool.Sender so the Registry can address a
// worker without holding the connection directly (spec §9 cyclic-reference
// note).
type connState struct {
	conn     *websocket.Conn
	outbound chan []byte
	workerID string
}

// Server accepts worker connections over WebSocket, performs the join
// handshake, routes inbound messages to an InboundHandler, and exposes the
// outbound send/broadcast/close surface the Registry and Dispatcher use
// through the pool.Sender interface (spec §4.5).
type Server struct {
	cfg      ServerConfig
	registry *pool.Registry
	events   *pool.Bus
	handler  InboundHandler
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connState

	joins      metric.Int64Counter
	rejections metric.Int64Counter
	inbound    metric.Int64Counter
}

// NewServer constructs a coordinator transport server. SetHandler and
// SetRegistry must be called before Run or before serving Mux's handler.
func NewServer(cfg ServerConfig, events *pool.Bus) *Server {
	meter := otel.Meter("pool-go")
	joins, _ := meter.Int64Counter("pool_transport_joins_total")
	rejections, _ := meter.Int64Counter("pool_transport_join_rejections_total")
	inbound, _ := meter.Int64Counter("pool_transport_inbound_messages_total")
	return &Server{
		cfg:    cfg,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:      make(map[string]*connState),
		joins:      joins,
		rejections: rejections,
		inbound:    inbound,
	}
}

// SetRegistry wires the worker registry this server authenticates against
// and reports membership changes to.
func (s *Server) SetRegistry(r *pool.Registry) { s.registry = r }

// SetHandler wires the inbound message handler (normally the Dispatcher plus
// the Training Coordinator).
func (s *Server) SetHandler(h InboundHandler) { s.handler = h }

// Mux builds the HTTP handler: the WebSocket upgrade endpoint plus the
// status/health surface from SPEC_FULL.md section C.1.
func (s *Server) Mux(statusFn func() StatusResponse) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusFn())
	})
	return mux
}

// Run starts the background heartbeat-ping loop; callers run the HTTP server
// (with Mux's handler) separately and call Run alongside it.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	cs := &connState{conn: conn, outbound: make(chan []byte, 64)}
	go s.writePump(cs)

	if !s.handshake(cs) {
		close(cs.outbound)
		_ = conn.Close()
		return
	}

	s.readLoop(cs)
}

func (s *Server) handshake(cs *connState) bool {
	_ = cs.conn.SetReadDeadline(time.Now().Add(s.cfg.JoinWindow))
	s.sendTo(cs, marshalMsg(AuthRequired{Type: MsgAuthRequired, PoolName: s.cfg.PoolName}))

	_, data, err := cs.conn.ReadMessage()
	if err != nil {
		return false
	}
	var join JoinCollective
	if err := json.Unmarshal(data, &join); err != nil || join.Type != MsgJoinCollective {
		s.rejections.Add(context.Background(), 1)
		_ = cs.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseInvalidFormat, "invalid join message"), time.Now().Add(time.Second))
		return false
	}
	if join.Secret != s.cfg.Secret {
		s.rejections.Add(context.Background(), 1)
		slog.Warn("rejecting join", "device_name", join.DeviceName, "error", ErrInvalidSecret)
		_ = cs.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseInvalidSecret, "invalid secret"), time.Now().Add(time.Second))
		return false
	}

	rec, err := s.registry.Register(pool.RegistrationInfo{
		DisplayName: join.DeviceName,
		Capability:  parseCapability(join.Capability),
		Model:       join.Model,
	})
	if err != nil {
		slog.Error("registration failed", "error", err)
		return false
	}
	cs.workerID = rec.ID

	_ = cs.conn.SetReadDeadline(time.Time{})
	s.mu.Lock()
	s.conns[rec.ID] = cs
	s.mu.Unlock()

	s.joins.Add(context.Background(), 1)
	s.sendTo(cs, marshalMsg(CollectiveJoined{
		Type:         MsgCollectiveJoined,
		WorkerID:     rec.ID,
		PoolName:     s.cfg.PoolName,
		TotalDevices: s.registry.Count(),
	}))
	s.broadcastExcept(rec.ID, marshalMsg(DeviceJoined{Type: MsgDeviceJoined, WorkerID: rec.ID, Name: join.DeviceName}))
	return true
}

func (s *Server) readLoop(cs *connState) {
	defer s.dropConn(cs)
	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			return
		}
		s.registry.UpdateStatus(cs.workerID)
		s.inbound.Add(context.Background(), 1)
		s.dispatchInbound(cs.workerID, data)
	}
}

func (s *Server) dispatchInbound(workerID string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("malformed inbound message", "worker_id", workerID, "error", err)
		return
	}
	if s.handler == nil {
		return
	}
	switch env.Type {
	case MsgTaskResult:
		var m TaskResult
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			s.handler.HandleTaskResult(workerID, m)
		}
	case MsgTaskFailed:
		var m TaskFailed
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			s.handler.HandleTaskFailed(workerID, m)
		}
	case MsgTaskProgress:
		var m TaskProgress
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			s.handler.HandleTaskProgress(workerID, m)
		}
	case MsgCapabilityUpdate:
		var m CapabilityUpdate
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			s.handler.HandleCapabilityUpdate(workerID, m)
		}
	case MsgHeartbeat:
		s.sendToID(workerID, marshalMsg(HeartbeatAck{Type: MsgHeartbeatAck}))
	case MsgGradientSubmit:
		var m GradientSubmit
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			s.handler.HandleGradientSubmit(workerID, m)
		}
	case MsgWeightSyncRequest:
		s.handler.HandleWeightSyncRequest(workerID)
	case MsgTrainingReady:
		s.handler.HandleTrainingReady(workerID)
	default:
		slog.Debug("unknown inbound message type", "worker_id", workerID, "type", env.Type)
	}
}

func (s *Server) writePump(cs *connState) {
	for msg := range cs.outbound {
		if err := cs.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) dropConn(cs *connState) {
	s.mu.Lock()
	if s.conns[cs.workerID] == cs {
		delete(s.conns, cs.workerID)
	}
	s.mu.Unlock()
	close(cs.outbound)
	_ = cs.conn.Close()
	if cs.workerID != "" && s.handler != nil {
		s.handler.HandleDisconnect(cs.workerID)
	}
	s.broadcastExcept(cs.workerID, marshalMsg(DeviceLeft{Type: MsgDeviceLeft, WorkerID: cs.workerID, Reason: "disconnected"}))
}

func (s *Server) pingAll() {
	s.mu.RLock()
	stale := s.registry.StaleWorkers()
	conns := make([]*connState, 0, len(s.conns))
	for _, cs := range s.conns {
		conns = append(conns, cs)
	}
	s.mu.RUnlock()

	staleSet := make(map[string]struct{}, len(stale))
	for _, id := range stale {
		staleSet[id] = struct{}{}
	}

	for _, cs := range conns {
		if _, isStale := staleSet[cs.workerID]; isStale {
			_ = s.Close(cs.workerID, CloseHeartbeatTimeout, "Heartbeat timeout")
			continue
		}
		s.sendTo(cs, marshalMsg(HeartbeatAck{Type: MsgHeartbeatAck}))
	}
}

// SendTo implements pool.Sender: enqueue an already-serialized payload
// for delivery to workerID. It is also used directly by transport-internal
// code via sendToID for protocol messages.
func (s *Server) SendTo(workerID string, message []byte) error {
	s.mu.RLock()
	cs, ok := s.conns[workerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker not connected: %s", workerID)
	}
	select {
	case cs.outbound <- message:
		return nil
	default:
		return fmt.Errorf("outbound queue full for worker: %s", workerID)
	}
}

// Close implements pool.Sender: close a worker's connection with a protocol
// close code and reason.
func (s *Server) Close(workerID string, code int, reason string) error {
	s.mu.RLock()
	cs, ok := s.conns[workerID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return cs.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// ConnectedWorkerIDs implements training.WorkerSet: the set of workers with
// a live connection right now, used by the Training Coordinator to
// partition each step's batch (spec §4.8 step 1).
func (s *Server) ConnectedWorkerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// SendTrainingBatch implements training.Sender: deliver a TRAINING_BATCH to
// one worker (spec §4.8 step 1).
func (s *Server) SendTrainingBatch(workerID, taskID string, batch any, weightVersion, step int64, learningRate float64, gradAccumSteps int) error {
	msg := marshalMsg(TrainingBatch{
		Type:          MsgTrainingBatch,
		TaskID:        taskID,
		Batch:         batch,
		WeightVersion: weightVersion,
		Step:          step,
		Config: TrainingBatchConfig{
			LearningRate:              learningRate,
			GradientAccumulationSteps: gradAccumSteps,
		},
	})
	return s.SendTo(workerID, msg)
}

// SendWeightSync implements training.Sender: tell a worker its gradient was
// too stale and hand it the current weight version (spec §4.8 step 2, §7
// StaleGradient).
func (s *Server) SendWeightSync(workerID string, weightVersion int64) error {
	return s.SendTo(workerID, marshalMsg(WeightSync{Type: MsgWeightSync, WeightVersion: weightVersion}))
}

// BroadcastWeightUpdate implements training.Sender: fan out WEIGHT_UPDATE
// to every connected worker after an aggregation round (spec §4.8 step 4).
func (s *Server) BroadcastWeightUpdate(weightVersion, step int64) {
	s.Broadcast(marshalMsg(WeightUpdate{Type: MsgWeightUpdate, WeightVersion: weightVersion, Step: step}))
}

// BroadcastTrainingStart announces a new session to every connected worker.
// The Training Coordinator does not call it.
func (s *Server) BroadcastTrainingStart(sessionID string) {
	s.Broadcast(marshalMsg(TrainingStart{Type: MsgTrainingStart, SessionID: sessionID}))
}

// BroadcastTrainingPaused implements training.Sender (spec §4.8 state
// machine: Training -> Paused).
func (s *Server) BroadcastTrainingPaused() {
	s.Broadcast(marshalMsg(TrainingPaused{Type: MsgTrainingPaused}))
}

// BroadcastTrainingResumed implements training.Sender (spec §4.8 state
// machine: Paused -> Training).
func (s *Server) BroadcastTrainingResumed() {
	s.Broadcast(marshalMsg(TrainingResumed{Type: MsgTrainingResumed}))
}

// BroadcastTrainingStopped implements training.Sender, announcing the
// session ended before reaching its configured epoch count.
func (s *Server) BroadcastTrainingStopped() {
	s.Broadcast(marshalMsg(TrainingStopped{Type: MsgTrainingStopped}))
}

// SendAssignment delivers a TASK_ASSIGNMENT to a worker; it is passed to
// pool.NewDispatcher directly as the dispatcher's send callback.
func (s *Server) SendAssignment(d pool.Dispatch) {
	msg := marshalMsg(TaskAssignment{
		Type:     MsgTaskAssignment,
		TaskID:   d.Task.ID,
		TaskType: string(d.Task.Type),
		Payload:  d.Task.Payload,
		Timeout:  d.Task.Timeout.Seconds(),
	})
	if err := s.SendTo(d.Worker.ID, msg); err != nil {
		slog.Warn("failed to deliver assignment", "worker_id", d.Worker.ID, "task_id", d.Task.ID, "error", err)
	}
}

func (s *Server) sendToID(workerID string, payload []byte) {
	if err := s.SendTo(workerID, payload); err != nil {
		slog.Debug("send failed", "worker_id", workerID, "error", err)
	}
}

func (s *Server) sendTo(cs *connState, payload []byte) {
	select {
	case cs.outbound <- payload:
	default:
		slog.Warn("dropping outbound message, queue full", "worker_id", cs.workerID)
	}
}

// broadcastExcept sends payload to every connected worker other than
// excludeID, tolerating a worker whose connection closed mid-iteration
// (spec §5 broadcast iteration safety).
func (s *Server) broadcastExcept(excludeID string, payload []byte) {
	s.mu.RLock()
	targets := make([]*connState, 0, len(s.conns))
	for id, cs := range s.conns {
		if id != excludeID {
			targets = append(targets, cs)
		}
	}
	s.mu.RUnlock()

	for _, cs := range targets {
		s.sendTo(cs, payload)
	}
}

// Broadcast sends payload to every connected worker. Used for training
// fan-out (WEIGHT_UPDATE, TRAINING_START, etc.).
func (s *Server) Broadcast(payload []byte) {
	s.broadcastExcept("", payload)
}

// marshalMsg encodes a typed outbound payload for the wire.
func marshalMsg(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal outbound message", "error", err)
		return nil
	}
	return data
}

func parseCapability(s string) pool.CapabilityClass {
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

var _ pool.Sender = (*Server)(nil)
var _ training.Sender = (*Server)(nil)
var _ training.WorkerSet = (*Server)(nil)
