// Package training implements the distributed training control loop: a
// synchronous-by-step, asynchronous-in-flight gradient aggregation protocol
// with staleness bounds, version-tagged weight broadcasts, and worker-local
// gradient compression (spec §4.8, §4.9).
package training

import (
	"math"
	"sync"
	"time"
)

// SessionState is one of the training state machine's states (spec §4.8).
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateInitializing SessionState = "initializing"
	StateTraining     SessionState = "training"
	StateValidating   SessionState = "validating"
	StateCheckpointing SessionState = "checkpointing"
	StatePaused       SessionState = "paused"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
)

// Config holds a session's tunables (spec §3, §4.8, §4.9).
type Config struct {
	BatchSize                 int
	LearningRate              float64
	Epochs                    int
	GradientAccumulationSteps int
	ValidationInterval        int64
	CheckpointInterval        int64
	MaxStaleGradients         int64
	MinWorkersForTraining     int
	MaxBatchQueue             int
	CompressionThreshold      float64
	CollectWindow             time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:                 32,
		LearningRate:              0.001,
		Epochs:                    1,
		GradientAccumulationSteps: 1,
		ValidationInterval:        100,
		CheckpointInterval:        500,
		MaxStaleGradients:         3,
		MinWorkersForTraining:     1,
		MaxBatchQueue:             3,
		CompressionThreshold:      0.001,
		CollectWindow:             30 * time.Second,
	}
}

// PendingGradient is the metadata recorded when a micro-batch is sent to a
// worker, until its gradient is collected or the collection window expires.
type PendingGradient struct {
	TaskID        string
	SentAt        time.Time
	WeightVersion int64
}

// BufferedGradient is one accepted gradient submission awaiting aggregation.
type BufferedGradient struct {
	WorkerID      string
	Gradients     map[string][]float64
	Loss          float64
	WeightVersion int64
	Staleness     int64
}

// Session owns all mutable training state. All mutation is serialized
// through mu, mirroring the Worker Registry's per-record locking discipline.
type Session struct {
	mu sync.Mutex

	ID     string
	Cfg    Config
	State  SessionState
	Epoch  int
	Step   int64

	weightVersion int64
	currentLoss   float64
	bestLoss      float64
	cursor        int

	pending map[string]PendingGradient
	buffer  []BufferedGradient
}

// NewSession constructs an Idle session.
func NewSession(id string, cfg Config) *Session {
	return &Session{
		ID:       id,
		Cfg:      cfg,
		State:    StateIdle,
		bestLoss: math.Inf(1),
		pending:  make(map[string]PendingGradient),
	}
}

// WeightVersion returns the current monotonic weight version.
func (s *Session) WeightVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weightVersion
}

// SetState transitions the session's state machine.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

// GetState returns the current state.
func (s *Session) GetState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// RecordPending stores pending-gradient metadata for a worker's in-flight
// micro-batch.
func (s *Session) RecordPending(workerID string, p PendingGradient) {
	s.mu.Lock()
	s.pending[workerID] = p
	s.mu.Unlock()
}

// TakePending removes and returns a worker's pending-gradient metadata, if
// present.
func (s *Session) TakePending(workerID string) (PendingGradient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[workerID]
	if ok {
		delete(s.pending, workerID)
	}
	return p, ok
}

// ClearPending drops all pending-gradient metadata at the end of a collect
// window.
func (s *Session) ClearPending() {
	s.mu.Lock()
	s.pending = make(map[string]PendingGradient)
	s.mu.Unlock()
}

// AcceptGradient buffers a gradient submission whose staleness is within
// bounds; returns ok=false (without buffering) if staleness exceeds
// MaxStaleGradients (spec §3 invariant, §7 StaleGradient).
func (s *Session) AcceptGradient(g BufferedGradient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.Staleness > int64(s.Cfg.MaxStaleGradients) {
		return false
	}
	s.buffer = append(s.buffer, g)
	return true
}

// BufferLen returns the number of gradients currently buffered.
func (s *Session) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// DrainBuffer removes and returns all buffered gradients.
func (s *Session) DrainBuffer() []BufferedGradient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	return out
}

// AdvanceWeightVersion increments and returns the new weight version, after
// an aggregation round has been applied.
func (s *Session) AdvanceWeightVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weightVersion++
	return s.weightVersion
}

// RecordLoss updates the current and best-observed loss.
func (s *Session) RecordLoss(loss float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLoss = loss
	if loss < s.bestLoss {
		s.bestLoss = loss
	}
}

// Losses returns the current and best-observed loss.
func (s *Session) Losses() (current, best float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLoss, s.bestLoss
}

// AdvanceStep increments the step counter and returns the new value.
func (s *Session) AdvanceStep() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Step++
	return s.Step
}

// AdvanceCursor moves the dataset cursor forward by n, wrapping (and
// incrementing Epoch) at datasetSize (spec §4.8 step 6).
func (s *Session) AdvanceCursor(n, datasetSize int) (epoch int, wrapped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor += n
	if datasetSize > 0 && s.cursor >= datasetSize {
		s.cursor -= datasetSize
		s.Epoch++
		wrapped = true
	}
	return s.Epoch, wrapped
}

// Cursor returns the current dataset cursor position.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// AggregateWeighted computes the weighted mean across buffered gradients:
// weight = 1/(1+staleness), summed per-parameter then divided by total
// weight (spec §4.8 step 3).
func AggregateWeighted(gradients []BufferedGradient) map[string][]float64 {
	if len(gradients) == 0 {
		return nil
	}
	totalWeight := 0.0
	sums := make(map[string][]float64)
	for _, g := range gradients {
		weight := 1.0 / (1.0 + float64(g.Staleness))
		totalWeight += weight
		for name, values := range g.Gradients {
			acc, ok := sums[name]
			if !ok {
				acc = make([]float64, len(values))
				sums[name] = acc
			}
			for i, v := range values {
				if i < len(acc) {
					acc[i] += v * weight
				}
			}
		}
	}
	if totalWeight == 0 {
		return sums
	}
	for name, acc := range sums {
		for i := range acc {
			acc[i] /= totalWeight
		}
		sums[name] = acc
	}
	return sums
}
