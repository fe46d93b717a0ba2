// Package pool implements the worker registry, task queue, dispatcher, and
// result aggregator that together form the distributed task coordinator.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/taskpool/internal/resilience"
)

// CapabilityClass is an ordered tier a worker advertises on join.
type CapabilityClass int

const (
	CapabilityMinimal CapabilityClass = iota + 1
	CapabilityBasic
	CapabilityStandard
	CapabilityAdvanced
	CapabilityGPU
	CapabilityTPU
)

// AtLeast reports whether c meets or exceeds the required class.
func (c CapabilityClass) AtLeast(required CapabilityClass) bool {
	return c >= required
}

func (c CapabilityClass) String() string {
	switch c {
	case CapabilityMinimal:
		return "MINIMAL"
	case CapabilityBasic:
		return "BASIC"
	case CapabilityStandard:
		return "STANDARD"
	case CapabilityAdvanced:
		return "ADVANCED"
	case CapabilityGPU:
		return "GPU"
	case CapabilityTPU:
		return "TPU"
	default:
		return fmt.Sprintf("CAPABILITY(%d)", int(c))
	}
}

// TaskType tags the opaque payload a task carries; the worker's Brain
// dispatches on this tag.
type TaskType string

const (
	TaskInference       TaskType = "inference"
	TaskGenerateChunk   TaskType = "generate_chunk"
	TaskEmbed           TaskType = "embed"
	TaskRoute           TaskType = "route"
	TaskTokenize        TaskType = "tokenize"
	TaskTrainingBatch   TaskType = "training_batch"
	TaskGradientCompute TaskType = "gradient_compute"
)

// TaskState is one of the states in the task lifecycle (spec §3).
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskTimeout    TaskState = "timeout"
)

const ringBufferCapacity = 20

// latencyRing is a fixed-capacity ring buffer of recent completion latencies.
type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing() *latencyRing {
	return &latencyRing{samples: make([]time.Duration, ringBufferCapacity)}
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % ringBufferCapacity
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) mean() (time.Duration, bool) {
	n := r.next
	if r.full {
		n = ringBufferCapacity
	}
	if n == 0 {
		return 0, false
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += r.samples[i]
	}
	return total / time.Duration(n), true
}

// WorkerRecord tracks one connected worker's identity, capability,
// liveness, latency history, and reliability. It is exclusively owned and
// mutated by the Worker Registry, under its own lock.
type WorkerRecord struct {
	mu sync.Mutex

	ID            string
	DisplayName   string
	Capability    CapabilityClass
	Model         string
	JoinedAt      time.Time
	LastHeartbeat time.Time

	assignedTasks map[string]struct{}
	completed     int64
	failed        int64
	latencies     *latencyRing
	lastAssigned  time.Time

	breaker *resilience.CircuitBreaker
}

func newWorkerRecord(id, displayName string, capability CapabilityClass, model string, now time.Time) *WorkerRecord {
	return &WorkerRecord{
		ID:            id,
		DisplayName:   displayName,
		Capability:    capability,
		Model:         model,
		JoinedAt:      now,
		LastHeartbeat: now,
		assignedTasks: make(map[string]struct{}),
		latencies:     newLatencyRing(),
	}
}

// Reliability is completed/(completed+failed), starting at 1 when no
// outcomes have been recorded yet.
func (w *WorkerRecord) Reliability() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reliabilityLocked()
}

func (w *WorkerRecord) reliabilityLocked() float64 {
	total := w.completed + w.failed
	if total == 0 {
		return 1
	}
	return float64(w.completed) / float64(total)
}

// ActiveTaskCount returns the number of tasks currently assigned to this worker.
func (w *WorkerRecord) ActiveTaskCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.assignedTasks)
}

// MeanLatency returns the arithmetic mean of the recorded latency ring, and
// whether any samples exist.
func (w *WorkerRecord) MeanLatency() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latencies.mean()
}

// Snapshot is an immutable view of a WorkerRecord for external consumption
// (status endpoints, event payloads) that does not hold the record's lock.
type Snapshot struct {
	ID            string          `json:"id"`
	DisplayName   string          `json:"display_name"`
	Capability    CapabilityClass `json:"capability"`
	Model         string          `json:"model"`
	JoinedAt      time.Time       `json:"joined_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	ActiveTasks   int             `json:"active_tasks"`
	Completed     int64           `json:"completed"`
	Failed        int64           `json:"failed"`
	Reliability   float64         `json:"reliability"`
}

// Snapshot copies the current state of the worker record.
func (w *WorkerRecord) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:            w.ID,
		DisplayName:   w.DisplayName,
		Capability:    w.Capability,
		Model:         w.Model,
		JoinedAt:      w.JoinedAt,
		LastHeartbeat: w.LastHeartbeat,
		ActiveTasks:   len(w.assignedTasks),
		Completed:     w.completed,
		Failed:        w.failed,
		Reliability:   w.reliabilityLocked(),
	}
}

// Result is one worker's successful return for a task.
type Result struct {
	WorkerID string
	Value    any
	Latency  time.Duration
}

// Failure is one worker's reported failure for a task.
type Failure struct {
	WorkerID string
	Err      error
	At       time.Time
}

// Partial is an intermediate TASK_PROGRESS value a worker has reported.
type Partial struct {
	WorkerID string
	Value    any
	At       time.Time
}

// Future is the one-shot handle returned by Submit, resolved exactly once
// by the aggregator with either a value or an error.
type Future struct {
	done   chan struct{}
	once   sync.Once
	value  any
	err    error
	partial bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, partial bool) {
	f.once.Do(func() {
		f.value = value
		f.partial = partial
		close(f.done)
	})
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done exposes the resolution channel directly for select-based waiting.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the resolved value, partial flag, and error. Call only
// after Done() has fired.
func (f *Future) Result() (value any, partial bool, err error) {
	return f.value, f.partial, f.err
}

// Task is a unit of work submitted to the pool.
type Task struct {
	mu sync.Mutex

	ID               string
	Type             TaskType
	Payload          any
	Priority         int
	RequiredClass    CapabilityClass
	RequiredResults  int
	Timeout          time.Duration
	CreatedAt        time.Time
	AssignedAt       time.Time
	EnqueueSeq       uint64

	assigned map[string]struct{}
	results  []Result
	failures []Failure
	partials []Partial
	progress float64
	state    TaskState
	retries  int

	future *Future
}

// NewTask constructs a pending task with a zero-valued lifecycle; Timeout is
// filled in by the dispatcher when the task is first assigned (spec §3
// AdaptiveTimeout).
func NewTask(id string, typ TaskType, payload any, priority int, requiredClass CapabilityClass, requiredResults int, now time.Time) *Task {
	if requiredResults < 1 {
		requiredResults = 1
	}
	return &Task{
		ID:              id,
		Type:            typ,
		Payload:         payload,
		Priority:        priority,
		RequiredClass:   requiredClass,
		RequiredResults: requiredResults,
		CreatedAt:       now,
		state:           TaskPending,
		assigned:        make(map[string]struct{}),
		future:          newFuture(),
	}
}

// Future returns the task's resolution handle.
func (t *Task) Future() *Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.future
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// AssignedWorkers returns a snapshot of the worker IDs currently assigned to
// this task.
func (t *Task) AssignedWorkers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.assigned))
	for id := range t.assigned {
		out = append(out, id)
	}
	return out
}

func (t *Task) assignedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assigned)
}

// AdaptiveTimeoutConfig holds the defaults from spec §3.
type AdaptiveTimeoutConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultAdaptiveTimeoutConfig returns the spec's documented defaults.
func DefaultAdaptiveTimeoutConfig() AdaptiveTimeoutConfig {
	return AdaptiveTimeoutConfig{
		Base:       30 * time.Second,
		Max:        120 * time.Second,
		Multiplier: 3,
	}
}

// Compute derives the adaptive timeout for a task given the mean of each
// candidate worker's mean latency. If history is empty, Base is returned.
func (c AdaptiveTimeoutConfig) Compute(perWorkerMeans []time.Duration) time.Duration {
	if len(perWorkerMeans) == 0 {
		return c.Base
	}
	var total time.Duration
	for _, m := range perWorkerMeans {
		total += m
	}
	mean := total / time.Duration(len(perWorkerMeans))
	computed := time.Duration(float64(mean) * c.Multiplier)
	if computed > c.Max {
		return c.Max
	}
	if computed < c.Base {
		return c.Base
	}
	return computed
}
