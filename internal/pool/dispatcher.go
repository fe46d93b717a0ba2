package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DispatcherConfig holds the tunables named in spec §4.3.
type DispatcherConfig struct {
	RedundancyFactor     float64
	MaxAssignmentRetries int
	MaxActivePerWorker   int
	AdaptiveTimeout      AdaptiveTimeoutConfig
}

// DefaultDispatcherConfig returns the spec's documented defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RedundancyFactor:     1.5,
		MaxAssignmentRetries: 3,
		MaxActivePerWorker:   3,
		AdaptiveTimeout:      DefaultAdaptiveTimeoutConfig(),
	}
}

// Dispatch is a unit of work handed to a worker's transport connection: the
// task and the worker it was assigned to. The transport layer builds and
// serializes the wire payload; the dispatcher only decides who gets what and
// when.
type Dispatch struct {
	Task   *Task
	Worker *WorkerRecord
}

// Dispatcher owns the pending queue and the set of in-flight tasks,
// assigning redundant copies of each task to distinct candidate workers and
// reassigning on worker failure, disconnect, or timeout (spec §4.3).
type Dispatcher struct {
	cfg        DispatcherConfig
	registry   *Registry
	queue      *Queue
	aggregator *Aggregator
	events     *Bus
	send       func(Dispatch)

	mu      sync.Mutex
	inFlight map[string]*Task
	timers   map[string]*time.Timer

	assignments metric.Int64Counter
	timeouts    metric.Int64Counter
	reassigns   metric.Int64Counter
}

// NewDispatcher constructs a dispatcher. send is called once per worker
// assignment with the task to deliver; it is expected to hand off to the
// transport layer asynchronously and never block tick().
func NewDispatcher(cfg DispatcherConfig, registry *Registry, aggregator *Aggregator, events *Bus, send func(Dispatch)) *Dispatcher {
	meter := otel.Meter("pool-go")
	assignments, _ := meter.Int64Counter("pool_dispatcher_assignments_total")
	timeouts, _ := meter.Int64Counter("pool_dispatcher_timeouts_total")
	reassigns, _ := meter.Int64Counter("pool_dispatcher_reassignments_total")
	return &Dispatcher{
		cfg:         cfg,
		registry:    registry,
		queue:       NewQueue(),
		aggregator:  aggregator,
		events:      events,
		send:        send,
		inFlight:    make(map[string]*Task),
		timers:      make(map[string]*time.Timer),
		assignments: assignments,
		timeouts:    timeouts,
		reassigns:   reassigns,
	}
}

// Submit enqueues a new task under the caller-supplied id and returns its
// future.
func (d *Dispatcher) Submit(id string, typ TaskType, payload any, priority int, requiredClass CapabilityClass, requiredResults int) *Future {
	t := NewTask(id, typ, payload, priority, requiredClass, requiredResults, time.Now())
	d.queue.Enqueue(t)
	d.Tick()
	return t.Future()
}

// Tick drains as much of the pending queue as current worker capacity
// allows. It is safe to call repeatedly and concurrently; a call that finds
// no assignable candidates for the head task stops, leaving it queued for
// the next Tick, unless it has now gone MaxAssignmentRetries ticks with zero
// eligible workers, in which case it is failed with ErrNoCandidates.
func (d *Dispatcher) Tick() {
	for {
		t := d.queue.Peek()
		if t == nil {
			return
		}
		// A re-enqueued task may have resolved since; drop it from the queue.
		if s := t.State(); s == TaskCompleted || s == TaskFailed || s == TaskTimeout {
			d.queue.PopHighest()
			continue
		}
		needed := requiredWorkerCount(t.RequiredResults, d.cfg.RedundancyFactor) - t.assignedCount()
		if needed <= 0 {
			d.queue.PopHighest()
			continue
		}

		candidates := d.registry.SelectCandidates(t.RequiredClass, d.cfg.MaxActivePerWorker)
		assigned := t.AssignedWorkers()
		assignedSet := make(map[string]struct{}, len(assigned))
		for _, id := range assigned {
			assignedSet[id] = struct{}{}
		}

		var toAssign []*WorkerRecord
		for _, c := range candidates {
			if _, already := assignedSet[c.ID]; already {
				continue
			}
			toAssign = append(toAssign, c)
			if len(toAssign) == needed {
				break
			}
		}
		if len(toAssign) == 0 {
			if len(candidates) == 0 {
				t.mu.Lock()
				retries := t.retries
				t.retries++
				t.mu.Unlock()
				if retries >= d.cfg.MaxAssignmentRetries {
					d.queue.PopHighest()
					t.setState(TaskFailed)
					slog.Warn("giving up on task with no eligible workers", "task_id", t.ID, "retries", retries)
					d.events.Publish(Event{Type: EventTaskFailed, TaskID: t.ID, At: time.Now()})
					t.Future().reject(fmt.Errorf("task %s: %w", t.ID, ErrNoCandidates))
					d.finish(t.ID)
					continue
				}
			}
			return
		}

		d.queue.PopHighest()
		d.assignTo(t, toAssign)
		if t.assignedCount() < requiredWorkerCount(t.RequiredResults, d.cfg.RedundancyFactor) {
			// Not enough capacity right now; re-enqueue to retry on next Tick.
			d.queue.Enqueue(t)
		}
	}
}

// requiredWorkerCount implements spec §4.3: K = ceil(required_results * redundancy_factor).
func requiredWorkerCount(requiredResults int, redundancyFactor float64) int {
	k := int(math.Ceil(float64(requiredResults) * redundancyFactor))
	if k < requiredResults {
		k = requiredResults
	}
	return k
}

func (d *Dispatcher) assignTo(t *Task, workers []*WorkerRecord) {
	means := make([]time.Duration, 0, len(workers))
	for _, w := range workers {
		if m, ok := w.MeanLatency(); ok {
			means = append(means, m)
		}
	}
	t.mu.Lock()
	if t.Timeout == 0 {
		t.Timeout = d.cfg.AdaptiveTimeout.Compute(means)
	}
	t.AssignedAt = time.Now()
	if t.state == TaskPending {
		t.state = TaskAssigned
	}
	for _, w := range workers {
		t.assigned[w.ID] = struct{}{}
	}
	timeout := t.Timeout
	t.mu.Unlock()

	d.mu.Lock()
	d.inFlight[t.ID] = t
	d.mu.Unlock()

	for _, w := range workers {
		d.registry.MarkAssigned(w.ID, t.ID)
		d.assignments.Add(context.Background(), 1)
		d.events.Publish(Event{Type: EventTaskAssigned, WorkerID: w.ID, TaskID: t.ID, At: time.Now()})
		d.send(Dispatch{Task: t, Worker: w})
	}

	d.armTimeout(t, timeout)
}

func (d *Dispatcher) armTimeout(t *Task, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() { d.handleTimeout(t) })
	d.mu.Lock()
	if old, ok := d.timers[t.ID]; ok {
		old.Stop()
	}
	d.timers[t.ID] = timer
	d.mu.Unlock()
}

func (d *Dispatcher) disarmTimeout(taskID string) {
	d.mu.Lock()
	if timer, ok := d.timers[taskID]; ok {
		timer.Stop()
		delete(d.timers, taskID)
	}
	d.mu.Unlock()
}

// HandleResult is called by the transport layer when a worker returns a
// TASK_RESULT for a task it was assigned. It unregisters the worker's active
// assignment and, once the aggregator has enough results, tears down the
// task's state.
func (d *Dispatcher) HandleResult(taskID string, result Result) {
	t := d.getInFlight(taskID)
	if t == nil {
		return
	}
	d.registry.MarkUnassigned(result.WorkerID, taskID)
	resolved := d.aggregator.AcceptResult(t, result)
	if resolved {
		d.finish(taskID)
		d.Tick()
	}
}

// HandleProgress records an intermediate TASK_PROGRESS report.
func (d *Dispatcher) HandleProgress(taskID string, p Partial, progress float64) {
	t := d.getInFlight(taskID)
	if t == nil {
		return
	}
	t.mu.Lock()
	t.partials = append(t.partials, p)
	t.progress = progress
	if t.state == TaskAssigned {
		t.state = TaskInProgress
	}
	t.mu.Unlock()
}

// HandleFailure is called when a worker reports it could not complete a
// task. If retries remain, the task is reassigned to a fresh candidate; the
// failure counts against the worker's reliability unless isCapacityFailure
// is set (spec §7).
func (d *Dispatcher) HandleFailure(taskID string, f Failure, isCapacityFailure bool) {
	t := d.getInFlight(taskID)
	if t == nil {
		return
	}
	d.registry.MarkUnassigned(f.WorkerID, taskID)
	d.registry.RecordCompletion(f.WorkerID, 0, false, !isCapacityFailure)

	t.mu.Lock()
	t.failures = append(t.failures, f)
	retries := t.retries
	t.retries++
	t.mu.Unlock()

	d.events.Publish(Event{Type: EventTaskFailed, WorkerID: f.WorkerID, TaskID: taskID, At: time.Now()})

	if retries >= d.cfg.MaxAssignmentRetries {
		t.setState(TaskFailed)
		t.Future().reject(fmt.Errorf("task %s failed after %d retries (last: %v): %w", taskID, retries, f.Err, ErrTaskFailed))
		d.finish(taskID)
		d.Tick()
		return
	}

	d.reassign(t)
}

// HandleDisconnect is called when a worker's transport connection drops. Any
// tasks still assigned to it are reassigned immediately rather than waiting
// on their timeout (spec §4.3 reassignment trigger).
func (d *Dispatcher) HandleDisconnect(workerID string) {
	rec, ok := d.registry.Get(workerID)
	if !ok {
		return
	}
	rec.mu.Lock()
	taskIDs := make([]string, 0, len(rec.assignedTasks))
	for id := range rec.assignedTasks {
		taskIDs = append(taskIDs, id)
	}
	rec.mu.Unlock()

	for _, taskID := range taskIDs {
		t := d.getInFlight(taskID)
		if t == nil {
			continue
		}
		d.registry.MarkUnassigned(workerID, taskID)
		d.reassigns.Add(context.Background(), 1)
		d.reassign(t)
	}
}

func (d *Dispatcher) reassign(t *Task) {
	t.mu.Lock()
	t.EnqueueSeq = 0
	t.mu.Unlock()
	d.queue.Enqueue(t)
	d.Tick()
}

func (d *Dispatcher) handleTimeout(t *Task) {
	t.mu.Lock()
	if t.state == TaskCompleted || t.state == TaskFailed || t.state == TaskTimeout {
		t.mu.Unlock()
		return
	}
	partials := append([]Partial(nil), t.partials...)
	retries := t.retries
	t.mu.Unlock()

	d.timeouts.Add(context.Background(), 1)
	d.events.Publish(Event{Type: EventTaskTimeout, TaskID: t.ID, At: time.Now()})

	if best, ok := LargestPartial(partials); ok {
		d.aggregator.PromotePartial(t, best)
		d.finish(t.ID)
		d.Tick()
		return
	}

	if retries < d.cfg.MaxAssignmentRetries {
		t.mu.Lock()
		t.retries++
		t.mu.Unlock()
		d.reassign(t)
		return
	}

	t.setState(TaskTimeout)
	t.Future().reject(fmt.Errorf("task %s timed out after %d retries: %w", t.ID, retries, ErrTaskTimeout))
	d.finish(t.ID)
	d.Tick()
}

func (d *Dispatcher) getInFlight(taskID string) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[taskID]
}

func (d *Dispatcher) finish(taskID string) {
	d.disarmTimeout(taskID)
	d.mu.Lock()
	delete(d.inFlight, taskID)
	d.mu.Unlock()
	slog.Debug("task finished", "task_id", taskID)
}

// PendingCount returns the number of tasks waiting for assignment.
func (d *Dispatcher) PendingCount() int { return d.queue.Size() }

// InFlightCount returns the number of tasks currently assigned to at least
// one worker.
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
