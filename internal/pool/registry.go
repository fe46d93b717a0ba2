package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskpool/internal/resilience"
)

// RegistryConfig holds the tunables named in spec §4.1.
type RegistryConfig struct {
	MaxConcurrentTasksPerDevice int
	HeartbeatTimeout            time.Duration
	DefaultLatencyWhenUnknown   time.Duration
}

// DefaultRegistryConfig returns the spec's documented defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxConcurrentTasksPerDevice: 3,
		HeartbeatTimeout:            60 * time.Second,
		DefaultLatencyWhenUnknown:   5 * time.Second,
	}
}

// Sender dispatches a pre-serialized outbound message to a worker's
// transport connection. The registry depends only on this narrow interface;
// it never holds the connection itself (spec §9, cyclic-reference note).
type Sender interface {
	SendTo(workerID string, message []byte) error
	Close(workerID string, code int, reason string) error
}

// RegistrationInfo is what a joining worker presents during handshake.
type RegistrationInfo struct {
	DisplayName string
	Capability  CapabilityClass
	Model       string
}

// Registry tracks every connected worker's identity, capability, liveness,
// latency history, and reliability (spec §4.1). All mutation to a given
// worker's record is serialized through that record's own lock; the
// registry's own lock protects only the membership map.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerRecord
	cfg     RegistryConfig
	sender  Sender
	events  *Bus

	staleWorkers metric.Int64Counter
	registered   metric.Int64Counter
}

// NewRegistry constructs an empty registry bound to a transport sender and
// event bus.
func NewRegistry(cfg RegistryConfig, sender Sender, events *Bus) *Registry {
	meter := otel.Meter("pool-go")
	stale, _ := meter.Int64Counter("pool_registry_stale_workers_total")
	registered, _ := meter.Int64Counter("pool_registry_registrations_total")
	return &Registry{
		workers:      make(map[string]*WorkerRecord),
		cfg:          cfg,
		sender:       sender,
		events:       events,
		staleWorkers: stale,
		registered:   registered,
	}
}

// Register admits a new worker and returns its server-generated identifier.
// Identifiers are server-generated (never client-supplied) to prevent
// spoofing, per spec §4.1.
func (r *Registry) Register(info RegistrationInfo) (*WorkerRecord, error) {
	id, err := randomWorkerID()
	if err != nil {
		return nil, fmt.Errorf("generate worker id: %w", err)
	}
	rec := newWorkerRecord(id, info.DisplayName, info.Capability, info.Model, time.Now())
	rec.breaker = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.6, 10*time.Second, 2)

	r.mu.Lock()
	r.workers[id] = rec
	r.mu.Unlock()

	r.registered.Add(context.Background(), 1)
	r.events.Publish(Event{Type: EventDeviceJoined, WorkerID: id, At: time.Now()})
	slog.Info("worker registered", "worker_id", id, "capability", info.Capability.String(), "model", info.Model)
	return rec, nil
}

// Get returns the record for a worker, if present.
func (r *Registry) Get(workerID string) (*WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[workerID]
	return rec, ok
}

// UpdateStatus refreshes a worker's last-heartbeat timestamp. Any inbound
// message, not only HEARTBEAT, should call this (spec §4.5).
func (r *Registry) UpdateStatus(workerID string) {
	rec, ok := r.Get(workerID)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.LastHeartbeat = time.Now()
	rec.mu.Unlock()
}

// UpdateCapability mutates a worker's capability class (spec §3: mutable
// only by a typed update message).
func (r *Registry) UpdateCapability(workerID string, class CapabilityClass) error {
	rec, ok := r.Get(workerID)
	if !ok {
		return fmt.Errorf("unknown worker: %s", workerID)
	}
	rec.mu.Lock()
	rec.Capability = class
	rec.mu.Unlock()
	return nil
}

// RecordCompletion updates a worker's latency ring and completed/failed
// counters. A WorkerCapacity-kind failure does not degrade reliability
// (spec §7); callers signal that by passing countsAgainstReliability=false.
func (r *Registry) RecordCompletion(workerID string, latency time.Duration, ok bool, countsAgainstReliability bool) {
	rec, found := r.Get(workerID)
	if !found {
		return
	}
	rec.mu.Lock()
	if ok {
		rec.completed++
		rec.latencies.add(latency)
	} else if countsAgainstReliability {
		rec.failed++
	}
	breaker := rec.breaker
	rec.mu.Unlock()
	if breaker != nil {
		breaker.RecordResult(ok)
	}
}

// MarkAssigned records that a task has been handed to a worker.
func (r *Registry) MarkAssigned(workerID, taskID string) {
	rec, ok := r.Get(workerID)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.assignedTasks[taskID] = struct{}{}
	rec.lastAssigned = time.Now()
	rec.mu.Unlock()
}

// MarkUnassigned removes a task from a worker's active set, on completion,
// failure, reassignment, or disconnect.
func (r *Registry) MarkUnassigned(workerID, taskID string) {
	rec, ok := r.Get(workerID)
	if !ok {
		return
	}
	rec.mu.Lock()
	delete(rec.assignedTasks, taskID)
	rec.mu.Unlock()
}

// MarkOffline closes a worker's connection and returns its record so the
// dispatcher can reassign its active tasks; the record itself is left in
// place until Remove is called, so late-arriving results can still be
// attributed for metrics.
func (r *Registry) MarkOffline(workerID, reason string, code int) (*WorkerRecord, bool) {
	rec, ok := r.Get(workerID)
	if !ok {
		return nil, false
	}
	if r.sender != nil {
		_ = r.sender.Close(workerID, code, reason)
	}
	r.events.Publish(Event{Type: EventDeviceLeft, WorkerID: workerID, At: time.Now(), Detail: reason})
	return rec, true
}

// Remove deletes a worker's record entirely.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	delete(r.workers, workerID)
	r.mu.Unlock()
}

// StaleWorkers returns the IDs of workers whose last heartbeat exceeds the
// configured timeout.
func (r *Registry) StaleWorkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var stale []string
	for id, rec := range r.workers {
		rec.mu.Lock()
		last := rec.LastHeartbeat
		rec.mu.Unlock()
		if now.Sub(last) > r.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// SweepStale finds and closes every worker past its heartbeat deadline,
// returning their IDs so the caller can reassign their active tasks. The
// dispatcher does not call it.
func (r *Registry) SweepStale() []string {
	stale := r.StaleWorkers()
	for _, id := range stale {
		r.staleWorkers.Add(context.Background(), 1)
		r.MarkOffline(id, "Heartbeat timeout", 4002)
	}
	return stale
}

type candidate struct {
	rec          *WorkerRecord
	score        float64
	activeCount  int
	lastAssigned time.Time
}

// SelectCandidates returns workers eligible for a task requiring at least
// requiredClass, ordered by descending score, then by smaller active-task
// count, then by longest time since last assignment (spec §4.1). Workers at
// or past maxActivePerWorker, or whose circuit breaker is open, are excluded.
func (r *Registry) SelectCandidates(requiredClass CapabilityClass, maxActivePerWorker int) []*WorkerRecord {
	if maxActivePerWorker <= 0 {
		maxActivePerWorker = r.cfg.MaxConcurrentTasksPerDevice
	}
	r.mu.RLock()
	all := make([]*WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		all = append(all, rec)
	}
	r.mu.RUnlock()

	var candidates []candidate
	for _, rec := range all {
		rec.mu.Lock()
		capable := rec.Capability.AtLeast(requiredClass)
		active := len(rec.assignedTasks)
		breaker := rec.breaker
		lastAssigned := rec.lastAssigned
		rec.mu.Unlock()

		if !capable || active >= maxActivePerWorker {
			continue
		}
		if breaker != nil && !breaker.Allow() {
			continue
		}

		latency, hasHistory := rec.MeanLatency()
		if !hasHistory {
			latency = r.cfg.DefaultLatencyWhenUnknown
		}
		reliability := rec.Reliability()
		score := reliability / (1 + latency.Seconds()/10)

		candidates = append(candidates, candidate{rec: rec, score: score, activeCount: active, lastAssigned: lastAssigned})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].activeCount != candidates[j].activeCount {
			return candidates[i].activeCount < candidates[j].activeCount
		}
		if !candidates[i].lastAssigned.Equal(candidates[j].lastAssigned) {
			return candidates[i].lastAssigned.Before(candidates[j].lastAssigned)
		}
		return candidates[i].rec.JoinedAt.Before(candidates[j].rec.JoinedAt)
	})

	out := make([]*WorkerRecord, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out
}

// Count returns the number of currently registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshot returns a point-in-time view of every worker. The /status
// endpoint reports only Count, and event payloads do not carry snapshots.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.Snapshot())
	}
	return out
}

func randomWorkerID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
