package pool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// VoteHook lets a caller plug in a consensus strategy over multiple
// structured (non-string) results; the default aggregator returns the
// first such result, documenting voting as an extension point (spec §4.4,
// §9). Returning ok=false falls back to the default "return first" rule.
type VoteHook func(results []Result) (value any, ok bool)

// Aggregator combines redundant task results into one canonical answer,
// updates the registry's latency and reliability bookkeeping, caches the
// result, and resolves the submitter's future exactly once (spec §4.4).
type Aggregator struct {
	registry *Registry
	cache    *CompletedCache
	events   *Bus
	VoteHook VoteHook

	completions metric.Int64Counter
}

// NewAggregator constructs an aggregator bound to a registry, completed
// cache, and event bus.
func NewAggregator(registry *Registry, cache *CompletedCache, events *Bus) *Aggregator {
	meter := otel.Meter("pool-go")
	completions, _ := meter.Int64Counter("pool_tasks_completed_total")
	return &Aggregator{registry: registry, cache: cache, events: events, completions: completions}
}

// AcceptResult appends a successful return to the task and, once the
// required-results threshold is met, resolves the task. Late returns past
// the threshold are discarded (spec §4.3 redundancy).
func (a *Aggregator) AcceptResult(t *Task, result Result) (resolved bool) {
	t.mu.Lock()
	if t.state == TaskCompleted || t.state == TaskFailed || t.state == TaskTimeout {
		t.mu.Unlock()
		return false
	}
	t.results = append(t.results, result)
	reachedThreshold := len(t.results) >= t.RequiredResults
	var resultsCopy []Result
	if reachedThreshold {
		resultsCopy = append([]Result(nil), t.results...)
		t.state = TaskCompleted
	}
	future := t.future
	t.mu.Unlock()

	a.registry.RecordCompletion(result.WorkerID, result.Latency, true, true)

	if !reachedThreshold {
		return false
	}

	value := a.combine(resultsCopy)
	a.cache.Put(t.ID, value)
	future.resolve(value, false)
	a.completions.Add(context.Background(), 1)
	a.events.Publish(Event{Type: EventTaskCompleted, TaskID: t.ID, At: time.Now()})
	return true
}

// combine implements the spec's aggregation heuristic: a single result is
// returned verbatim; multiple string results return the longest (a proxy
// for "most complete"); multiple structured results defer to VoteHook if
// set, else return the first.
func (a *Aggregator) combine(results []Result) any {
	if len(results) == 1 {
		return results[0].Value
	}

	allStrings := true
	for _, r := range results {
		if _, ok := r.Value.(string); !ok {
			allStrings = false
			break
		}
	}
	if allStrings {
		longest := results[0].Value.(string)
		for _, r := range results[1:] {
			s := r.Value.(string)
			if len(s) > len(longest) {
				longest = s
			}
		}
		return longest
	}

	if a.VoteHook != nil {
		if v, ok := a.VoteHook(results); ok {
			return v
		}
	}
	return results[0].Value
}

// PromotePartial resolves a task with its largest partial result at
// timeout, marking it completed with partial=true (spec §4.3).
func (a *Aggregator) PromotePartial(t *Task, best Partial) {
	t.mu.Lock()
	if t.state == TaskCompleted || t.state == TaskFailed || t.state == TaskTimeout {
		t.mu.Unlock()
		return
	}
	t.state = TaskCompleted
	future := t.future
	t.mu.Unlock()

	a.cache.Put(t.ID, best.Value)
	future.resolve(best.Value, true)
	a.completions.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("partial", true)))
	a.events.Publish(Event{Type: EventTaskCompleted, TaskID: t.ID, Detail: "partial", At: time.Now()})
}

// LargestPartial picks the best partial by length for strings, or by an
// explicit numeric "size" for other types (spec §4.3). Returns ok=false if
// no partials have been recorded.
func LargestPartial(partials []Partial) (Partial, bool) {
	if len(partials) == 0 {
		return Partial{}, false
	}
	best := partials[0]
	bestSize := partialSize(best.Value)
	for _, p := range partials[1:] {
		if s := partialSize(p.Value); s > bestSize {
			best = p
			bestSize = s
		}
	}
	return best, true
}

func partialSize(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []byte:
		return len(x)
	case interface{ Size() int }:
		return x.Size()
	default:
		return 0
	}
}
