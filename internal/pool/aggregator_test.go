package pool

import (
	"testing"
	"time"
)

func newTestAggregator() (*Aggregator, *Registry) {
	reg := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	agg := NewAggregator(reg, NewCompletedCache(10), NewBus())
	return agg, reg
}

func TestAggregatorResolvesOnceThresholdMet(t *testing.T) {
	agg, reg := newTestAggregator()
	w1, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})
	w2, _ := reg.Register(RegistrationInfo{DisplayName: "w2", Capability: CapabilityBasic})

	task := NewTask("t1", TaskInference, nil, 0, CapabilityBasic, 2, time.Now())

	if agg.AcceptResult(task, Result{WorkerID: w1.ID, Value: "partial answer"}) {
		t.Fatalf("should not resolve before threshold is met")
	}
	if !agg.AcceptResult(task, Result{WorkerID: w2.ID, Value: "longer final answer"}) {
		t.Fatalf("expected resolution once required results reached")
	}

	value, partial, err := task.Future().Result()
	if err != nil || partial {
		t.Fatalf("unexpected future state: value=%v partial=%v err=%v", value, partial, err)
	}
	if value != "longer final answer" {
		t.Fatalf("expected longest string to win, got %v", value)
	}
}

func TestAggregatorDiscardsLateResultsPastThreshold(t *testing.T) {
	agg, reg := newTestAggregator()
	w1, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})
	w2, _ := reg.Register(RegistrationInfo{DisplayName: "w2", Capability: CapabilityBasic})
	w3, _ := reg.Register(RegistrationInfo{DisplayName: "w3", Capability: CapabilityBasic})

	task := NewTask("t1", TaskInference, nil, 0, CapabilityBasic, 1, time.Now())
	if !agg.AcceptResult(task, Result{WorkerID: w1.ID, Value: "first"}) {
		t.Fatalf("expected immediate resolution with required_results=1")
	}
	if agg.AcceptResult(task, Result{WorkerID: w2.ID, Value: "late"}) {
		t.Fatalf("a second result after resolution must be discarded, not re-resolve")
	}
	_ = w3

	value, _, _ := task.Future().Result()
	if value != "first" {
		t.Fatalf("expected the first accepted value to stick, got %v", value)
	}
}

func TestAggregatorVoteHookForStructuredResults(t *testing.T) {
	agg, reg := newTestAggregator()
	w1, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})
	w2, _ := reg.Register(RegistrationInfo{DisplayName: "w2", Capability: CapabilityBasic})

	agg.VoteHook = func(results []Result) (any, bool) {
		return results[len(results)-1].Value, true
	}

	task := NewTask("t1", TaskInference, nil, 0, CapabilityBasic, 2, time.Now())
	agg.AcceptResult(task, Result{WorkerID: w1.ID, Value: map[string]any{"a": 1}})
	agg.AcceptResult(task, Result{WorkerID: w2.ID, Value: map[string]any{"a": 2}})

	value, _, _ := task.Future().Result()
	m, ok := value.(map[string]any)
	if !ok || m["a"] != 2 {
		t.Fatalf("expected VoteHook's chosen value to win, got %v", value)
	}
}

func TestLargestPartialPicksLongestString(t *testing.T) {
	partials := []Partial{
		{WorkerID: "a", Value: "short"},
		{WorkerID: "b", Value: "a much longer partial result"},
	}
	best, ok := LargestPartial(partials)
	if !ok || best.WorkerID != "b" {
		t.Fatalf("expected worker b's longer partial to win, got %+v ok=%v", best, ok)
	}
}

func TestLargestPartialEmpty(t *testing.T) {
	if _, ok := LargestPartial(nil); ok {
		t.Fatalf("expected ok=false for no partials")
	}
}
