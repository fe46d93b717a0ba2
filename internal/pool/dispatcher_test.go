package pool

import (
	"errors"
	"testing"
	"time"
)

func newDispatcherFixture(t *testing.T) (*Dispatcher, *Registry, *[]Dispatch) {
	t.Helper()
	reg := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	cache := NewCompletedCache(10)
	events := NewBus()
	agg := NewAggregator(reg, cache, events)

	var sent []Dispatch
	send := func(d Dispatch) { sent = append(sent, d) }

	cfg := DefaultDispatcherConfig()
	cfg.AdaptiveTimeout.Base = 50 * time.Millisecond
	cfg.AdaptiveTimeout.Max = 200 * time.Millisecond
	d := NewDispatcher(cfg, reg, agg, events, send)
	return d, reg, &sent
}

func TestDispatcherSingleWorkerRoundTrip(t *testing.T) {
	d, reg, sent := newDispatcherFixture(t)
	w, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})

	future := d.Submit("t1", TaskInference, "payload", 0, CapabilityBasic, 1)

	if len(*sent) != 1 || (*sent)[0].Worker.ID != w.ID {
		t.Fatalf("expected one assignment to the sole worker, got %v", *sent)
	}

	d.HandleResult("t1", Result{WorkerID: w.ID, Value: "done"})

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("future never resolved")
	}
	value, partial, err := future.Result()
	if err != nil || partial || value != "done" {
		t.Fatalf("unexpected result: %v %v %v", value, partial, err)
	}
}

func TestDispatcherRedundantAssignmentFirstResultWins(t *testing.T) {
	d, reg, sent := newDispatcherFixture(t)
	d.cfg.RedundancyFactor = 2.0
	w1, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})
	w2, _ := reg.Register(RegistrationInfo{DisplayName: "w2", Capability: CapabilityBasic})

	future := d.Submit("t1", TaskInference, "payload", 0, CapabilityBasic, 1)
	if len(*sent) != 2 {
		t.Fatalf("expected redundancy factor 2 to assign both workers, got %d", len(*sent))
	}

	d.HandleResult("t1", Result{WorkerID: w1.ID, Value: "short"})
	d.HandleResult("t1", Result{WorkerID: w2.ID, Value: "a longer answer"})

	<-future.Done()
	value, _, _ := future.Result()
	if value != "short" {
		t.Fatalf("expected the first accepted result (required_results=1) to win, got %v", value)
	}
}

func TestDispatcherReassignsOnDisconnect(t *testing.T) {
	d, reg, sent := newDispatcherFixture(t)
	w1, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})
	future := d.Submit("t1", TaskInference, "payload", 0, CapabilityBasic, 1)
	if len((*sent)) != 1 {
		t.Fatalf("expected initial assignment")
	}

	w2, _ := reg.Register(RegistrationInfo{DisplayName: "w2", Capability: CapabilityBasic})
	d.HandleDisconnect(w1.ID)

	if len(*sent) != 2 || (*sent)[1].Worker.ID != w2.ID {
		t.Fatalf("expected reassignment to the remaining worker, got %v", *sent)
	}

	d.HandleResult("t1", Result{WorkerID: w2.ID, Value: "recovered"})
	<-future.Done()
	value, _, _ := future.Result()
	if value != "recovered" {
		t.Fatalf("expected result from reassigned worker, got %v", value)
	}
}

func TestDispatcherTimeoutPromotesLargestPartial(t *testing.T) {
	d, reg, _ := newDispatcherFixture(t)
	d.cfg.AdaptiveTimeout.Base = 10 * time.Millisecond
	w, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})

	future := d.Submit("t1", TaskInference, "payload", 0, CapabilityBasic, 1)
	d.HandleProgress("t1", Partial{WorkerID: w.ID, Value: "partial progress"}, 0.5)

	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected timeout to resolve the future with the partial result")
	}
	value, partial, err := future.Result()
	if err != nil || !partial || value != "partial progress" {
		t.Fatalf("expected promoted partial result, got value=%v partial=%v err=%v", value, partial, err)
	}
}

func TestDispatcherFailsTaskAfterRepeatedNoCandidateTicks(t *testing.T) {
	d, _, sent := newDispatcherFixture(t)
	d.cfg.MaxAssignmentRetries = 1

	// No workers are ever registered, so every Tick finds zero candidates.
	future := d.Submit("t1", TaskInference, "payload", 0, CapabilityBasic, 1)
	if len(*sent) != 0 {
		t.Fatalf("expected no assignment with zero registered workers, got %v", *sent)
	}

	select {
	case <-future.Done():
		t.Fatalf("future resolved too early, before exhausting MaxAssignmentRetries")
	default:
	}

	d.Tick()

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected the task to be failed after exhausting retries with no candidates")
	}
	_, _, err := future.Result()
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestDispatcherExactlyOnceResolution(t *testing.T) {
	d, reg, _ := newDispatcherFixture(t)
	w1, _ := reg.Register(RegistrationInfo{DisplayName: "w1", Capability: CapabilityBasic})
	w2, _ := reg.Register(RegistrationInfo{DisplayName: "w2", Capability: CapabilityBasic})
	d.cfg.RedundancyFactor = 2.0

	future := d.Submit("t1", TaskInference, "payload", 0, CapabilityBasic, 1)
	d.HandleResult("t1", Result{WorkerID: w1.ID, Value: "first"})
	d.HandleResult("t1", Result{WorkerID: w2.ID, Value: "second"})

	<-future.Done()
	value, _, _ := future.Result()
	if value != "first" {
		t.Fatalf("a future must resolve exactly once, to the first accepted value; got %v", value)
	}
}
