package pool

import (
	"testing"
	"time"
)

type fakeSender struct {
	closed map[string]int
}

func newFakeSender() *fakeSender { return &fakeSender{closed: make(map[string]int)} }

func (f *fakeSender) SendTo(workerID string, message []byte) error { return nil }

func (f *fakeSender) Close(workerID string, code int, reason string) error {
	f.closed[workerID] = code
	return nil
}

func TestRegistryRegisterAssignsServerSideID(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	rec, err := r.Register(RegistrationInfo{DisplayName: "laptop", Capability: CapabilityStandard, Model: "llama"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected a non-empty server-generated ID")
	}
	if got, ok := r.Get(rec.ID); !ok || got != rec {
		t.Fatalf("expected Get to return the registered record")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
}

func TestRegistrySelectCandidatesExcludesIncapableAndSaturated(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	basic, _ := r.Register(RegistrationInfo{DisplayName: "basic", Capability: CapabilityBasic})
	gpu, _ := r.Register(RegistrationInfo{DisplayName: "gpu", Capability: CapabilityGPU})

	r.MarkAssigned(gpu.ID, "t1")
	r.MarkAssigned(gpu.ID, "t2")
	r.MarkAssigned(gpu.ID, "t3") // saturates gpu at the default cap of 3

	candidates := r.SelectCandidates(CapabilityStandard, 3)
	for _, c := range candidates {
		if c.ID == basic.ID {
			t.Fatalf("basic worker should be excluded: incapable of STANDARD")
		}
		if c.ID == gpu.ID {
			t.Fatalf("gpu worker should be excluded: saturated at max active tasks")
		}
	}
}

func TestRegistrySelectCandidatesOrdersByScoreThenJoinOrder(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	first, _ := r.Register(RegistrationInfo{DisplayName: "first", Capability: CapabilityStandard})
	time.Sleep(time.Millisecond)
	second, _ := r.Register(RegistrationInfo{DisplayName: "second", Capability: CapabilityStandard})

	// Equal reliability, latency history, and active count (all neither
	// assigned nor scored yet): tie-break falls through to join order.
	candidates := r.SelectCandidates(CapabilityBasic, 3)
	if len(candidates) != 2 || candidates[0].ID != first.ID || candidates[1].ID != second.ID {
		t.Fatalf("expected [first, second] by join order, got %v", candidates)
	}

	// Degrade second's reliability so first should rank ahead regardless.
	r.RecordCompletion(second.ID, time.Second, false, true)
	candidates = r.SelectCandidates(CapabilityBasic, 3)
	if candidates[0].ID != first.ID {
		t.Fatalf("expected higher-reliability worker first, got %s", candidates[0].ID)
	}
}

func TestRegistrySelectCandidatesTiebreaksOnLastAssignedRecency(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	recent, _ := r.Register(RegistrationInfo{DisplayName: "recent", Capability: CapabilityStandard})
	stale, _ := r.Register(RegistrationInfo{DisplayName: "stale", Capability: CapabilityStandard})

	// Assign and immediately unassign a task on each, recent last so it has
	// a strictly later lastAssigned timestamp than stale.
	r.MarkAssigned(stale.ID, "t1")
	r.MarkUnassigned(stale.ID, "t1")
	time.Sleep(time.Millisecond)
	r.MarkAssigned(recent.ID, "t2")
	r.MarkUnassigned(recent.ID, "t2")

	// Equal score and active count (both 0 active again): the worker with
	// the longer time since its last assignment should rank first.
	candidates := r.SelectCandidates(CapabilityBasic, 3)
	if len(candidates) != 2 || candidates[0].ID != stale.ID || candidates[1].ID != recent.ID {
		t.Fatalf("expected [stale, recent] by longest time since last assignment, got %v", candidates)
	}
}

func TestRegistryStaleWorkersAndSweep(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.HeartbeatTimeout = time.Millisecond
	sender := newFakeSender()
	r := NewRegistry(cfg, sender, NewBus())
	rec, _ := r.Register(RegistrationInfo{DisplayName: "flaky", Capability: CapabilityBasic})

	time.Sleep(5 * time.Millisecond)
	stale := r.StaleWorkers()
	if len(stale) != 1 || stale[0] != rec.ID {
		t.Fatalf("expected worker %s to be stale, got %v", rec.ID, stale)
	}

	swept := r.SweepStale()
	if len(swept) != 1 || swept[0] != rec.ID {
		t.Fatalf("expected sweep to return %s, got %v", rec.ID, swept)
	}
	if sender.closed[rec.ID] != 4002 {
		t.Fatalf("expected close code 4002, got %d", sender.closed[rec.ID])
	}
}

func TestWorkerRecordReliabilityFormula(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	rec, _ := r.Register(RegistrationInfo{DisplayName: "w", Capability: CapabilityBasic})

	r.RecordCompletion(rec.ID, 10*time.Millisecond, true, true)
	r.RecordCompletion(rec.ID, 10*time.Millisecond, true, true)
	r.RecordCompletion(rec.ID, 10*time.Millisecond, false, true)

	if got := rec.Reliability(); got <= 0 || got >= 1 {
		t.Fatalf("expected reliability strictly between 0 and 1 after mixed results, got %v", got)
	}
}

func TestRegistryCapacityFailureDoesNotDegradeReliability(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), newFakeSender(), NewBus())
	rec, _ := r.Register(RegistrationInfo{DisplayName: "w", Capability: CapabilityBasic})

	before := rec.Reliability()
	r.RecordCompletion(rec.ID, 0, false, false) // capacity failure: countsAgainstReliability=false
	if after := rec.Reliability(); after != before {
		t.Fatalf("capacity failure must not change reliability: before=%v after=%v", before, after)
	}
}
