package pool

import (
	"errors"
	"testing"
	"time"
)

func TestCapabilityClassAtLeast(t *testing.T) {
	if !CapabilityGPU.AtLeast(CapabilityStandard) {
		t.Fatalf("GPU should satisfy STANDARD")
	}
	if CapabilityMinimal.AtLeast(CapabilityAdvanced) {
		t.Fatalf("MINIMAL should not satisfy ADVANCED")
	}
}

func TestAdaptiveTimeoutBounds(t *testing.T) {
	cfg := DefaultAdaptiveTimeoutConfig()

	if got := cfg.Compute(nil); got != cfg.Base {
		t.Fatalf("expected base timeout with no history, got %v", got)
	}

	got := cfg.Compute([]time.Duration{2 * time.Second, 4 * time.Second})
	if got < cfg.Base || got > cfg.Max {
		t.Fatalf("adaptive timeout %v out of bounds [%v, %v]", got, cfg.Base, cfg.Max)
	}

	huge := cfg.Compute([]time.Duration{10 * time.Minute})
	if huge != cfg.Max {
		t.Fatalf("expected clamp to max, got %v", huge)
	}
}

func TestWorkerRecordReliabilityBounds(t *testing.T) {
	rec := newWorkerRecord("w1", "device", CapabilityBasic, "model", time.Now())
	if r := rec.Reliability(); r != 1 {
		t.Fatalf("expected initial reliability 1, got %v", r)
	}
	rec.completed = 3
	rec.failed = 1
	if r := rec.Reliability(); r < 0 || r > 1 {
		t.Fatalf("reliability out of [0,1]: %v", r)
	}
}

func TestFutureResolvesExactlyOnce(t *testing.T) {
	f := newFuture()
	f.resolve("a", false)
	f.resolve("b", false) // should be a no-op
	<-f.Done()
	value, partial, err := f.Result()
	if err != nil || partial || value != "a" {
		t.Fatalf("unexpected result: %v %v %v", value, partial, err)
	}
}

func TestFutureRejectAfterResolveIsNoop(t *testing.T) {
	f := newFuture()
	f.resolve("ok", false)
	f.reject(errors.New("should not apply"))
	value, _, err := f.Result()
	if err != nil || value != "ok" {
		t.Fatalf("reject after resolve must not override: value=%v err=%v", value, err)
	}
}
