package streaming

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/taskpool/internal/brain"
	"github.com/swarmguard/taskpool/internal/pool"
)

var errUnavailable = errors.New("worker unavailable")

type noopSender struct{}

func (noopSender) SendTo(workerID string, message []byte) error       { return nil }
func (noopSender) Close(workerID string, code int, reason string) error { return nil }

// scriptedDispatcher drives a real pool.Dispatcher with a single always-on
// worker, immediately resolving or failing each submitted task according to
// a fixed per-call script. MaxAssignmentRetries is 0 so a scripted failure
// surfaces straight to the caller as a rejected future, one retry decision
// per Orchestrator-level attempt.
type scriptedDispatcher struct {
	*pool.Dispatcher
	calls   int32
	results []scriptedResult
}

type scriptedResult struct {
	value string
	err   error
}

func newScriptedDispatcher(results []scriptedResult) *scriptedDispatcher {
	reg := pool.NewRegistry(pool.DefaultRegistryConfig(), noopSender{}, pool.NewBus())
	reg.Register(pool.RegistrationInfo{DisplayName: "w", Capability: pool.CapabilityGPU})
	agg := pool.NewAggregator(reg, pool.NewCompletedCache(10), pool.NewBus())

	sd := &scriptedDispatcher{results: results}
	cfg := pool.DefaultDispatcherConfig()
	cfg.MaxAssignmentRetries = 0
	sd.Dispatcher = pool.NewDispatcher(cfg, reg, agg, pool.NewBus(), func(d pool.Dispatch) {
		n := int(atomic.AddInt32(&sd.calls, 1)) - 1
		if n >= len(sd.results) {
			n = len(sd.results) - 1
		}
		r := sd.results[n]
		if r.err != nil {
			sd.Dispatcher.HandleFailure(d.Task.ID, pool.Failure{WorkerID: d.Worker.ID, Err: r.err, At: time.Now()}, false)
		} else {
			sd.Dispatcher.HandleResult(d.Task.ID, pool.Result{WorkerID: d.Worker.ID, Value: r.value})
		}
	})
	return sd
}

func idSeq() func() string {
	n := 0
	return func() string {
		n++
		return "task-" + string(rune('a'+n))
	}
}

func TestOrchestratorInferRetriesThenSucceeds(t *testing.T) {
	sd := newScriptedDispatcher([]scriptedResult{
		{err: errUnavailable},
		{err: errUnavailable},
		{value: "final answer"},
	})
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	o := NewOrchestrator(cfg, sd, idSeq())

	got, err := o.Infer(context.Background(), []brain.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if got != "final answer" {
		t.Fatalf("expected final answer, got %q", got)
	}
}

func TestOrchestratorInferFailsAfterExhaustingRetries(t *testing.T) {
	sd := newScriptedDispatcher([]scriptedResult{{err: errUnavailable}})
	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	o := NewOrchestrator(cfg, sd, idSeq())

	_, err := o.Infer(context.Background(), []brain.ChatMessage{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatalf("expected failure after exhausting retries")
	}
}

func TestOrchestratorStreamTruncatesOnStopSequence(t *testing.T) {
	sd := newScriptedDispatcher([]scriptedResult{{value: "hello STOP world"}})
	cfg := DefaultConfig()
	cfg.StopSequences = []string{"STOP"}
	o := NewOrchestrator(cfg, sd, idSeq())

	var chunks []Chunk
	for c := range o.Stream(context.Background(), []brain.ChatMessage{{Role: "user", Content: "hi"}}) {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || chunks[0].Text != "hello " || !chunks[0].Finished {
		t.Fatalf("expected truncated, finished chunk, got %+v", chunks)
	}
}

func TestOrchestratorStreamStopsOnEmptyChunk(t *testing.T) {
	sd := newScriptedDispatcher([]scriptedResult{{value: ""}})
	o := NewOrchestrator(DefaultConfig(), sd, idSeq())

	var chunks []Chunk
	for c := range o.Stream(context.Background(), []brain.ChatMessage{{Role: "user", Content: "hi"}}) {
		chunks = append(chunks, c)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks emitted for an empty first result, got %v", chunks)
	}
}

func TestBuildPromptFormatsTranscript(t *testing.T) {
	got := BuildPrompt([]brain.ChatMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	})
	want := "System: be terse\nUser: hello\nAssistant: "
	if got != want {
		t.Fatalf("unexpected prompt:\n got: %q\nwant: %q", got, want)
	}
}
