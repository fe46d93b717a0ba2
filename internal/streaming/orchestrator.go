// Package streaming implements the coordinator-side chunked inference
// client: it turns one chat request into a sequence of dependent bounded
// tasks with backoff, partial-result recovery, and a lazy stream of text
// fragments (spec §4.7).
package streaming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swarmguard/taskpool/internal/brain"
	"github.com/swarmguard/taskpool/internal/pool"
)

// Config holds the orchestrator's tunables (spec §4.7).
type Config struct {
	MaxTokensPerChunk int
	MaxTotalTokens    int
	RetryAttempts     int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	StopSequences     []string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerChunk: 32,
		MaxTotalTokens:    1024,
		RetryAttempts:     3,
		RetryDelay:        2 * time.Second,
		MaxRetryDelay:     10 * time.Second,
	}
}

// Submitter is the subset of the Dispatcher the orchestrator needs: submit a
// task and get back its future.
type Submitter interface {
	Submit(id string, typ pool.TaskType, payload any, priority int, requiredClass pool.CapabilityClass, requiredResults int) *pool.Future
}

// Chunk is one fragment yielded to the consumer.
type Chunk struct {
	Text     string
	Finished bool
}

// Orchestrator drives one chat request to completion as a sequence of
// generate_chunk tasks.
type Orchestrator struct {
	cfg       Config
	submitter Submitter
	idSeq     func() string
}

// NewOrchestrator constructs an orchestrator bound to a task submitter.
// idSeq generates a fresh task ID for each submitted chunk/inference task.
func NewOrchestrator(cfg Config, submitter Submitter, idSeq func() string) *Orchestrator {
	return &Orchestrator{cfg: cfg, submitter: submitter, idSeq: idSeq}
}

// BuildPrompt concatenates chat messages as `System:`/`User:`/`Assistant:`
// segments ending with `Assistant: ` (spec §4.7 step 1).
func BuildPrompt(messages []brain.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", capitalize(m.Role), m.Content)
	}
	b.WriteString("Assistant: ")
	return b.String()
}

// Stream yields chunks until maxTotalTokens is reached, a stop sequence is
// hit, or the consumer stops reading by cancelling ctx. It submits no chunk
// beyond the last one actually read from the returned channel (spec §4.7
// cancellation semantics: in-flight results past that point are discarded).
func (o *Orchestrator) Stream(ctx context.Context, messages []brain.ChatMessage) <-chan Chunk {
	out := make(chan Chunk)
	go o.run(ctx, messages, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, messages []brain.ChatMessage, out chan<- Chunk) {
	defer close(out)

	transcript := BuildPrompt(messages)
	totalTokens := 0
	retry := 0

	for totalTokens < o.cfg.MaxTotalTokens {
		if ctx.Err() != nil {
			return
		}

		taskID := o.idSeq()
		future := o.submitter.Submit(taskID, pool.TaskGenerateChunk, map[string]any{
			"prompt":    transcript,
			"maxTokens": o.cfg.MaxTokensPerChunk,
		}, 2, pool.CapabilityMinimal, 1)

		text, err := awaitFuture(ctx, future)
		if err != nil {
			retry++
			if retry >= o.cfg.RetryAttempts {
				return
			}
			delay := o.cfg.RetryDelay * time.Duration(1<<uint(retry-1))
			if delay > o.cfg.MaxRetryDelay {
				delay = o.cfg.MaxRetryDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		retry = 0

		if text == "" {
			return
		}

		finished := false
		for _, stop := range o.cfg.StopSequences {
			if stop == "" {
				continue
			}
			if idx := strings.Index(text, stop); idx >= 0 {
				text = text[:idx]
				finished = true
				break
			}
		}

		transcript += text
		totalTokens += brain.EstimateTokenCount(text)

		select {
		case out <- Chunk{Text: text, Finished: finished}:
		case <-ctx.Done():
			return
		}

		if finished {
			return
		}
	}
}

// Infer runs a single non-streaming inference task with the same
// exponential-backoff retry policy (spec §4.7, final paragraph).
func (o *Orchestrator) Infer(ctx context.Context, messages []brain.ChatMessage) (string, error) {
	prompt := BuildPrompt(messages)
	retry := 0
	for {
		taskID := o.idSeq()
		future := o.submitter.Submit(taskID, pool.TaskInference, map[string]any{"prompt": prompt}, 2, pool.CapabilityMinimal, 1)
		text, err := awaitFuture(ctx, future)
		if err == nil {
			return text, nil
		}
		retry++
		if retry >= o.cfg.RetryAttempts {
			return "", fmt.Errorf("inference failed after %d attempts: %w", retry, err)
		}
		delay := o.cfg.RetryDelay * time.Duration(1<<uint(retry-1))
		if delay > o.cfg.MaxRetryDelay {
			delay = o.cfg.MaxRetryDelay
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

func capitalize(role string) string {
	lower := strings.ToLower(role)
	if lower == "" {
		return lower
	}
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func awaitFuture(ctx context.Context, f *pool.Future) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.Done():
	}
	value, _, err := f.Result()
	if err != nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected non-string chunk result: %T", value)
	}
	return s, nil
}
