package pool

import "errors"

// Typed error taxonomy backing spec §7's error kinds, so callers can
// errors.Is/errors.As instead of matching strings.
var (
	// ErrNoCandidates wraps a Future rejection when a Tick finds zero
	// eligible workers for a task whose retry count has already reached
	// MaxAssignmentRetries; each earlier such Tick adds one to that count
	// and leaves the task queued for the next Tick to retry (spec §7).
	ErrNoCandidates = errors.New("no eligible workers for task")

	// ErrTaskTimeout wraps a Future rejection when a task's deadline fires
	// with no partial result and no retries remain (spec §4.3, §7 Timeout).
	ErrTaskTimeout = errors.New("task timed out with no partial result")

	// ErrTaskFailed wraps a Future rejection when every assigned worker has
	// failed and no retries remain (spec §7 SubmitterRejection).
	ErrTaskFailed = errors.New("task failed after exhausting retries")

	// ErrDeviceAtCapacity marks a WorkerCapacity-kind failure: it counts
	// against reassignment but not against reliability (spec §7).
	ErrDeviceAtCapacity = errors.New("device at capacity")
)
