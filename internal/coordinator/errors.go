// ============================================================================
// SalesGrid Coordinator - Error Taxonomy
// ============================================================================
//
// Responsibility:
//   1. ConfigError: invalid startup parameters, fatal, job never starts
//   2. JobError: job-fatal failures surfaced to Await callers
//   3. Transport and compute errors never appear here: they are recovered
//      locally (reconnect, requeue) until the retry budget is exhausted
//
// ============================================================================

package coordinator

import (
	"errors"
	"fmt"
)

// Job-fatal failure reasons. Await callers match with errors.Is.
var (
	// ErrAborted indicates the job was cancelled via JobHandle.Abort.
	ErrAborted = errors.New("job aborted")
	// ErrAllWorkersDead indicates the whole worker pool was lost while
	// work remained and no worker recovered within the sweep window.
	ErrAllWorkersDead = errors.New("all workers dead")
	// ErrChunkRetriesExhausted indicates a chunk failed more times than
	// the configured retry budget allows.
	ErrChunkRetriesExhausted = errors.New("chunk retries exhausted")
)

// ConfigError reports an invalid startup parameter. Fatal: StartJob
// returns it before any dispatch happens.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Option, e.Reason)
}

// JobError wraps a job-fatal reason with context about which part of the
// job failed. Unwrap lets callers test the reason with errors.Is.
type JobError struct {
	Reason error
	Detail string
}

func (e *JobError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason.Error(), e.Detail)
}

func (e *JobError) Unwrap() error {
	return e.Reason
}
