package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome classifies how a handler invocation ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomeTerminal:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Result is what a handler returns. The dispatcher owns the job-store
// transition; handlers never call Complete* themselves.
type Result struct {
	Outcome Outcome
	Reason  string // short, non-sensitive; surfaced through the status API
	Err     error  // full error for logs and last_error
}

func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

func Retryable(reason string, err error) Result {
	return Result{Outcome: OutcomeRetryable, Reason: reason, Err: err}
}

func Terminal(reason string, err error) Result {
	return Result{Outcome: OutcomeTerminal, Reason: reason, Err: err}
}

// ErrorText renders the text persisted to last_error.
func (r Result) ErrorText() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return r.Reason
}

// JobContext is the per-invocation context handed to a handler. Heavier
// dependencies (DB handle, object store, mailer) are injected into the
// handler at construction.
type JobContext struct {
	JobID     uuid.UUID
	QueueName string
	Attempts  int
	Payload   json.RawMessage
	Log       *zap.Logger

	// Progress records a coarse completion percentage, consumed by the
	// status facade. Best effort, never persisted.
	Progress func(pct int)
}

// Handler executes jobs for one queue name.
type Handler interface {
	Queue() string
	Execute(ctx context.Context, jc *JobContext) Result
}

// DecodeStrict unmarshals a payload rejecting unknown fields. Decode
// failures are always terminal; callers wrap the error in Terminal.
func DecodeStrict(payload json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
