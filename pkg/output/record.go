// Package output writes task listings and command outcomes as JSONL.
//
// Every line is a self-contained envelope whose type field selects the
// shape of the data payload.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types, versioned as unreact.<type>.v<version>.
const (
	TypeTask    = "unreact.task.v1"
	TypeOutcome = "unreact.outcome.v1"
	TypeSummary = "unreact.summary.v1"
)

// Record is the envelope for one JSONL line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// RunID correlates the lines of one invocation.
	RunID string `json:"run_id"`

	// Source names where the data came from: "registry" for offline reads,
	// "runtime" for a running scheduler.
	Source string `json:"source"`

	Data json.RawMessage `json:"data"`
}

// TaskRecord describes one tracked message.
type TaskRecord struct {
	Reference   string    `json:"reference"`
	ContainerID string    `json:"container_id"`
	MessageID   string    `json:"message_id"`
	Active      bool      `json:"active"`
	Durable     bool      `json:"durable"`
	CreatedAt   time.Time `json:"created_at"`
}

// OutcomeRecord is the result of a command for one reference.
type OutcomeRecord struct {
	Command   string `json:"command"`
	Reference string `json:"reference"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// SummaryRecord closes a listing or batch.
type SummaryRecord struct {
	Total    int   `json:"total"`
	Active   int   `json:"active,omitempty"`
	Durable  int   `json:"durable,omitempty"`
	Failed   int   `json:"failed,omitempty"`
	Duration int64 `json:"duration_ms"`
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("output: writer closed")

// WriteError wraps a marshal or write failure.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
