// Package metrics records scheduler and command activity.
package metrics

import "time"

// Sink receives scheduler events.
// All methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Task lifecycle
	TaskStarted(source string)
	TasksStopped(count int)
	ActiveTasks(count int)

	// Firings
	FiringCompleted(duration time.Duration, err error)
	FiringSkipped()

	// Boot reconciliation
	ReconcileCompleted(restored, pruned, failed int)

	// Commands
	CommandOutcome(command, outcome string)
}

// Sources for TaskStarted.
const (
	SourceCommand   = "command"
	SourceReconcile = "reconcile"
)
