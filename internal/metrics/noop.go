package metrics

import "time"

// NoopSink discards everything. Used when metrics are disabled.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TaskStarted(source string)                         {}
func (n *NoopSink) TasksStopped(count int)                            {}
func (n *NoopSink) ActiveTasks(count int)                             {}
func (n *NoopSink) FiringCompleted(duration time.Duration, err error) {}
func (n *NoopSink) FiringSkipped()                                    {}
func (n *NoopSink) ReconcileCompleted(restored, pruned, failed int)   {}
func (n *NoopSink) CommandOutcome(command, outcome string)            {}
