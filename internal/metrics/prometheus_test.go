package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, nil), reg
}

func TestPrometheusSink_TaskLifecycle(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.TaskStarted(SourceCommand)
	sink.TaskStarted(SourceCommand)
	sink.TaskStarted(SourceReconcile)
	sink.TasksStopped(2)
	sink.TasksStopped(0)
	sink.ActiveTasks(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.tasksStartedTotal.WithLabelValues(SourceCommand)))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.tasksStartedTotal.WithLabelValues(SourceReconcile)))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.tasksStoppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.activeTasks))
}

func TestPrometheusSink_Firings(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.FiringCompleted(10*time.Millisecond, nil)
	sink.FiringCompleted(20*time.Millisecond, errors.New("boom"))
	sink.FiringCompleted(30*time.Millisecond, errors.New("boom"))
	sink.FiringSkipped()

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.firingsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.firingsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.firingsSkipped))

	n, err := testutil.GatherAndCount(reg, "unreact_firing_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPrometheusSink_Reconcile(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.ReconcileCompleted(3, 1, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(sink.reconcileTotal.WithLabelValues("restored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.reconcileTotal.WithLabelValues("pruned")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.reconcileTotal.WithLabelValues("failed")))
}

func TestPrometheusSink_CommandOutcome(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.CommandOutcome("enable", "started")
	sink.CommandOutcome("enable", "invalid")
	sink.CommandOutcome("enable", "started")

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.commandOutcomes.WithLabelValues("enable", "started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.commandOutcomes.WithLabelValues("enable", "invalid")))
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, nil)

	assert.NotPanics(t, func() {
		s := NewPrometheusSink(reg, nil)
		s.TaskStarted(SourceCommand)
	})
}
