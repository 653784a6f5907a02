// Package commands is the command surface of the engine: batched enable and
// disable, disable-all, and list. Each reference in a batch gets its own
// outcome; one bad reference never fails the batch.
package commands

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/metrics"
	"github.com/3leaps/unreact/pkg/locator"
	"github.com/3leaps/unreact/pkg/platform"
	"github.com/3leaps/unreact/pkg/scheduler"
)

// Outcome is the per-reference result of a batched command.
type Outcome string

const (
	OutcomeStarted              Outcome = "started"
	OutcomeAlreadyActive        Outcome = "already_active"
	OutcomeInvalid              Outcome = "invalid"
	OutcomeContainerNotFound    Outcome = "container_not_found"
	OutcomeMessageNotFound      Outcome = "message_not_found"
	OutcomeUnsupportedContainer Outcome = "unsupported_container"
	OutcomePersistenceFailed    Outcome = "persistence_failed"
	OutcomeFailed               Outcome = "failed"
	OutcomeStopped              Outcome = "stopped"
	OutcomeNotActive            Outcome = "not_active"
)

// Result is the outcome for one reference.
type Result struct {
	Reference string  `json:"reference"`
	Outcome   Outcome `json:"outcome"`
	// Forum is set when an unsupported container was a forum root.
	Forum bool  `json:"forum,omitempty"`
	Err   error `json:"-"`
}

// Engine is the scheduler API the service drives.
type Engine interface {
	Start(ctx context.Context, reference string) (scheduler.Status, error)
	Stop(ctx context.Context, reference string) (scheduler.Status, error)
	StopAll(ctx context.Context) (int, error)
	List(ctx context.Context) ([]scheduler.Entry, error)
	Stats(ctx context.Context) (scheduler.Stats, error)
}

var _ Engine = (*scheduler.Scheduler)(nil)

// Service runs commands against an Engine.
type Service struct {
	engine  Engine
	loc     *locator.Locator
	metrics metrics.Sink
	logger  *zap.Logger
}

// New creates a Service. loc screens enable batches before they reach the
// engine; a nil loc accepts any host. sink and logger may be nil.
func New(engine Engine, loc *locator.Locator, sink metrics.Sink, logger *zap.Logger) *Service {
	if loc == nil {
		loc, _ = locator.New(locator.Options{})
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, loc: loc, metrics: sink, logger: logger.Named("commands")}
}

// Enable starts cleaning every reference in input. References may be
// separated by any mix of spaces, commas, and newlines. Malformed entries
// are reported invalid without touching the engine.
func (s *Service) Enable(ctx context.Context, input string) []Result {
	entries := s.loc.ParseBatch(input)
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		var (
			status scheduler.Status
			err    = e.Err
		)
		if e.Valid() {
			status, err = s.engine.Start(ctx, e.Reference)
		}
		r := enableResult(e.Reference, status, err)
		if r.Outcome == OutcomeFailed || r.Outcome == OutcomePersistenceFailed {
			s.logger.Warn("Enable failed", zap.String("reference", e.Reference), zap.Error(err))
		}
		s.metrics.CommandOutcome("enable", string(r.Outcome))
		results = append(results, r)
	}
	return results
}

// Disable stops cleaning every reference in input. References are not
// screened here: a tracked reference stays removable after the host
// allow-list changes.
func (s *Service) Disable(ctx context.Context, input string) []Result {
	refs := locator.Split(input)
	results := make([]Result, 0, len(refs))
	for _, ref := range refs {
		status, err := s.engine.Stop(ctx, ref)
		r := disableResult(ref, status, err)
		if r.Outcome == OutcomePersistenceFailed {
			s.logger.Warn("Disable failed", zap.String("reference", ref), zap.Error(err))
		}
		s.metrics.CommandOutcome("disable", string(r.Outcome))
		results = append(results, r)
	}
	return results
}

// DisableAll stops every task and clears the registry. When err wraps
// scheduler.ErrStaleRegistry, n live tasks were stopped but durable state
// may still list them.
func (s *Service) DisableAll(ctx context.Context) (int, error) {
	n, err := s.engine.StopAll(ctx)
	if err != nil {
		s.logger.Warn("Disable-all incomplete", zap.Int("stopped", n), zap.Error(err))
	}
	return n, err
}

// List returns every tracked reference.
func (s *Service) List(ctx context.Context) ([]scheduler.Entry, error) {
	return s.engine.List(ctx)
}

// Stats returns live and durable task counts.
func (s *Service) Stats(ctx context.Context) (scheduler.Stats, error) {
	return s.engine.Stats(ctx)
}

func enableResult(ref string, status scheduler.Status, err error) Result {
	r := Result{Reference: ref, Err: err}
	switch {
	case err == nil && status == scheduler.StatusAlreadyActive:
		r.Outcome = OutcomeAlreadyActive
	case err == nil:
		r.Outcome = OutcomeStarted
	case errors.Is(err, locator.ErrInvalidReference):
		r.Outcome = OutcomeInvalid
	case errors.Is(err, platform.ErrContainerNotFound):
		r.Outcome = OutcomeContainerNotFound
	case errors.Is(err, platform.ErrMessageNotFound):
		r.Outcome = OutcomeMessageNotFound
	case scheduler.IsUnsupportedContainer(err):
		r.Outcome = OutcomeUnsupportedContainer
		r.Forum = scheduler.IsForumContainer(err)
	case scheduler.IsPersistence(err):
		r.Outcome = OutcomePersistenceFailed
	default:
		r.Outcome = OutcomeFailed
	}
	return r
}

func disableResult(ref string, status scheduler.Status, err error) Result {
	r := Result{Reference: ref, Err: err}
	switch {
	case err == nil && status == scheduler.StatusStopped:
		r.Outcome = OutcomeStopped
	case err == nil:
		r.Outcome = OutcomeNotActive
	case errors.Is(err, locator.ErrInvalidReference):
		r.Outcome = OutcomeInvalid
	case scheduler.IsPersistence(err):
		r.Outcome = OutcomePersistenceFailed
	default:
		r.Outcome = OutcomeFailed
	}
	return r
}
