// Package scheduler owns the live set of cleaning tasks and keeps it
// convergent with the durable registry.
//
// Every tracked reference has at most one recurring task. A task is created
// only after the platform resolves its message and the registry accepts the
// record; a registry failure rolls the task back. On boot, ReconcileOnBoot
// recreates tasks from the registry and prunes records whose message no
// longer resolves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/metrics"
	"github.com/3leaps/unreact/pkg/locator"
	"github.com/3leaps/unreact/pkg/platform"
	"github.com/3leaps/unreact/pkg/registry"
)

const (
	DefaultInterval         = 5 * time.Second
	MinInterval             = time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = time.Minute
	DefaultFireTimeout      = 30 * time.Second
)

// Registry is the durable store the scheduler mirrors. *registry.Store
// satisfies it.
type Registry interface {
	Insert(ctx context.Context, rec registry.Record) (bool, error)
	Delete(ctx context.Context, reference string) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]registry.Record, error)
	Count(ctx context.Context) (int, error)
}

// Status is the non-error result of a scheduler command.
type Status string

const (
	StatusStarted       Status = "started"
	StatusAlreadyActive Status = "already_active"
	StatusStopped       Status = "stopped"
	StatusNotActive     Status = "not_active"
)

// Config configures a Scheduler. Zero values take defaults.
type Config struct {
	// Interval between clear-reactions firings for each task.
	Interval time.Duration

	// BreakerThreshold is the number of consecutive firing failures that
	// open a task's circuit breaker.
	BreakerThreshold uint32

	// BreakerCooldown is how long an open breaker skips firings before
	// allowing a single trial firing.
	BreakerCooldown time.Duration

	// FireTimeout bounds a single clear-reactions call.
	FireTimeout time.Duration

	// Locator parses references. Defaults to a permissive locator.
	Locator *locator.Locator

	Metrics metrics.Sink
	Logger  *zap.Logger
}

// Entry is one row of List.
type Entry struct {
	Reference   string    `json:"reference" yaml:"reference"`
	ContainerID string    `json:"container_id" yaml:"container_id"`
	MessageID   string    `json:"message_id" yaml:"message_id"`
	Active      bool      `json:"active" yaml:"active"`
	Durable     bool      `json:"durable" yaml:"durable"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Stats counts live tasks and durable records independently. A record that
// has not been reconciled counts toward Durable only.
type Stats struct {
	Live    int `json:"live"`
	Durable int `json:"durable"`
}

// task is the live enactment of one tracked reference.
type task struct {
	reference  string
	generation string
	message    *platform.Message
	entry      cron.EntryID
	breaker    *gobreaker.CircuitBreaker
	createdAt  time.Time
}

// Scheduler is the reconciliation engine. It is safe for concurrent use.
type Scheduler struct {
	gateway platform.Gateway
	reg     Registry
	loc     *locator.Locator
	metrics metrics.Sink
	logger  *zap.Logger
	cron    *cron.Cron

	interval         time.Duration
	breakerThreshold uint32
	breakerCooldown  time.Duration
	fireTimeout      time.Duration

	// baseCtx parents every firing and is cancelled by Shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// mu guards tasks, closed, and every registry mutation.
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	now func() time.Time
}

// New creates a Scheduler and starts its timer loop.
func New(gateway platform.Gateway, reg Registry, cfg Config) (*Scheduler, error) {
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		return nil, fmt.Errorf("interval %s is below the minimum of %s", interval, MinInterval)
	}
	// cron.Every truncates to whole seconds.
	if interval%time.Second != 0 {
		return nil, fmt.Errorf("interval %s is not a whole number of seconds", interval)
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	fireTimeout := cfg.FireTimeout
	if fireTimeout <= 0 {
		fireTimeout = DefaultFireTimeout
	}

	loc := cfg.Locator
	if loc == nil {
		var err error
		if loc, err = locator.New(locator.Options{}); err != nil {
			return nil, err
		}
	}

	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	cl := newCronLogger(logger)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		gateway:          gateway,
		reg:              reg,
		loc:              loc,
		metrics:          sink,
		logger:           logger,
		cron:             c,
		interval:         interval,
		breakerThreshold: threshold,
		breakerCooldown:  cooldown,
		fireTimeout:      fireTimeout,
		baseCtx:          baseCtx,
		cancelBase:       cancel,
		tasks:            make(map[string]*task),
		now:              time.Now,
	}
	c.Start()
	return s, nil
}

// Interval returns the firing interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins cleaning the message named by reference.
//
// It returns StatusAlreadyActive without side effects when a task exists.
// Errors wrap locator.ErrInvalidReference, the platform not-found sentinels,
// ErrUnsupportedContainer, or ErrPersistence.
func (s *Scheduler) Start(ctx context.Context, reference string) (Status, error) {
	target, err := s.loc.Parse(reference)
	if err != nil {
		return "", err
	}
	return s.start(ctx, strings.TrimSpace(reference), target, time.Time{}, metrics.SourceCommand)
}

func (s *Scheduler) start(ctx context.Context, ref string, target locator.Target, createdAt time.Time, source string) (Status, error) {
	if active, err := s.isActive(ref); err != nil {
		return "", err
	} else if active {
		return StatusAlreadyActive, nil
	}

	container, err := s.gateway.FetchContainer(ctx, target.ContainerID)
	if err != nil {
		return "", err
	}
	if !container.Kind.Supported() {
		return "", &UnsupportedContainerError{Reference: ref, ContainerID: container.ID, Kind: container.Kind}
	}
	msg, err := s.gateway.FetchMessage(ctx, container, target.MessageID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	// Another Start may have won while we were resolving.
	if _, ok := s.tasks[ref]; ok {
		return StatusAlreadyActive, nil
	}

	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	t := s.newTask(ref, msg, createdAt)
	t.entry = s.cron.Schedule(cron.Every(s.interval), s.job(ref, t.generation))
	s.tasks[ref] = t

	if _, err := s.reg.Insert(ctx, registry.Record{
		Reference:   ref,
		ContainerID: target.ContainerID,
		MessageID:   target.MessageID,
		CreatedAt:   createdAt,
	}); err != nil {
		s.removeLocked(ref)
		s.logger.Error("Rolled back task after registry failure",
			zap.String("reference", ref), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.metrics.TaskStarted(source)
	s.metrics.ActiveTasks(len(s.tasks))
	s.logger.Info("Task started",
		zap.String("reference", ref),
		zap.String("container_id", target.ContainerID),
		zap.String("message_id", target.MessageID),
		zap.String("container_kind", string(container.Kind)),
		zap.Int("reactions", msg.ReactionCount),
		zap.String("source", source))

	return StatusStarted, nil
}

// Stop cancels the task for reference and deletes its record.
//
// The record is deleted even when no live task exists. The result is
// StatusStopped if either was removed. A registry failure is returned
// wrapped in ErrPersistence after the live task has been stopped.
//
// A reference the locator rejects is still stopped when it is tracked, so
// records restored under an older host allow-list stay removable. The parse
// error is returned only when nothing was tracked.
func (s *Scheduler) Stop(ctx context.Context, reference string) (Status, error) {
	ref := strings.TrimSpace(reference)
	_, parseErr := s.loc.Parse(reference)
	if ref == "" {
		return "", parseErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stopped := s.removeLocked(ref)
	if stopped {
		s.metrics.TasksStopped(1)
		s.metrics.ActiveTasks(len(s.tasks))
	}

	deleted, err := s.reg.Delete(ctx, ref)
	if err != nil {
		s.logger.Error("Failed to delete record",
			zap.String("reference", ref), zap.Bool("task_stopped", stopped), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if !stopped && !deleted {
		if parseErr != nil {
			return "", parseErr
		}
		return StatusNotActive, nil
	}
	s.logger.Info("Task stopped",
		zap.String("reference", ref), zap.Bool("live", stopped), zap.Bool("durable", deleted))
	return StatusStopped, nil
}

// StopAll cancels every task and clears the registry.
//
// The count is the number of distinct references cleared across live tasks
// and durable records. If the registry cannot be cleared the tasks stay
// stopped and ErrStaleRegistry is returned with the live count.
func (s *Scheduler) StopAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := make(map[string]struct{}, len(s.tasks))
	for ref := range s.tasks {
		cleared[ref] = struct{}{}
	}
	for ref := range cleared {
		s.removeLocked(ref)
	}
	live := len(cleared)
	s.metrics.TasksStopped(live)
	s.metrics.ActiveTasks(0)

	// Read the durable set first so the count covers records without a
	// live task.
	recs, listErr := s.reg.List(ctx)
	if listErr == nil {
		for _, rec := range recs {
			cleared[rec.Reference] = struct{}{}
		}
	}

	if _, err := s.reg.DeleteAll(ctx); err != nil {
		s.logger.Warn("Live tasks stopped but registry was not cleared",
			zap.Int("live_stopped", live), zap.Error(err))
		return live, fmt.Errorf("%w: %w", ErrStaleRegistry, err)
	}
	if listErr != nil {
		s.logger.Warn("Registry cleared; count excludes unreadable durable records", zap.Error(listErr))
	}

	s.logger.Info("All tasks stopped", zap.Int("live", live), zap.Int("cleared", len(cleared)))
	return len(cleared), nil
}

// List returns durable records and live tasks merged by reference, ordered
// by creation time then reference.
func (s *Scheduler) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}

	byRef := make(map[string]*Entry, len(recs)+len(s.tasks))
	for _, rec := range recs {
		byRef[rec.Reference] = &Entry{
			Reference:   rec.Reference,
			ContainerID: rec.ContainerID,
			MessageID:   rec.MessageID,
			Durable:     true,
			CreatedAt:   rec.CreatedAt,
		}
	}
	for ref, t := range s.tasks {
		if e, ok := byRef[ref]; ok {
			e.Active = true
			continue
		}
		byRef[ref] = &Entry{
			Reference:   ref,
			ContainerID: t.message.ContainerID,
			MessageID:   t.message.ID,
			Active:      true,
			CreatedAt:   t.createdAt,
		}
	}

	out := make([]Entry, 0, len(byRef))
	for _, e := range byRef {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	return out, nil
}

// Stats returns live and durable counts.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	live := len(s.tasks)
	s.mu.Unlock()

	durable, err := s.reg.Count(ctx)
	if err != nil {
		return Stats{Live: live}, fmt.Errorf("count registry: %w", err)
	}
	return Stats{Live: live, Durable: durable}, nil
}

// IsActive reports whether a live task exists for reference.
func (s *Scheduler) IsActive(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[strings.TrimSpace(reference)]
	return ok
}

// Shutdown stops the timer loop and clears the live map. It waits for
// in-flight firings until ctx is done. The registry is not modified.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := len(s.tasks)
	for ref := range s.tasks {
		s.removeLocked(ref)
	}
	s.mu.Unlock()

	s.cancelBase()
	s.metrics.ActiveTasks(0)

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped", zap.Int("tasks", n))
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler shutdown timed out waiting for firings", zap.Int("tasks", n))
		return ctx.Err()
	}
}

func (s *Scheduler) isActive(ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.tasks[ref]
	return ok, nil
}

func (s *Scheduler) newTask(ref string, msg *platform.Message, createdAt time.Time) *task {
	logger := s.logger
	return &task{
		reference:  ref,
		generation: uuid.NewString(),
		message:    msg,
		createdAt:  createdAt,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ref,
			MaxRequests: 1,
			Timeout:     s.breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.breakerThreshold
			},
			IsSuccessful: func(err error) bool {
				// Shutdown cancellation is not a platform failure.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Task breaker state changed",
					zap.String("reference", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// removeLocked unschedules and forgets the task for ref. s.mu must be held.
func (s *Scheduler) removeLocked(ref string) bool {
	t, ok := s.tasks[ref]
	if !ok {
		return false
	}
	delete(s.tasks, ref)
	s.cron.Remove(t.entry)
	return true
}
