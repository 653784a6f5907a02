package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func (s *Scheduler) job(ref, generation string) cron.Job {
	return cron.FuncJob(func() {
		s.fire(ref, generation)
	})
}

// fire runs one clear-reactions pass for ref. It acts only if the live map
// still holds the task generation that scheduled it, so nothing fires once
// Stop has returned. Failures are logged and the task keeps running.
func (s *Scheduler) fire(ref, generation string) {
	s.mu.Lock()
	t, ok := s.tasks[ref]
	if !ok || t.generation != generation {
		s.mu.Unlock()
		return
	}
	msg, breaker := t.message, t.breaker
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.fireTimeout)
	defer cancel()

	start := time.Now()
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, s.gateway.ClearAllReactions(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.metrics.FiringSkipped()
		s.logger.Debug("Firing skipped; breaker open", zap.String("reference", ref))
		return
	}

	s.metrics.FiringCompleted(time.Since(start), err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("Failed to clear reactions",
			zap.String("reference", ref),
			zap.String("container_id", msg.ContainerID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	s.logger.Debug("Reactions cleared", zap.String("reference", ref))
}
