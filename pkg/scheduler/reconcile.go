package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/metrics"
	"github.com/3leaps/unreact/pkg/locator"
	"github.com/3leaps/unreact/pkg/platform"
)

// ReconcileReport summarises one ReconcileOnBoot pass.
type ReconcileReport struct {
	Restored      int `json:"restored"`
	AlreadyActive int `json:"already_active"`
	Pruned        int `json:"pruned"`
	// Failed counts records that could not be restored and could not be
	// deleted either. They are retried on the next boot.
	Failed int `json:"failed"`

	PrunedReferences []string `json:"pruned_references,omitempty"`
}

// Total is the number of records examined.
func (r ReconcileReport) Total() int {
	return r.Restored + r.AlreadyActive + r.Pruned + r.Failed
}

// ReconcileOnBoot recreates a live task for every durable record, using the
// stored ids. A record whose task cannot be started is deleted. Running it
// again is a no-op for records that are already live.
//
// Per-record failures never abort the pass. The returned error is set only
// when the registry cannot be read or ctx ends.
func (s *Scheduler) ReconcileOnBoot(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	recs, err := s.reg.List(ctx)
	if err != nil {
		return report, fmt.Errorf("read registry: %w", err)
	}

	s.logger.Info("Reconciling registry", zap.Int("records", len(recs)))

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		target := locator.Target{ContainerID: rec.ContainerID, MessageID: rec.MessageID}
		status, err := s.start(ctx, rec.Reference, target, rec.CreatedAt, metrics.SourceReconcile)
		if err == nil {
			if status == StatusAlreadyActive {
				report.AlreadyActive++
			} else {
				report.Restored++
			}
			continue
		}

		// Cancellation and shutdown say nothing about the record.
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if errors.Is(err, ErrClosed) {
			return report, err
		}

		if platform.IsNotFound(err) {
			s.logger.Info("Message is gone; pruning record",
				zap.String("reference", rec.Reference), zap.Error(err))
		} else {
			s.logger.Warn("Record did not resolve; pruning",
				zap.String("reference", rec.Reference), zap.Error(err))
		}

		live, perr := s.prune(ctx, rec.Reference)
		switch {
		case live:
			report.AlreadyActive++
		case perr != nil:
			report.Failed++
		default:
			report.Pruned++
			report.PrunedReferences = append(report.PrunedReferences, rec.Reference)
		}
	}

	s.metrics.ReconcileCompleted(report.Restored, report.Pruned, report.Failed)
	s.logger.Info("Reconciliation completed",
		zap.Int("restored", report.Restored),
		zap.Int("already_active", report.AlreadyActive),
		zap.Int("pruned", report.Pruned),
		zap.Int("failed", report.Failed))

	return report, nil
}

// prune deletes a dead record unless a live task for it appeared meanwhile,
// in which case live is true and nothing is deleted.
func (s *Scheduler) prune(ctx context.Context, ref string) (live bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[ref]; ok {
		return true, nil
	}
	if _, err := s.reg.Delete(ctx, ref); err != nil {
		s.logger.Error("Failed to prune record", zap.String("reference", ref), zap.Error(err))
		return false, err
	}
	return false, nil
}
