package scheduler

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"execguard/internal/domain"
)

type BatchOptions struct {
	// Concurrency caps how many batch tasks are in the scheduler at once.
	// Zero means no cap beyond the scheduler's own admission control.
	Concurrency int `json:"concurrency"`
	// StopOnFailure cancels tasks not yet submitted once any task fails.
	// Tasks already submitted run to completion.
	StopOnFailure bool `json:"stop_on_failure"`
}

type BatchStatus string

const (
	BatchAllSucceeded BatchStatus = "all-succeeded"
	BatchPartial      BatchStatus = "partial"
	BatchAllFailed    BatchStatus = "all-failed"
)

type BatchResult struct {
	// Results are in input order.
	Results []domain.TaskResult `json:"results"`
	Status  BatchStatus         `json:"status"`
}

var errBatchStopped = errors.New("batch stopped")

// ExecuteBatch runs tasks through the scheduler and collects their results.
// An empty batch has status all-succeeded.
func (s *Scheduler) ExecuteBatch(ctx context.Context, tasks []domain.Task, opts BatchOptions) BatchResult {
	ctx, span := startSpan(ctx, "scheduler.batch")
	defer span.End()

	results := make([]domain.TaskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i := range tasks {
		t := tasks[i]
		g.Go(func() error {
			if opts.StopOnFailure && gctx.Err() != nil {
				results[i] = skipped(gctx, t)
				return nil
			}
			res := s.Run(ctx, t)
			results[i] = res
			if opts.StopOnFailure && !res.Succeeded() {
				return fmt.Errorf("%w: task %s %s", errBatchStopped, res.TaskID, res.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn().Err(err).Int("tasks", len(tasks)).Msg("batch stopped early")
	}

	out := BatchResult{Results: results, Status: aggregate(results)}
	s.log.Info().Int("tasks", len(tasks)).Str("status", string(out.Status)).Msg("batch finished")
	return out
}

func skipped(ctx context.Context, t domain.Task) domain.TaskResult {
	err := fmt.Errorf("%w: not started because an earlier batch task failed", domain.ErrCancelled)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: not started: %v", domain.ErrCancelled, cause)
	}
	return domain.TaskResult{TaskID: t.ID, Status: domain.StatusCancelled, ExitCode: -1, Error: err.Error(), Err: err}
}

func aggregate(results []domain.TaskResult) BatchStatus {
	ok := 0
	for _, r := range results {
		if r.Succeeded() {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return BatchAllSucceeded
	case ok == 0:
		return BatchAllFailed
	}
	return BatchPartial
}
