package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/trellishq/trellis/common/models"
)

// SupervisorRunRepo is the slice of the run repository the supervisor needs
type SupervisorRunRepo interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.WorkflowRun, error)
	ForceFail(ctx context.Context, id string, runErr *models.RunError, completedAt time.Time) (bool, error)
}

// Supervisor fails runs left RUNNING past the stale age, usually after the
// instance executing them died mid-run
type Supervisor struct {
	runs     SupervisorRunRepo
	events   EventPublisher
	logger   Logger
	staleAge time.Duration
	period   time.Duration
}

// NewSupervisor creates a stale-run supervisor
func NewSupervisor(runs SupervisorRunRepo, events EventPublisher, logger Logger, staleAge, period time.Duration) *Supervisor {
	if staleAge <= 0 {
		staleAge = 2 * time.Hour
	}
	if period <= 0 {
		period = 5 * time.Minute
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &Supervisor{
		runs:     runs,
		events:   events,
		logger:   logger,
		staleAge: staleAge,
		period:   period,
	}
}

// Run sweeps periodically until the context is cancelled
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failed, err := s.Sweep(ctx); err != nil {
				s.logger.Error("stale-run sweep failed", "error", err)
			} else if failed > 0 {
				s.logger.Warn("stale runs failed by supervisor", "count", failed)
			}
		}
	}
}

// Sweep fails all runs older than the stale age and returns how many
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleAge)
	stale, err := s.runs.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	failed := 0
	for _, run := range stale {
		runErr := &models.RunError{
			Code:    string(models.CodeInternal),
			Message: fmt.Sprintf("run exceeded stale age %s without completing", s.staleAge),
		}
		ok, err := s.runs.ForceFail(ctx, run.ID, runErr, time.Now().UTC())
		if err != nil {
			s.logger.Error("failed to force-fail stale run", "run_id", run.ID, "error", err)
			continue
		}
		if !ok {
			// Finished between listing and update
			continue
		}
		failed++
		s.events.Publish(ctx, RunEvent{
			Type: EventRunFailed, RunID: run.ID, WorkflowID: run.WorkflowID, Error: runErr.Message,
		})
		s.logger.Warn("stale run force-failed", "run_id", run.ID, "workflow_id", run.WorkflowID, "started_at", run.StartedAt)
	}
	return failed, nil
}
