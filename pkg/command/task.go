package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilnworks/tally/pkg/aggregate"
	"github.com/kilnworks/tally/pkg/event"
)

// CreateTaskInput carries everything needed to admit a task. TaskID may
// be empty, in which case one is assigned. IdempotencyKey, when set, lets
// a retrying caller get the originally created task back even if it never
// learned the assigned id.
type CreateTaskInput struct {
	TenantID        string
	TaskID          string
	Prompt          string
	Model           string
	CreditsRequired int64
	CorrelationID   string
	IdempotencyKey  string
}

func (s *Service) foldTask(ctx context.Context, taskID, tenantID string) (*aggregate.Task, error) {
	history, err := s.events.LoadByAggregate(ctx, taskID, tenantID)
	if err != nil {
		return nil, err
	}
	return aggregate.NewTask(taskID, tenantID, history)
}

func (s *Service) foldLedger(ctx context.Context, tenantID string) (*aggregate.CreditLedger, error) {
	history, err := s.events.LoadByAggregate(ctx, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	return aggregate.NewCreditLedger(tenantID, history)
}

// CreateTask admits a new task and reserves its credits atomically. The
// reservation guard runs at command time against the folded ledger; if
// the tenant cannot cover the cost nothing is written and
// event.ErrInsufficientCredits is returned. Re-issuing the command for an
// existing task id is a no-op.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*aggregate.Task, error) {
	if in.TenantID == "" {
		return nil, fmt.Errorf("command: create task: tenant id is required")
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("command: create task: prompt is required")
	}
	if in.CreditsRequired <= 0 {
		return nil, fmt.Errorf("command: create task: credits required must be positive")
	}
	if id, ok := s.cachedTaskID(in.IdempotencyKey); ok {
		return s.foldTask(ctx, id, in.TenantID)
	}
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}

	var task *aggregate.Task
	err := s.retryConflicts(ctx, "CreateTask", func(ctx context.Context) error {
		var err error
		task, err = s.foldTask(ctx, in.TaskID, in.TenantID)
		if err != nil {
			return err
		}
		created := task.Create(in.Prompt, in.CreditsRequired, in.Model)
		if created == nil {
			// Task already exists: idempotent re-submission.
			return nil
		}

		ledger, err := s.foldLedger(ctx, in.TenantID)
		if err != nil {
			return err
		}
		if !ledger.CanReserve(in.CreditsRequired) {
			return fmt.Errorf("command: create task %s: need %d, have %d: %w",
				in.TaskID, in.CreditsRequired, ledger.Available, event.ErrInsufficientCredits)
		}
		reserved := ledger.Reserve(in.CreditsRequired, in.TaskID)

		if _, err := s.appendAll(ctx, in.CorrelationID, created, reserved); err != nil {
			return err
		}
		task, err = s.foldTask(ctx, in.TaskID, in.TenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.rememberTaskID(in.IdempotencyKey, in.TaskID)
	return task, nil
}

// StartTask records that the external runner accepted the task.
func (s *Service) StartTask(ctx context.Context, tenantID, taskID, externalTaskID string) (*aggregate.Task, error) {
	return s.transition(ctx, "StartTask", tenantID, taskID, func(task *aggregate.Task, _ *aggregate.CreditLedger) []*event.Candidate {
		cand := task.Start(externalTaskID)
		if cand == nil {
			return nil
		}
		return []*event.Candidate{cand}
	})
}

// CompleteTask finishes the task and consumes its reservation.
func (s *Service) CompleteTask(ctx context.Context, tenantID, taskID, result string) (*aggregate.Task, error) {
	return s.transition(ctx, "CompleteTask", tenantID, taskID, func(task *aggregate.Task, ledger *aggregate.CreditLedger) []*event.Candidate {
		cand := task.Complete(result)
		if cand == nil {
			return nil
		}
		out := []*event.Candidate{cand}
		if consumed := ledger.Consume(task.CreditsRequired, taskID); consumed != nil {
			out = append(out, consumed)
		}
		return out
	})
}

// FailTask marks the task failed and refunds its reservation.
func (s *Service) FailTask(ctx context.Context, tenantID, taskID, reason, code string) (*aggregate.Task, error) {
	return s.transition(ctx, "FailTask", tenantID, taskID, func(task *aggregate.Task, ledger *aggregate.CreditLedger) []*event.Candidate {
		cand := task.Fail(reason, code)
		if cand == nil {
			return nil
		}
		out := []*event.Candidate{cand}
		if refunded := ledger.Refund(task.CreditsRequired, taskID); refunded != nil {
			out = append(out, refunded)
		}
		return out
	})
}

// TimeOutTask expires the task and refunds its reservation.
func (s *Service) TimeOutTask(ctx context.Context, tenantID, taskID string) (*aggregate.Task, error) {
	return s.transition(ctx, "TimeOutTask", tenantID, taskID, func(task *aggregate.Task, ledger *aggregate.CreditLedger) []*event.Candidate {
		cand := task.TimeOut()
		if cand == nil {
			return nil
		}
		out := []*event.Candidate{cand}
		if refunded := ledger.Refund(task.CreditsRequired, taskID); refunded != nil {
			out = append(out, refunded)
		}
		return out
	})
}

// transition folds both aggregates, asks decide for candidates, and
// appends them atomically. A nil candidate list means the command is a
// no-op against current state (already terminal, not yet created); the
// folded task is returned unchanged so callers can inspect why.
func (s *Service) transition(ctx context.Context, name, tenantID, taskID string, decide func(*aggregate.Task, *aggregate.CreditLedger) []*event.Candidate) (*aggregate.Task, error) {
	var task *aggregate.Task
	err := s.retryConflicts(ctx, name, func(ctx context.Context) error {
		var err error
		task, err = s.foldTask(ctx, taskID, tenantID)
		if err != nil {
			return err
		}
		ledger, err := s.foldLedger(ctx, tenantID)
		if err != nil {
			return err
		}

		candidates := decide(task, ledger)
		if len(candidates) == 0 {
			return nil
		}
		if _, err := s.appendAll(ctx, "", candidates...); err != nil {
			return err
		}
		task, err = s.foldTask(ctx, taskID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
