// Package aggregate holds the pure, replay-driven state machines. An
// aggregate is a transient reconstruction: folded from stored history for
// the duration of one command, never persisted, never shared between
// concurrent commands. Command methods produce candidate events and nothing
// else — no store, no bus, no clock.
package aggregate

import (
	"fmt"

	"github.com/kilnworks/tally/pkg/event"
)

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	TaskStateCreated   TaskState = "CREATED"
	TaskStateStarted   TaskState = "STARTED"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateTimedOut  TaskState = "TIMED_OUT"
)

// terminal reports whether no further transition is legal.
func (s TaskState) terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateTimedOut:
		return true
	}
	return false
}

// Task folds task history into current state. Version counts applied
// events; zero means the task does not exist yet.
type Task struct {
	TaskID          string
	TenantID        string
	State           TaskState
	Prompt          string
	Model           string
	CreditsRequired int64
	ExternalTaskID  string
	Result          string
	FailureReason   string
	FailureCode     string
	Version         int64
}

// NewTask replays history in order. Unknown event kinds are skipped without
// advancing the version, so histories written by newer deployments still
// fold.
func NewTask(taskID, tenantID string, history []*event.Envelope) (*Task, error) {
	t := &Task{TaskID: taskID, TenantID: tenantID}
	for _, env := range history {
		if err := t.apply(env); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Task) apply(env *event.Envelope) error {
	switch env.EventType {
	case event.TaskCreated:
		var p event.TaskCreatedPayload
		if err := event.DecodePayload(env.Plaintext, &p); err != nil {
			return fmt.Errorf("task %s event %s: %w", t.TaskID, env.EventID, err)
		}
		t.TaskID = p.TaskID
		t.State = TaskStateCreated
		t.Prompt = p.Prompt
		t.Model = p.Model
		t.CreditsRequired = p.CreditsRequired
	case event.TaskStarted:
		var p event.TaskStartedPayload
		if err := event.DecodePayload(env.Plaintext, &p); err != nil {
			return fmt.Errorf("task %s event %s: %w", t.TaskID, env.EventID, err)
		}
		t.State = TaskStateStarted
		t.ExternalTaskID = p.ExternalTaskID
	case event.TaskCompleted:
		var p event.TaskCompletedPayload
		if err := event.DecodePayload(env.Plaintext, &p); err != nil {
			return fmt.Errorf("task %s event %s: %w", t.TaskID, env.EventID, err)
		}
		t.State = TaskStateCompleted
		t.Result = p.Result
	case event.TaskFailed:
		var p event.TaskFailedPayload
		if err := event.DecodePayload(env.Plaintext, &p); err != nil {
			return fmt.Errorf("task %s event %s: %w", t.TaskID, env.EventID, err)
		}
		t.State = TaskStateFailed
		t.FailureReason = p.Reason
		t.FailureCode = p.Code
	case event.TaskTimedOut:
		t.State = TaskStateTimedOut
	default:
		// Forward compatible: an unfamiliar kind neither mutates state nor
		// counts toward the version.
		return nil
	}
	t.Version++
	return nil
}

// Create returns the birth event, or nil if the task already exists. The
// caller treats nil as "already created", not as a failure.
func (t *Task) Create(prompt string, creditsRequired int64, model string) *event.Candidate {
	if t.Version != 0 {
		return nil
	}
	return t.candidate(event.TaskCreated, event.TaskCreatedPayload{
		TaskID:          t.TaskID,
		Prompt:          prompt,
		Model:           model,
		CreditsRequired: creditsRequired,
	})
}

// Start transitions CREATED → STARTED. nil outside CREATED.
func (t *Task) Start(externalTaskID string) *event.Candidate {
	if t.State != TaskStateCreated || t.Version == 0 {
		return nil
	}
	return t.candidate(event.TaskStarted, event.TaskStartedPayload{ExternalTaskID: externalTaskID})
}

// Complete transitions STARTED → COMPLETED.
func (t *Task) Complete(result string) *event.Candidate {
	if t.State != TaskStateStarted {
		return nil
	}
	return t.candidate(event.TaskCompleted, event.TaskCompletedPayload{Result: result})
}

// Fail transitions any non-terminal, existing task to FAILED.
func (t *Task) Fail(reason, code string) *event.Candidate {
	if t.Version == 0 || t.State.terminal() {
		return nil
	}
	return t.candidate(event.TaskFailed, event.TaskFailedPayload{Reason: reason, Code: code})
}

// TimeOut transitions any non-terminal, existing task to TIMED_OUT.
func (t *Task) TimeOut() *event.Candidate {
	if t.Version == 0 || t.State.terminal() {
		return nil
	}
	return t.candidate(event.TaskTimedOut, event.TaskTimedOutPayload{})
}

func (t *Task) candidate(kind event.Type, payload any) *event.Candidate {
	return &event.Candidate{
		AggregateID:   t.TaskID,
		AggregateType: event.AggregateTask,
		TenantID:      t.TenantID,
		EventType:     kind,
		Version:       t.Version + 1,
		Payload:       payload,
	}
}
