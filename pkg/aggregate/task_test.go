package aggregate

import (
	"testing"

	"github.com/kilnworks/tally/pkg/event"
)

func taskEnvelope(t *testing.T, taskID string, version int64, kind event.Type, payload any) *event.Envelope {
	t.Helper()
	plaintext, err := event.EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return &event.Envelope{
		EventID:       "evt-test",
		AggregateID:   taskID,
		AggregateType: event.AggregateTask,
		TenantID:      "tenant-a",
		EventType:     kind,
		Version:       version,
		Plaintext:     plaintext,
	}
}

func createdEnvelope(t *testing.T, taskID string) *event.Envelope {
	t.Helper()
	return taskEnvelope(t, taskID, 1, event.TaskCreated, event.TaskCreatedPayload{
		TaskID:          taskID,
		Prompt:          "summarize the quarterly report",
		CreditsRequired: 30,
	})
}

func TestCreateOnFreshTask(t *testing.T) {
	task, err := NewTask("task-1", "tenant-a", nil)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	cand := task.Create("summarize the quarterly report", 30, "gpt-large")
	if cand == nil {
		t.Fatal("Create returned nil on a fresh task")
	}
	if cand.EventType != event.TaskCreated {
		t.Errorf("event type = %s", cand.EventType)
	}
	if cand.Version != 1 {
		t.Errorf("candidate version = %d, want 1", cand.Version)
	}
	if cand.AggregateType != event.AggregateTask {
		t.Errorf("aggregate type = %s", cand.AggregateType)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	task, err := NewTask("task-1", "tenant-a", []*event.Envelope{createdEnvelope(t, "task-1")})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	if task.Version != 1 {
		t.Fatalf("version after created = %d, want 1", task.Version)
	}
	if cand := task.Create("again", 10, ""); cand != nil {
		t.Error("second Create returned an event, want nil")
	}
	if task.Version != 1 {
		t.Errorf("version after no-op Create = %d, want 1", task.Version)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	history := []*event.Envelope{
		createdEnvelope(t, "task-1"),
		taskEnvelope(t, "task-1", 2, event.TaskStarted, event.TaskStartedPayload{ExternalTaskID: "ext-9"}),
	}
	task, err := NewTask("task-1", "tenant-a", history)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	if task.State != TaskStateStarted {
		t.Fatalf("state = %s, want STARTED", task.State)
	}
	if task.ExternalTaskID != "ext-9" {
		t.Errorf("external task id = %q", task.ExternalTaskID)
	}
	if task.Version != 2 {
		t.Errorf("version = %d, want 2", task.Version)
	}

	cand := task.Complete("42 pages summarized")
	if cand == nil {
		t.Fatal("Complete returned nil from STARTED")
	}
	if cand.Version != 3 {
		t.Errorf("complete candidate version = %d, want 3", cand.Version)
	}
}

func TestNoTransitionOutOfTerminalState(t *testing.T) {
	terminalKinds := []struct {
		kind    event.Type
		payload any
	}{
		{event.TaskCompleted, event.TaskCompletedPayload{Result: "done"}},
		{event.TaskFailed, event.TaskFailedPayload{Reason: "upstream error"}},
		{event.TaskTimedOut, event.TaskTimedOutPayload{}},
	}

	for _, tk := range terminalKinds {
		history := []*event.Envelope{
			createdEnvelope(t, "task-1"),
			taskEnvelope(t, "task-1", 2, event.TaskStarted, event.TaskStartedPayload{}),
			taskEnvelope(t, "task-1", 3, tk.kind, tk.payload),
		}
		task, err := NewTask("task-1", "tenant-a", history)
		if err != nil {
			t.Fatalf("NewTask: %v", err)
		}

		if task.Start("ext") != nil {
			t.Errorf("%s: Start allowed out of terminal state", tk.kind)
		}
		if task.Complete("r") != nil {
			t.Errorf("%s: Complete allowed out of terminal state", tk.kind)
		}
		if task.Fail("r", "") != nil {
			t.Errorf("%s: Fail allowed out of terminal state", tk.kind)
		}
		if task.TimeOut() != nil {
			t.Errorf("%s: TimeOut allowed out of terminal state", tk.kind)
		}
	}
}

func TestStartRequiresCreated(t *testing.T) {
	task, err := NewTask("task-1", "tenant-a", nil)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Start("ext") != nil {
		t.Error("Start allowed before Create")
	}
}

func TestUnknownEventKindIgnored(t *testing.T) {
	history := []*event.Envelope{
		createdEnvelope(t, "task-1"),
		taskEnvelope(t, "task-1", 2, event.Type("TaskAnnotated"), map[string]string{"note": "future kind"}),
	}
	task, err := NewTask("task-1", "tenant-a", history)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Version != 1 {
		t.Errorf("version = %d, want 1 (unknown kind must not count)", task.Version)
	}
	if task.State != TaskStateCreated {
		t.Errorf("state = %s, want CREATED", task.State)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	history := []*event.Envelope{
		createdEnvelope(t, "task-1"),
		taskEnvelope(t, "task-1", 2, event.TaskStarted, event.TaskStartedPayload{}),
		taskEnvelope(t, "task-1", 3, event.TaskCompleted, event.TaskCompletedPayload{Result: "ok"}),
	}
	task, err := NewTask("task-1", "tenant-a", history)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Version != int64(len(history)) {
		t.Errorf("version = %d, want %d", task.Version, len(history))
	}
}
