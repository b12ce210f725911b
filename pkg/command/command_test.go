package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/kilnworks/tally/pkg/aggregate"
	"github.com/kilnworks/tally/pkg/bus"
	"github.com/kilnworks/tally/pkg/crypto"
	"github.com/kilnworks/tally/pkg/event"
	"github.com/kilnworks/tally/pkg/eventstore"
	"github.com/kilnworks/tally/pkg/outbox"
)

var eventColumns = []string{"id", "aggregate_id", "aggregate_type", "tenant_id", "version", "event_type", "payload", "created_at"}

type commandFixture struct {
	svc    *Service
	mock   sqlmock.Sqlmock
	cipher *crypto.TenantCipher
	now    time.Time
}

func newCommandFixture(t *testing.T) *commandFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := crypto.NewTenantCipher([]byte("command-test-master"))
	if err != nil {
		t.Fatalf("NewTenantCipher: %v", err)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	events := eventstore.New(db, cipher).WithClock(clock)
	ob := outbox.New(db).WithClock(clock)
	svc := NewService(db, events, ob, bus.DefaultTopics(), nil)
	return &commandFixture{svc: svc, mock: mock, cipher: cipher, now: now}
}

// sealedBlob encrypts a payload exactly the way the store persists it, so
// mocked history rows replay through the real cipher.
func (f *commandFixture) sealedBlob(t *testing.T, tenantID string, payload any) string {
	t.Helper()
	plaintext, err := event.EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	sealed, err := f.cipher.Encrypt(plaintext, tenantID)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	blob, err := json.Marshal(sealed)
	if err != nil {
		t.Fatalf("marshal sealed payload: %v", err)
	}
	return string(blob)
}

func (f *commandFixture) historyRow(t *testing.T, rows *sqlmock.Rows, aggregateID string, aggregateType event.AggregateType, tenantID string, version int64, kind event.Type, payload any) {
	t.Helper()
	rows.AddRow("evt-"+string(kind), aggregateID, string(aggregateType), tenantID,
		version, string(kind), f.sealedBlob(t, tenantID, payload), f.now)
}

func (f *commandFixture) expectTaskLoad(taskID, tenantID string, rows *sqlmock.Rows) {
	f.mock.ExpectQuery("SELECT (.+) FROM events").WithArgs(taskID, tenantID).WillReturnRows(rows)
}

func (f *commandFixture) expectLedgerLoad(tenantID string, rows *sqlmock.Rows) {
	f.mock.ExpectQuery("SELECT (.+) FROM events").WithArgs(tenantID, tenantID).WillReturnRows(rows)
}

func (f *commandFixture) expectEventInsert(aggregateID string, version int64, kind event.Type) {
	f.mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), aggregateID, sqlmock.AnyArg(), sqlmock.AnyArg(),
			version, string(kind), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func (f *commandFixture) expectOutboxInsert(topic string) {
	f.mock.ExpectExec("INSERT INTO outbox").
		WithArgs(sqlmock.AnyArg(), topic, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func (f *commandFixture) ledgerWithBalance(t *testing.T, tenantID string, amount int64) *sqlmock.Rows {
	rows := sqlmock.NewRows(eventColumns)
	f.historyRow(t, rows, tenantID, event.AggregateCreditLedger, tenantID, 1,
		event.CreditsAllocated, event.CreditPayload{TenantID: tenantID, Amount: amount})
	return rows
}

func TestCreateTaskReservesCreditsAtomically(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	f.expectTaskLoad("task-1", "tenant-a", sqlmock.NewRows(eventColumns))
	f.expectLedgerLoad("tenant-a", f.ledgerWithBalance(t, "tenant-a", 100))

	f.mock.ExpectBegin()
	f.expectEventInsert("task-1", 1, event.TaskCreated)
	f.expectOutboxInsert("task.events")
	f.expectEventInsert("tenant-a", 2, event.CreditsReserved)
	f.expectOutboxInsert("billing.events")
	f.mock.ExpectCommit()

	refold := sqlmock.NewRows(eventColumns)
	f.historyRow(t, refold, "task-1", event.AggregateTask, "tenant-a", 1,
		event.TaskCreated, event.TaskCreatedPayload{TaskID: "task-1", Prompt: "p", CreditsRequired: 30})
	f.expectTaskLoad("task-1", "tenant-a", refold)

	task, err := f.svc.CreateTask(ctx, CreateTaskInput{
		TenantID: "tenant-a", TaskID: "task-1", Prompt: "p", CreditsRequired: 30,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.State != aggregate.TaskStateCreated {
		t.Errorf("state = %s", task.State)
	}
	if task.CreditsRequired != 30 {
		t.Errorf("credits = %d", task.CreditsRequired)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateTaskRejectsInsufficientCredits(t *testing.T) {
	f := newCommandFixture(t)

	f.expectTaskLoad("task-1", "tenant-a", sqlmock.NewRows(eventColumns))
	f.expectLedgerLoad("tenant-a", f.ledgerWithBalance(t, "tenant-a", 10))

	_, err := f.svc.CreateTask(context.Background(), CreateTaskInput{
		TenantID: "tenant-a", TaskID: "task-1", Prompt: "p", CreditsRequired: 30,
	})
	if !errors.Is(err, event.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	// Nothing was written: no Begin was ever expected, and none happened.
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateTaskIdempotentResubmission(t *testing.T) {
	f := newCommandFixture(t)

	existing := sqlmock.NewRows(eventColumns)
	f.historyRow(t, existing, "task-1", event.AggregateTask, "tenant-a", 1,
		event.TaskCreated, event.TaskCreatedPayload{TaskID: "task-1", Prompt: "p", CreditsRequired: 30})
	f.expectTaskLoad("task-1", "tenant-a", existing)

	task, err := f.svc.CreateTask(context.Background(), CreateTaskInput{
		TenantID: "tenant-a", TaskID: "task-1", Prompt: "p", CreditsRequired: 30,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Version != 1 {
		t.Errorf("version = %d, resubmission must not append", task.Version)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateTaskIdempotencyKeyShortCircuits(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	f.expectTaskLoad("task-1", "tenant-a", sqlmock.NewRows(eventColumns))
	f.expectLedgerLoad("tenant-a", f.ledgerWithBalance(t, "tenant-a", 100))
	f.mock.ExpectBegin()
	f.expectEventInsert("task-1", 1, event.TaskCreated)
	f.expectOutboxInsert("task.events")
	f.expectEventInsert("tenant-a", 2, event.CreditsReserved)
	f.expectOutboxInsert("billing.events")
	f.mock.ExpectCommit()
	refold := sqlmock.NewRows(eventColumns)
	f.historyRow(t, refold, "task-1", event.AggregateTask, "tenant-a", 1,
		event.TaskCreated, event.TaskCreatedPayload{TaskID: "task-1", Prompt: "p", CreditsRequired: 30})
	f.expectTaskLoad("task-1", "tenant-a", refold)

	first, err := f.svc.CreateTask(ctx, CreateTaskInput{
		TenantID: "tenant-a", TaskID: "task-1", Prompt: "p", CreditsRequired: 30,
		IdempotencyKey: "req-42",
	})
	if err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}

	// The retry does not even know the assigned task id; only the key.
	// It must resolve to the same task with a single replay and no writes.
	replay := sqlmock.NewRows(eventColumns)
	f.historyRow(t, replay, "task-1", event.AggregateTask, "tenant-a", 1,
		event.TaskCreated, event.TaskCreatedPayload{TaskID: "task-1", Prompt: "p", CreditsRequired: 30})
	f.expectTaskLoad("task-1", "tenant-a", replay)

	second, err := f.svc.CreateTask(ctx, CreateTaskInput{
		TenantID: "tenant-a", Prompt: "p", CreditsRequired: 30,
		IdempotencyKey: "req-42",
	})
	if err != nil {
		t.Fatalf("second CreateTask: %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Errorf("task id = %q, want %q", second.TaskID, first.TaskID)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	cases := []CreateTaskInput{
		{TaskID: "t", Prompt: "p", CreditsRequired: 1},               // no tenant
		{TenantID: "a", TaskID: "t", CreditsRequired: 1},             // no prompt
		{TenantID: "a", TaskID: "t", Prompt: "p", CreditsRequired: 0}, // no cost
	}
	for _, in := range cases {
		if _, err := f.svc.CreateTask(ctx, in); err == nil {
			t.Errorf("CreateTask(%+v) accepted invalid input", in)
		}
	}
}

func TestCreateTaskRetriesVersionConflict(t *testing.T) {
	f := newCommandFixture(t)

	// First attempt loses the race on the task stream.
	f.expectTaskLoad("task-1", "tenant-a", sqlmock.NewRows(eventColumns))
	f.expectLedgerLoad("tenant-a", f.ledgerWithBalance(t, "tenant-a", 100))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505"})
	f.mock.ExpectRollback()

	// Second attempt refolds and sees the winner's event: the task now
	// exists, so the command degrades to an idempotent no-op.
	existing := sqlmock.NewRows(eventColumns)
	f.historyRow(t, existing, "task-1", event.AggregateTask, "tenant-a", 1,
		event.TaskCreated, event.TaskCreatedPayload{TaskID: "task-1", Prompt: "p", CreditsRequired: 30})
	f.expectTaskLoad("task-1", "tenant-a", existing)

	task, err := f.svc.CreateTask(context.Background(), CreateTaskInput{
		TenantID: "tenant-a", TaskID: "task-1", Prompt: "p", CreditsRequired: 30,
	})
	if err != nil {
		t.Fatalf("CreateTask after conflict: %v", err)
	}
	if task.Version != 1 {
		t.Errorf("version = %d", task.Version)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func startedTaskHistory(t *testing.T, f *commandFixture) *sqlmock.Rows {
	rows := sqlmock.NewRows(eventColumns)
	f.historyRow(t, rows, "task-1", event.AggregateTask, "tenant-a", 1,
		event.TaskCreated, event.TaskCreatedPayload{TaskID: "task-1", Prompt: "p", CreditsRequired: 30})
	f.historyRow(t, rows, "task-1", event.AggregateTask, "tenant-a", 2,
		event.TaskStarted, event.TaskStartedPayload{ExternalTaskID: "ext-9"})
	return rows
}

func reservedLedgerHistory(t *testing.T, f *commandFixture) *sqlmock.Rows {
	rows := sqlmock.NewRows(eventColumns)
	f.historyRow(t, rows, "tenant-a", event.AggregateCreditLedger, "tenant-a", 1,
		event.CreditsAllocated, event.CreditPayload{TenantID: "tenant-a", Amount: 100})
	f.historyRow(t, rows, "tenant-a", event.AggregateCreditLedger, "tenant-a", 2,
		event.CreditsReserved, event.CreditPayload{TenantID: "tenant-a", Amount: 30, TaskID: "task-1"})
	return rows
}

func TestCompleteTaskConsumesReservation(t *testing.T) {
	f := newCommandFixture(t)

	f.expectTaskLoad("task-1", "tenant-a", startedTaskHistory(t, f))
	f.expectLedgerLoad("tenant-a", reservedLedgerHistory(t, f))

	f.mock.ExpectBegin()
	f.expectEventInsert("task-1", 3, event.TaskCompleted)
	f.expectOutboxInsert("task.events")
	f.expectEventInsert("tenant-a", 3, event.CreditsConsumed)
	f.expectOutboxInsert("billing.events")
	f.mock.ExpectCommit()

	refold := startedTaskHistory(t, f)
	f.historyRow(t, refold, "task-1", event.AggregateTask, "tenant-a", 3,
		event.TaskCompleted, event.TaskCompletedPayload{Result: "done"})
	f.expectTaskLoad("task-1", "tenant-a", refold)

	task, err := f.svc.CompleteTask(context.Background(), "tenant-a", "task-1", "done")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if task.State != aggregate.TaskStateCompleted {
		t.Errorf("state = %s", task.State)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFailTaskRefundsReservation(t *testing.T) {
	f := newCommandFixture(t)

	f.expectTaskLoad("task-1", "tenant-a", startedTaskHistory(t, f))
	f.expectLedgerLoad("tenant-a", reservedLedgerHistory(t, f))

	f.mock.ExpectBegin()
	f.expectEventInsert("task-1", 3, event.TaskFailed)
	f.expectOutboxInsert("task.events")
	f.expectEventInsert("tenant-a", 3, event.CreditsRefunded)
	f.expectOutboxInsert("billing.events")
	f.mock.ExpectCommit()

	refold := startedTaskHistory(t, f)
	f.historyRow(t, refold, "task-1", event.AggregateTask, "tenant-a", 3,
		event.TaskFailed, event.TaskFailedPayload{Reason: "boom", Code: "E_RUNNER"})
	f.expectTaskLoad("task-1", "tenant-a", refold)

	task, err := f.svc.FailTask(context.Background(), "tenant-a", "task-1", "boom", "E_RUNNER")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if task.State != aggregate.TaskStateFailed {
		t.Errorf("state = %s", task.State)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCompleteTaskNoOpWhenTerminal(t *testing.T) {
	f := newCommandFixture(t)

	done := startedTaskHistory(t, f)
	f.historyRow(t, done, "task-1", event.AggregateTask, "tenant-a", 3,
		event.TaskCompleted, event.TaskCompletedPayload{Result: "done"})
	f.expectTaskLoad("task-1", "tenant-a", done)
	f.expectLedgerLoad("tenant-a", reservedLedgerHistory(t, f))

	task, err := f.svc.CompleteTask(context.Background(), "tenant-a", "task-1", "again")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if task.Version != 3 {
		t.Errorf("version = %d, terminal task must not advance", task.Version)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAllocateCredits(t *testing.T) {
	f := newCommandFixture(t)

	f.expectLedgerLoad("tenant-a", sqlmock.NewRows(eventColumns))
	f.mock.ExpectBegin()
	f.expectEventInsert("tenant-a", 1, event.CreditsAllocated)
	f.expectOutboxInsert("billing.events")
	f.mock.ExpectCommit()
	f.expectLedgerLoad("tenant-a", f.ledgerWithBalance(t, "tenant-a", 100))

	ledger, err := f.svc.AllocateCredits(context.Background(), "tenant-a", 100)
	if err != nil {
		t.Fatalf("AllocateCredits: %v", err)
	}
	if ledger.Available != 100 {
		t.Errorf("available = %d", ledger.Available)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAllocateCreditsValidation(t *testing.T) {
	f := newCommandFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AllocateCredits(ctx, "", 100); err == nil {
		t.Error("missing tenant accepted")
	}
	if _, err := f.svc.AllocateCredits(ctx, "tenant-a", 0); err == nil {
		t.Error("zero amount accepted")
	}
	if _, err := f.svc.AllocateCredits(ctx, "tenant-a", -5); err == nil {
		t.Error("negative amount accepted")
	}
}
