// Package eventtest provides shared billing fixture vectors. The credit
// ledger aggregate folds raw history and the projection service folds the
// last-known row with the same arithmetic; both test suites consume these
// vectors so the two implementations cannot drift apart unnoticed.
package eventtest

import (
	"fmt"

	"github.com/kilnworks/tally/pkg/event"
)

// Step is one billing event in a scenario.
type Step struct {
	Type   event.Type
	Amount int64
	TaskID string
}

// Balance is the expected four-bucket state after folding a scenario.
type Balance struct {
	Available int64
	Reserved  int64
	Consumed  int64
	Refunded  int64
}

// BalanceVector is one end-to-end billing scenario.
type BalanceVector struct {
	Name  string
	Steps []Step
	Want  Balance
}

// BalanceVectors returns the canonical scenarios, including the two from
// the acceptance checklist (allocate/reserve/consume and full refund).
func BalanceVectors() []BalanceVector {
	return []BalanceVector{
		{
			Name: "allocate only",
			Steps: []Step{
				{Type: event.CreditsAllocated, Amount: 100},
			},
			Want: Balance{Available: 100},
		},
		{
			Name: "allocate reserve consume",
			Steps: []Step{
				{Type: event.CreditsAllocated, Amount: 100},
				{Type: event.CreditsReserved, Amount: 30, TaskID: "task-t"},
				{Type: event.CreditsConsumed, Amount: 30, TaskID: "task-t"},
			},
			Want: Balance{Available: 70, Reserved: 0, Consumed: 30, Refunded: 0},
		},
		{
			Name: "full refund",
			Steps: []Step{
				{Type: event.CreditsAllocated, Amount: 50},
				{Type: event.CreditsReserved, Amount: 50, TaskID: "task-t"},
				{Type: event.CreditsRefunded, Amount: 50, TaskID: "task-t"},
			},
			Want: Balance{Available: 50, Reserved: 0, Consumed: 0, Refunded: 50},
		},
		{
			Name: "interleaved tasks",
			Steps: []Step{
				{Type: event.CreditsAllocated, Amount: 200},
				{Type: event.CreditsReserved, Amount: 80, TaskID: "task-1"},
				{Type: event.CreditsReserved, Amount: 40, TaskID: "task-2"},
				{Type: event.CreditsConsumed, Amount: 80, TaskID: "task-1"},
				{Type: event.CreditsRefunded, Amount: 40, TaskID: "task-2"},
				{Type: event.CreditsAllocated, Amount: 10},
			},
			Want: Balance{Available: 170, Reserved: 0, Consumed: 80, Refunded: 40},
		},
		{
			Name: "partial consume leaves reservation",
			Steps: []Step{
				{Type: event.CreditsAllocated, Amount: 100},
				{Type: event.CreditsReserved, Amount: 60, TaskID: "task-1"},
				{Type: event.CreditsConsumed, Amount: 25, TaskID: "task-1"},
			},
			Want: Balance{Available: 40, Reserved: 35, Consumed: 25, Refunded: 0},
		},
	}
}

// Envelopes materializes a scenario as decrypted envelopes for the given
// tenant, versioned 1..N, ready to feed an aggregate constructor.
func Envelopes(tenantID string, steps []Step) ([]*event.Envelope, error) {
	envs := make([]*event.Envelope, 0, len(steps))
	for i, s := range steps {
		plaintext, err := event.EncodePayload(event.CreditPayload{
			TenantID: tenantID,
			Amount:   s.Amount,
			TaskID:   s.TaskID,
		})
		if err != nil {
			return nil, err
		}
		envs = append(envs, &event.Envelope{
			EventID:       fmt.Sprintf("fixture-%d", i+1),
			AggregateID:   tenantID,
			AggregateType: event.AggregateCreditLedger,
			TenantID:      tenantID,
			EventType:     s.Type,
			Version:       int64(i + 1),
			Plaintext:     plaintext,
		})
	}
	return envs, nil
}
