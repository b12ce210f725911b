package aggregate

import (
	"fmt"

	"github.com/kilnworks/tally/pkg/event"
)

// CreditLedger folds a tenant's billing history into the four-bucket
// balance. The tenant id doubles as the aggregate id, so one ledger exists
// per tenant.
//
// The fold is total: it applies committed events without clamping or
// rejecting, even when the arithmetic would drive Available negative. The
// conservation invariant is enforced at command time by CanReserve only —
// retroactively refusing an already appended event would break the
// append-only contract. A caller bypassing the guard corrupts balances
// silently; keep the guard in every reserve path.
type CreditLedger struct {
	TenantID  string
	Available int64
	Reserved  int64
	Consumed  int64
	Refunded  int64
	Version   int64
}

// NewCreditLedger replays a tenant's billing history in order.
func NewCreditLedger(tenantID string, history []*event.Envelope) (*CreditLedger, error) {
	l := &CreditLedger{TenantID: tenantID}
	for _, env := range history {
		if err := l.apply(env); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *CreditLedger) apply(env *event.Envelope) error {
	var p event.CreditPayload
	switch env.EventType {
	case event.CreditsAllocated, event.CreditsReserved, event.CreditsConsumed, event.CreditsRefunded:
		if err := event.DecodePayload(env.Plaintext, &p); err != nil {
			return fmt.Errorf("credit ledger %s event %s: %w", l.TenantID, env.EventID, err)
		}
	default:
		return nil
	}

	switch env.EventType {
	case event.CreditsAllocated:
		l.Available += p.Amount
	case event.CreditsReserved:
		l.Available -= p.Amount
		l.Reserved += p.Amount
	case event.CreditsConsumed:
		l.Reserved -= p.Amount
		l.Consumed += p.Amount
	case event.CreditsRefunded:
		l.Reserved -= p.Amount
		l.Available += p.Amount
		l.Refunded += p.Amount
	}
	l.Version++
	return nil
}

// CanReserve is the command-time guard for reservations.
func (l *CreditLedger) CanReserve(amount int64) bool {
	return amount > 0 && l.Available >= amount
}

// Allocate grants credits to the tenant.
func (l *CreditLedger) Allocate(amount int64) *event.Candidate {
	if amount <= 0 {
		return nil
	}
	return l.candidate(event.CreditsAllocated, "", amount)
}

// Reserve earmarks credits for a task. Callers must check CanReserve first;
// the builder itself does not re-read history.
func (l *CreditLedger) Reserve(amount int64, taskID string) *event.Candidate {
	if amount <= 0 {
		return nil
	}
	return l.candidate(event.CreditsReserved, taskID, amount)
}

// Consume settles a reservation after the task finished successfully.
func (l *CreditLedger) Consume(amount int64, taskID string) *event.Candidate {
	if amount <= 0 {
		return nil
	}
	return l.candidate(event.CreditsConsumed, taskID, amount)
}

// Refund returns a reservation to the available pool.
func (l *CreditLedger) Refund(amount int64, taskID string) *event.Candidate {
	if amount <= 0 {
		return nil
	}
	return l.candidate(event.CreditsRefunded, taskID, amount)
}

func (l *CreditLedger) candidate(kind event.Type, taskID string, amount int64) *event.Candidate {
	return &event.Candidate{
		AggregateID:   l.TenantID,
		AggregateType: event.AggregateCreditLedger,
		TenantID:      l.TenantID,
		EventType:     kind,
		Version:       l.Version + 1,
		Payload: event.CreditPayload{
			TenantID: l.TenantID,
			Amount:   amount,
			TaskID:   taskID,
		},
	}
}
