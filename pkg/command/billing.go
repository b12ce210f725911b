package command

import (
	"context"
	"fmt"

	"github.com/kilnworks/tally/pkg/aggregate"
)

// AllocateCredits grants amount credits to the tenant's ledger. The
// ledger aggregate shares its id with the tenant, so allocation creates
// the ledger stream on first use.
func (s *Service) AllocateCredits(ctx context.Context, tenantID string, amount int64) (*aggregate.CreditLedger, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("command: allocate credits: tenant id is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("command: allocate credits: amount must be positive")
	}

	var ledger *aggregate.CreditLedger
	err := s.retryConflicts(ctx, "AllocateCredits", func(ctx context.Context) error {
		var err error
		ledger, err = s.foldLedger(ctx, tenantID)
		if err != nil {
			return err
		}
		cand := ledger.Allocate(amount)
		if cand == nil {
			return fmt.Errorf("command: allocate credits: ledger rejected amount %d", amount)
		}
		if _, err := s.appendAll(ctx, "", cand); err != nil {
			return err
		}
		ledger, err = s.foldLedger(ctx, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// Balance folds and returns the tenant's current ledger without writing
// anything. The projection's balance row is the cheap read path; this is
// the authoritative one.
func (s *Service) Balance(ctx context.Context, tenantID string) (*aggregate.CreditLedger, error) {
	return s.foldLedger(ctx, tenantID)
}
