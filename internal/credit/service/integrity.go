package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-multierror"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VerifyIntegrity checks the ledger of one organization:
//
//	granted - remaining == -(sum of debit entries) per batch
//	0 <= remaining <= granted per batch
//	credits_remaining == sum of remaining over open batches
//
// Every violation found is reported, not only the first.
func (s *service) VerifyIntegrity(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return billingerror.Validation(domain.ErrInvalidOrganization)
	}
	org, err := s.orgRepo.FindByID(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return billingerror.NotFound(domain.ErrOrganizationMissing.Error())
	}
	batches, err := s.repo.ListBatches(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	debits, err := s.repo.SumDebitsByBatch(ctx, s.db, orgID)
	if err != nil {
		return err
	}

	var result *multierror.Error
	var open int64
	for _, b := range batches {
		if b.RemainingQuantity < 0 || b.RemainingQuantity > b.GrantedQuantity {
			result = multierror.Append(result, fmt.Errorf("batch %s remaining %d outside [0, %d]",
				b.ID, b.RemainingQuantity, b.GrantedQuantity))
		}
		if used := b.GrantedQuantity - b.RemainingQuantity; used != -debits[b.ID] {
			result = multierror.Append(result, fmt.Errorf("batch %s used %d but debits sum to %d",
				b.ID, used, debits[b.ID]))
		}
		if b.RemainingQuantity > 0 {
			open += b.RemainingQuantity
		}
	}
	if org.CreditsRemaining != open {
		result = multierror.Append(result, fmt.Errorf("credits_remaining %d but open batches hold %d",
			org.CreditsRemaining, open))
	}

	if err := result.ErrorOrNil(); err != nil {
		s.log.Error("credit ledger integrity check failed",
			zap.String("org_id", orgID.String()),
			zap.Int("violations", len(result.Errors)),
			zap.Error(err),
		)
		return billingerror.DataIntegrity("ledger_integrity", "%d violation(s): %v", len(result.Errors), err).
			With("org_id", orgID.String())
	}
	return nil
}

// RepairCounter resets the organization counter to the sum of open batch
// balances and returns the applied correction. Batches are the source of
// truth; the counter is a cache of them.
func (s *service) RepairCounter(ctx context.Context, orgID snowflake.ID) (int64, error) {
	if orgID == 0 {
		return 0, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	var delta int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		batches, err := s.repo.ListOpenBatches(ctx, tx, orgID)
		if err != nil {
			return err
		}
		var open int64
		for _, b := range batches {
			open += b.RemainingQuantity
		}
		delta = open - org.CreditsRemaining
		if delta == 0 {
			return nil
		}
		return s.orgRepo.SetCredits(ctx, tx, orgID, open)
	})
	if err != nil {
		return 0, err
	}
	if delta != 0 {
		s.log.Warn("credit counter repaired",
			zap.String("org_id", orgID.String()),
			zap.Int64("delta", delta),
		)
	}
	return delta, nil
}
