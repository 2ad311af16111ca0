package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Repo             domain.Repository
	OrgRepo          orgdomain.Repository
	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
	SchedulerMetrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	orgRepo     orgdomain.Repository
	obsMetrics  *obsmetrics.Metrics
	lockMetrics *obsmetrics.SchedulerMetrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:          p.DB,
		log:         p.Log.Named("credit.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		orgRepo:     p.OrgRepo,
		obsMetrics:  p.ObsMetrics,
		lockMetrics: p.SchedulerMetrics,
	}
}

func (s *service) GrantCredits(ctx context.Context, req domain.GrantRequest) (*domain.CreditBatch, error) {
	var batch *domain.CreditBatch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		batch, err = s.GrantCreditsTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordCreditsGranted(ctx, string(batch.Source), batch.GrantedQuantity)
	return batch, nil
}

func (s *service) GrantCreditsTx(ctx context.Context, tx *gorm.DB, req domain.GrantRequest) (*domain.CreditBatch, error) {
	now := s.clock.Now()
	if err := validateGrant(req, now); err != nil {
		return nil, err
	}
	if _, err := s.lockOrg(ctx, tx, req.OrgID); err != nil {
		return nil, err
	}

	metadata, err := domain.EncodeMetadata(req.Metadata)
	if err != nil {
		return nil, billingerror.Validation(domain.ErrInvalidMetadata)
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		v := req.ExpiresAt.UTC()
		expiresAt = &v
	}
	batch := &domain.CreditBatch{
		ID:                s.genID.Generate(),
		OrgID:             req.OrgID,
		GrantedQuantity:   req.Quantity,
		RemainingQuantity: req.Quantity,
		Source:            req.Source,
		GrantedAt:         now,
		ExpiresAt:         expiresAt,
		UnitCost:          req.UnitCost,
		UnitCostCurrency:  strings.ToUpper(strings.TrimSpace(req.UnitCostCurrency)),
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.InsertBatch(ctx, tx, batch); err != nil {
		return nil, err
	}
	if err := s.repo.InsertEntry(ctx, tx, &domain.CreditLedgerEntry{
		ID:               s.genID.Generate(),
		OrgID:            req.OrgID,
		BatchID:          batch.ID,
		Source:           req.Source,
		Quantity:         req.Quantity,
		LinkedEntityType: strings.TrimSpace(req.LinkedEntityType),
		LinkedEntityID:   strings.TrimSpace(req.LinkedEntityID),
		Metadata:         metadata,
		CreatedAt:        now,
	}); err != nil {
		return nil, err
	}
	if err := s.orgRepo.AdjustCredits(ctx, tx, req.OrgID, req.Quantity); err != nil {
		return nil, err
	}

	s.log.Info("credits granted",
		zap.String("org_id", req.OrgID.String()),
		zap.String("batch_id", batch.ID.String()),
		zap.String("source", string(req.Source)),
		zap.Int64("quantity", req.Quantity),
	)
	return batch, nil
}

func (s *service) ConsumeCredits(ctx context.Context, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	var result *domain.ConsumeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ConsumeCreditsTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if billingerror.Is(err, billingerror.KindInsufficientCredits) {
			s.obsMetrics.RecordInsufficientCredits(ctx, req.EntityType)
		}
		return nil, err
	}
	s.obsMetrics.RecordCreditsConsumed(ctx, req.EntityType, req.Quantity)
	return result, nil
}

func (s *service) ConsumeCreditsTx(ctx context.Context, tx *gorm.DB, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	if err := validateConsume(req); err != nil {
		return nil, err
	}
	org, err := s.lockOrg(ctx, tx, req.OrgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	batches, err := s.repo.ListOpenBatches(ctx, tx, req.OrgID)
	if err != nil {
		return nil, err
	}
	draws, available := domain.PlanConsumption(batches, req.Quantity, now)
	if available < req.Quantity {
		return nil, billingerror.InsufficientCredits(req.Quantity, available)
	}
	if org.CreditsRemaining < req.Quantity {
		return nil, s.integrityViolation(req.OrgID, billingerror.DataIntegrity("counter_drift",
			"counter %d below spendable balance %d", org.CreditsRemaining, available))
	}

	metadata, err := domain.EncodeMetadata(domain.ConsumptionMetadata{
		EntityType: strings.TrimSpace(req.EntityType),
		EntityID:   strings.TrimSpace(req.EntityID),
		Notes:      strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[snowflake.ID]domain.CreditBatch, len(batches))
	for _, b := range batches {
		byID[b.ID] = b
	}
	for _, draw := range draws {
		batch := byID[draw.BatchID]
		if draw.BatchRemaining < 0 || draw.BatchRemaining > batch.GrantedQuantity {
			return nil, s.integrityViolation(req.OrgID, billingerror.DataIntegrity("batch_bounds",
				"batch %s would hold %d of %d", batch.ID, draw.BatchRemaining, batch.GrantedQuantity))
		}
		ok, err := s.repo.UpdateRemaining(ctx, tx, batch.ID, batch.RemainingQuantity, draw.BatchRemaining)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.integrityViolation(req.OrgID, billingerror.DataIntegrity("batch_concurrent_write",
				"batch %s changed under organization lock", batch.ID))
		}
		if err := s.repo.InsertEntry(ctx, tx, &domain.CreditLedgerEntry{
			ID:               s.genID.Generate(),
			OrgID:            req.OrgID,
			BatchID:          batch.ID,
			Source:           domain.SourceConsumption,
			Quantity:         -draw.Quantity,
			LinkedEntityType: strings.TrimSpace(req.EntityType),
			LinkedEntityID:   strings.TrimSpace(req.EntityID),
			Metadata:         metadata,
			CreatedAt:        now,
		}); err != nil {
			return nil, err
		}
	}
	if err := s.orgRepo.AdjustCredits(ctx, tx, req.OrgID, -req.Quantity); err != nil {
		return nil, err
	}

	s.log.Info("credits consumed",
		zap.String("org_id", req.OrgID.String()),
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID),
		zap.Int64("quantity", req.Quantity),
		zap.Int("batches_touched", len(draws)),
	)
	return &domain.ConsumeResult{
		OrgID:     req.OrgID,
		Quantity:  req.Quantity,
		Draws:     draws,
		Remaining: org.CreditsRemaining - req.Quantity,
	}, nil
}

func (s *service) ExpireTx(ctx context.Context, tx *gorm.DB, req domain.ExpireRequest) (*domain.ExpireResult, error) {
	if req.OrgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	switch req.Scope {
	case domain.ExpirePlanInclusion, domain.ExpireAll, domain.ExpireLapsedOnly:
	default:
		return nil, billingerror.Validation(domain.ErrInvalidScope)
	}
	if _, err := s.lockOrg(ctx, tx, req.OrgID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	batches, err := s.repo.ListOpenBatches(ctx, tx, req.OrgID)
	if err != nil {
		return nil, err
	}
	metadata, err := domain.EncodeMetadata(domain.ExpiryMetadata{Reason: req.Reason})
	if err != nil {
		return nil, err
	}

	result := &domain.ExpireResult{}
	survivors := make([]snowflake.ID, 0, len(batches))
	for _, batch := range batches {
		if !inScope(req.Scope, batch, now) {
			survivors = append(survivors, batch.ID)
			continue
		}
		ok, err := s.repo.UpdateRemaining(ctx, tx, batch.ID, batch.RemainingQuantity, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.integrityViolation(req.OrgID, billingerror.DataIntegrity("batch_concurrent_write",
				"batch %s changed under organization lock", batch.ID))
		}
		if err := s.repo.InsertEntry(ctx, tx, &domain.CreditLedgerEntry{
			ID:               s.genID.Generate(),
			OrgID:            req.OrgID,
			BatchID:          batch.ID,
			Source:           domain.SourceExpiry,
			Quantity:         -batch.RemainingQuantity,
			LinkedEntityType: strings.TrimSpace(req.LinkedEntityType),
			LinkedEntityID:   strings.TrimSpace(req.LinkedEntityID),
			Metadata:         metadata,
			CreatedAt:        now,
		}); err != nil {
			return nil, err
		}
		result.Batches++
		result.Quantity += batch.RemainingQuantity
	}

	if result.Quantity > 0 {
		if err := s.orgRepo.AdjustCredits(ctx, tx, req.OrgID, -result.Quantity); err != nil {
			return nil, err
		}
	}
	if req.Scope == domain.ExpirePlanInclusion {
		if err := s.repo.MarkRolled(ctx, tx, survivors); err != nil {
			return nil, err
		}
	}

	if result.Batches > 0 {
		s.log.Info("credits expired",
			zap.String("org_id", req.OrgID.String()),
			zap.String("scope", string(req.Scope)),
			zap.String("reason", string(req.Reason)),
			zap.Int("batches", result.Batches),
			zap.Int64("quantity", result.Quantity),
		)
	}
	return result, nil
}

func (s *service) ExpireLapsed(ctx context.Context, orgID snowflake.ID) (*domain.ExpireResult, error) {
	var result *domain.ExpireResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ExpireTx(ctx, tx, domain.ExpireRequest{
			OrgID:  orgID,
			Scope:  domain.ExpireLapsedOnly,
			Reason: domain.ExpiryReasonLapsed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordCreditsExpired(ctx, string(domain.ExpiryReasonLapsed), result.Quantity)
	return result, nil
}

func (s *service) Balance(ctx context.Context, orgID snowflake.ID) (*domain.Balance, error) {
	if orgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	org, err := s.orgRepo.FindByID(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, billingerror.NotFound(domain.ErrOrganizationMissing.Error())
	}
	batches, err := s.repo.ListOpenBatches(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	balance := &domain.Balance{OrgID: orgID, CreditsRemaining: org.CreditsRemaining}
	for _, b := range batches {
		if !b.Spendable(now) {
			continue
		}
		balance.Spendable += b.RemainingQuantity
		balance.OpenBatches++
		if b.ExpiresAt != nil && (balance.NextExpiry == nil || b.ExpiresAt.Before(*balance.NextExpiry)) {
			next := *b.ExpiresAt
			balance.NextExpiry = &next
		}
	}
	return balance, nil
}

func (s *service) ListBatches(ctx context.Context, orgID snowflake.ID) ([]domain.CreditBatch, error) {
	if orgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	return s.repo.ListBatches(ctx, s.db, orgID)
}

func (s *service) ListEntries(ctx context.Context, filter domain.EntryFilter) ([]domain.CreditLedgerEntry, error) {
	if filter.OrgID == 0 {
		return nil, billingerror.Validation(domain.ErrInvalidOrganization)
	}
	return s.repo.ListEntries(ctx, s.db, filter)
}

func (s *service) ListOrgsWithBatches(ctx context.Context) ([]snowflake.ID, error) {
	return s.repo.ListOrgsWithBatches(ctx, s.db)
}

func (s *service) lockOrg(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*orgdomain.Organization, error) {
	start := time.Now()
	org, err := s.orgRepo.LockByID(ctx, tx, orgID)
	s.lockMetrics.ObserveLockWait("organization", time.Since(start))
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, billingerror.NotFound(domain.ErrOrganizationMissing.Error())
	}
	return org, nil
}

func (s *service) integrityViolation(orgID snowflake.ID, err *billingerror.Error) error {
	err.With("org_id", orgID.String())
	s.log.Error("credit ledger invariant violated",
		zap.String("org_id", orgID.String()),
		zap.String("invariant", err.Code),
		zap.Error(err),
	)
	return err
}

func inScope(scope domain.ExpireScope, batch domain.CreditBatch, now time.Time) bool {
	switch scope {
	case domain.ExpireAll:
		return true
	case domain.ExpirePlanInclusion:
		return batch.Source == domain.SourcePlanInclusion
	case domain.ExpireLapsedOnly:
		return batch.ExpiresAt != nil && !batch.ExpiresAt.After(now)
	}
	return false
}

func validateGrant(req domain.GrantRequest, now time.Time) error {
	if req.OrgID == 0 {
		return billingerror.Validation(domain.ErrInvalidOrganization)
	}
	if req.Quantity <= 0 {
		return billingerror.Validation(domain.ErrInvalidQuantity)
	}
	if !req.Source.IsGrantSource() {
		return billingerror.Validation(domain.ErrInvalidSource)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return billingerror.Validation(domain.ErrInvalidExpiry)
	}
	if req.UnitCost != nil && *req.UnitCost < 0 {
		return billingerror.Validation(domain.ErrInvalidQuantity)
	}
	if !domain.MetadataMatchesSource(req.Source, req.Metadata) {
		return billingerror.Validation(domain.ErrInvalidMetadata)
	}
	return nil
}

func validateConsume(req domain.ConsumeRequest) error {
	if req.OrgID == 0 {
		return billingerror.Validation(domain.ErrInvalidOrganization)
	}
	if req.Quantity <= 0 {
		return billingerror.Validation(domain.ErrInvalidQuantity)
	}
	if strings.TrimSpace(req.EntityType) == "" || strings.TrimSpace(req.EntityID) == "" {
		return billingerror.Validation(domain.ErrInvalidEntity)
	}
	return nil
}
