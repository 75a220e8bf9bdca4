package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/engine"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/validator"
	"github.com/google/uuid"
)

// OpportunityService exposes opportunity status changes, audit trail and commission snapshots
type OpportunityService struct {
	opportunities engine.OpportunityStore
	activities    engine.ActivityStore
	validator     *validator.Validator
	logger        *logger.Logger
}

// NewOpportunityService creates a new opportunity service
func NewOpportunityService(opportunities engine.OpportunityStore, activities engine.ActivityStore, log *logger.Logger) *OpportunityService {
	if log == nil {
		log = logger.Default()
	}
	return &OpportunityService{
		opportunities: opportunities,
		activities:    activities,
		validator:     validator.New(),
		logger:        log,
	}
}

// GetByID retrieves an opportunity
func (s *OpportunityService) GetByID(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	return s.opportunities.GetByID(ctx, id)
}

// AuditTrail returns the opportunity's audit entries, oldest first
func (s *OpportunityService) AuditTrail(ctx context.Context, id uuid.UUID) ([]*models.AuditTrailEntry, error) {
	if _, err := s.opportunities.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.opportunities.ListAuditTrail(ctx, id)
}

// Snapshot returns the opportunity's commission snapshot
func (s *OpportunityService) Snapshot(ctx context.Context, id uuid.UUID) (*models.CommissionSnapshot, error) {
	return s.opportunities.GetSnapshot(ctx, id)
}

// ChangeStatus applies a manual status change. Winning also captures the commission snapshot.
func (s *OpportunityService) ChangeStatus(ctx context.Context, id uuid.UUID, req *models.StatusChangeRequest) (*models.Opportunity, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, models.WrapError(models.ErrConfiguration, "change_status", err)
	}

	if req.Status != models.OpportunityStatusWon {
		opp, err := s.opportunities.Transition(ctx, id, req.Status, req.ChangedBy)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Opportunity status changed",
			logger.OpportunityID(id),
			logger.String("status", string(req.Status)),
			logger.String("changed_by", req.ChangedBy),
		)
		return opp, nil
	}

	opp, err := s.opportunities.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ft, err := s.firstTouch(ctx, opp)
	if err != nil {
		return nil, err
	}

	if _, err := s.opportunities.MarkWon(ctx, id, models.WinRequest{
		LockOwner:  req.ChangedBy,
		ChangedBy:  req.ChangedBy,
		FirstTouch: ft,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("Opportunity won",
		logger.OpportunityID(id),
		logger.String("changed_by", req.ChangedBy),
	)

	return s.opportunities.GetByID(ctx, id)
}

// firstTouch falls back to the opportunity's creation when the contact has no activity
func (s *OpportunityService) firstTouch(ctx context.Context, opp *models.Opportunity) (models.FirstTouch, error) {
	activity, err := s.activities.EarliestForContact(ctx, opp.ContactID)
	if err == nil {
		return models.FirstTouch{Date: activity.OccurredAt, Type: activity.ActivityType}, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return models.FirstTouch{Date: opp.CreatedAt, Type: engine.FirstTouchTypeOpportunity}, nil
	}
	return models.FirstTouch{}, fmt.Errorf("failed to resolve first touch: %w", err)
}
