package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/google/uuid"
)

const (
	// DefaultFollowupDays is the followup offset used when neither the action nor the config sets one
	DefaultFollowupDays = 3

	// DefaultFollowupType is used when a create_followup action names no type
	DefaultFollowupType = "email"

	// FirstTouchTypeOpportunity is the first-touch type used when a contact has no activity
	FirstTouchTypeOpportunity = "opportunity"
)

// ActionResult represents the result of an action execution
type ActionResult struct {
	RuleID          int64             `json:"rule_id"`
	ActionType      models.ActionType `json:"action_type"`
	Success         bool              `json:"success"`
	CreatedEntityID *uuid.UUID        `json:"created_entity_id,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       models.ErrorKind  `json:"error_kind,omitempty"`

	// Err is the underlying error, kept for classification by the caller
	Err error `json:"-"`
}

// Record converts the result into its persisted form
func (r ActionResult) Record(communicationID uuid.UUID, now time.Time) *models.ActionRecord {
	return &models.ActionRecord{
		CommunicationID: communicationID,
		RuleID:          r.RuleID,
		ActionType:      r.ActionType,
		Success:         r.Success,
		CreatedEntityID: r.CreatedEntityID,
		Error:           r.Error,
		ErrorKind:       r.ErrorKind,
		CreatedAt:       now,
	}
}

// ExecutionState is what the actions of one matched rule share.
// Contact carries over between rules; Opportunity and Tags are reset for every rule.
type ExecutionState struct {
	RuleID      int64
	Email       *models.Email
	Contact     *models.Contact
	Opportunity *models.Opportunity
	Tags        map[models.FieldType]string

	pass *pass
}

// pass tracks the opportunities created while one email runs through the rules.
// A rule only sees opportunities that existed before the pass or that it created itself.
type pass struct {
	linked  *uuid.UUID
	created map[uuid.UUID]int64
}

func newPass(email *models.Email) *pass {
	p := &pass{created: make(map[uuid.UUID]int64)}
	if email.OpportunityID != nil {
		id := *email.OpportunityID
		p.linked = &id
	}
	return p
}

// hidden reports whether id was created in this pass by a rule other than ruleID
func (p *pass) hidden(id uuid.UUID, ruleID int64) bool {
	if p == nil {
		return false
	}
	creator, ok := p.created[id]
	return ok && creator != ruleID
}

func (p *pass) recordCreated(id uuid.UUID, ruleID int64) {
	if p != nil {
		p.created[id] = ruleID
	}
}

// linkedOpportunity is the email's opportunity link as this rule may see it: a link to an
// opportunity another rule created in this pass falls back to the link the email had before.
func (s *ExecutionState) linkedOpportunity() *uuid.UUID {
	id := s.Email.OpportunityID
	if id != nil && s.pass.hidden(*id, s.RuleID) {
		return s.pass.linked
	}
	return id
}

// NewExecutionState creates the state for one matched rule
func NewExecutionState(ruleID int64, email *models.Email, contact *models.Contact) *ExecutionState {
	return &ExecutionState{
		RuleID:  ruleID,
		Email:   email,
		Contact: contact,
		Tags:    make(map[models.FieldType]string),
	}
}

func (s *ExecutionState) changedBy(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return fmt.Sprintf("rule:%d", s.RuleID)
}

// Stores groups the repositories the action executor writes to
type Stores struct {
	Contacts       ContactStore
	Opportunities  OpportunityStore
	Activities     ActivityStore
	Communications CommunicationStore
}

// ActionExecutorConfig holds action defaults
type ActionExecutorConfig struct {
	DefaultFollowupDays int
	DefaultFollowupType string
	Now                 Clock
}

// ActionExecutor handles executing rule actions
type ActionExecutor struct {
	stores  Stores
	mapper  CategoryMapper
	config  ActionExecutorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewActionExecutor creates a new action executor
func NewActionExecutor(
	stores Stores,
	mapper CategoryMapper,
	cfg ActionExecutorConfig,
	m *metrics.Metrics,
	log *logger.Logger,
) *ActionExecutor {
	if cfg.DefaultFollowupDays <= 0 {
		cfg.DefaultFollowupDays = DefaultFollowupDays
	}
	if cfg.DefaultFollowupType == "" {
		cfg.DefaultFollowupType = DefaultFollowupType
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.Default()
	}
	return &ActionExecutor{
		stores:  stores,
		mapper:  mapper,
		config:  cfg,
		logger:  log,
		metrics: m,
	}
}

// Execute runs one action. Failures are reported in the result, never panicked or returned.
func (ae *ActionExecutor) Execute(ctx context.Context, action models.Action, state *ExecutionState) ActionResult {
	result := ActionResult{RuleID: state.RuleID}
	if action == nil {
		result.Err = models.ConfigErrorf("execute_action", "nil action")
		return ae.finish(result)
	}
	result.ActionType = action.ActionType()

	var (
		created *uuid.UUID
		err     error
	)
	switch a := action.(type) {
	case models.AssignCategory:
		err = ae.assignCategory(ctx, a, state)
	case models.CreateContact:
		created, err = ae.createContact(ctx, a, state)
	case models.CreateOpportunity:
		created, err = ae.createOpportunity(ctx, a, state)
	case models.CreateActivity:
		created, err = ae.createActivity(ctx, a, state)
	case models.CreateFollowup:
		created, err = ae.createFollowup(ctx, a, state)
	case models.UpdateOpportunityStage:
		err = ae.updateOpportunityStage(ctx, a, state)
	case models.LinkToOpportunity:
		err = ae.linkToOpportunity(ctx, a, state)
	case models.MarkOpportunityWon:
		created, err = ae.markOpportunityWon(ctx, a, state)
	case models.CreateCommissionSnapshot:
		created, err = ae.createCommissionSnapshot(ctx, a, state)
	default:
		err = models.ConfigErrorf("execute_action", "unsupported action type %q", action.ActionType())
	}

	result.CreatedEntityID = created
	result.Err = err
	return ae.finish(result)
}

func (ae *ActionExecutor) finish(result ActionResult) ActionResult {
	result.Success = result.Err == nil
	if result.Err != nil {
		result.Error = result.Err.Error()
		result.ErrorKind = models.KindOf(result.Err)
		ae.logger.Warn("Rule action failed",
			logger.RuleID(result.RuleID),
			logger.String("action_type", string(result.ActionType)),
			logger.String("error_kind", string(result.ErrorKind)),
			logger.Err(result.Err),
		)
	}
	ae.metrics.RecordAction(string(result.ActionType), result.Success)
	return result
}

// assignCategory derives field values from mapped categories and applies them to the
// pending opportunity. The email's own categories are only ever appended to.
func (ae *ActionExecutor) assignCategory(ctx context.Context, a models.AssignCategory, state *ExecutionState) error {
	email := state.Email
	categories := email.Categories
	if a.Category != "" {
		categories = []string{a.Category}
		if !email.HasCategory(a.Category) {
			if email.ID != uuid.Nil {
				if err := ae.stores.Communications.AddCategories(ctx, email.ID, categories); err != nil {
					return fmt.Errorf("failed to tag email: %w", err)
				}
			}
			email.Categories = append(email.Categories, a.Category)
		}
	}

	mapped := 0
	for _, category := range categories {
		mapping, err := ae.mapper.MapCategoryToField(ctx, category)
		if err != nil {
			return fmt.Errorf("failed to map category %q: %w", category, err)
		}
		if mapping == nil {
			continue
		}
		state.Tags[mapping.FieldType] = mapping.FieldValue
		mapped++
	}
	if mapped == 0 {
		ae.logger.Debugf("No field mapping for categories %v", categories)
		return nil
	}

	opp, err := ae.resolveOpportunity(ctx, state)
	if errors.Is(err, models.ErrNotFound) {
		// no pending opportunity: tags stay on the state for later actions of this rule
		return nil
	}
	if err != nil {
		return err
	}

	for _, ft := range []models.FieldType{models.FieldTypeSource, models.FieldTypeSubSource, models.FieldTypeStage} {
		value, ok := state.Tags[ft]
		if !ok || opp.FieldValue(ft) == value {
			continue
		}
		opp, err = ae.stores.Opportunities.SetField(ctx, opp.ID, ft, value, state.changedBy(""))
		if err != nil {
			return fmt.Errorf("failed to set opportunity %s: %w", ft, err)
		}
	}
	state.Opportunity = opp
	return nil
}

// createContact resolves the counterparty by normalized email, creating it when missing.
// An existing contact is never overwritten; only its blank fields are filled.
func (ae *ActionExecutor) createContact(ctx context.Context, a models.CreateContact, state *ExecutionState) (*uuid.UUID, error) {
	address, displayName, err := models.ParseAddress(state.Email.CounterpartyAddress())
	if err != nil {
		return nil, err
	}

	name := a.Name
	if name == "" {
		name = displayName
	}

	contact, err := ae.stores.Contacts.FindByEmail(ctx, address)
	switch {
	case err == nil:
		update := &models.ContactUpdate{}
		if contact.Name == "" && name != "" {
			update.Name = name
		}
		if contact.ContactType == "" {
			update.ContactType = contactTypeOrDefault(a.ContactType)
		}
		if *update != (models.ContactUpdate{}) {
			if contact, err = ae.stores.Contacts.Update(ctx, contact.ID, update); err != nil {
				return nil, fmt.Errorf("failed to update contact: %w", err)
			}
		}

	case errors.Is(err, models.ErrNotFound):
		if name == "" {
			name = localPart(address)
		}
		now := ae.config.Now()
		contact = &models.Contact{
			ID:          uuid.New(),
			Name:        name,
			Email:       address,
			ContactType: contactTypeOrDefault(a.ContactType),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := ae.stores.Contacts.Create(ctx, contact); err != nil {
			return nil, fmt.Errorf("failed to create contact: %w", err)
		}
		ae.logger.Info("Contact created by rule",
			logger.RuleID(state.RuleID),
			logger.ContactID(contact.ID),
		)

	default:
		return nil, fmt.Errorf("failed to find contact: %w", err)
	}

	state.Contact = contact
	if err := ae.linkContact(ctx, state.Email, contact.ID); err != nil {
		return nil, err
	}

	id := contact.ID
	return &id, nil
}

func (ae *ActionExecutor) linkContact(ctx context.Context, email *models.Email, contactID uuid.UUID) error {
	if email.ID == uuid.Nil || (email.ContactID != nil && *email.ContactID == contactID) {
		return nil
	}
	if err := ae.stores.Communications.LinkContact(ctx, email.ID, contactID); err != nil {
		return fmt.Errorf("failed to link contact: %w", err)
	}
	email.ContactID = &contactID
	return nil
}

// createOpportunity opens an opportunity for the resolved contact. Fields not given
// literally come from this rule's assigned categories, then from the email's categories.
func (ae *ActionExecutor) createOpportunity(ctx context.Context, a models.CreateOpportunity, state *ExecutionState) (*uuid.UUID, error) {
	if state.Contact == nil {
		return nil, models.NotFoundf("create_opportunity", "no contact resolved for email")
	}

	fields := map[models.FieldType]string{
		models.FieldTypeSource:    a.Source,
		models.FieldTypeSubSource: a.SubSource,
		models.FieldTypeStage:     a.Stage,
	}
	var derived map[models.FieldType]string
	for ft, value := range fields {
		if value != "" {
			continue
		}
		if tag, ok := state.Tags[ft]; ok {
			fields[ft] = tag
			continue
		}
		if derived == nil {
			var err error
			if derived, err = ae.deriveFields(ctx, state.Email); err != nil {
				return nil, err
			}
		}
		fields[ft] = derived[ft]
	}
	if fields[models.FieldTypeStage] == "" {
		fields[models.FieldTypeStage] = models.DefaultOpportunityStage
	}

	title := a.Title
	if title == "" {
		title = state.Email.Subject
	}
	if title == "" {
		title = "Opportunity for " + state.Contact.Name
	}

	now := ae.config.Now()
	opp := &models.Opportunity{
		ID:        uuid.New(),
		ContactID: state.Contact.ID,
		Title:     title,
		Source:    fields[models.FieldTypeSource],
		SubSource: fields[models.FieldTypeSubSource],
		Stage:     fields[models.FieldTypeStage],
		Status:    models.OpportunityStatusOpen,
		Value:     a.Value,
		Owner:     a.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ae.stores.Opportunities.Create(ctx, opp); err != nil {
		return nil, fmt.Errorf("failed to create opportunity: %w", err)
	}
	state.Opportunity = opp
	state.pass.recordCreated(opp.ID, state.RuleID)

	if state.Email.ID != uuid.Nil {
		if err := ae.stores.Communications.LinkOpportunity(ctx, state.Email.ID, opp.ID); err != nil {
			return nil, fmt.Errorf("failed to link opportunity: %w", err)
		}
		state.Email.OpportunityID = &opp.ID
	}

	id := opp.ID
	return &id, nil
}

// deriveFields maps every email category; the first mapping per field wins
func (ae *ActionExecutor) deriveFields(ctx context.Context, email *models.Email) (map[models.FieldType]string, error) {
	derived := make(map[models.FieldType]string)
	for _, category := range email.Categories {
		mapping, err := ae.mapper.MapCategoryToField(ctx, category)
		if err != nil {
			return nil, fmt.Errorf("failed to map category %q: %w", category, err)
		}
		if mapping == nil {
			continue
		}
		if _, ok := derived[mapping.FieldType]; !ok {
			derived[mapping.FieldType] = mapping.FieldValue
		}
	}
	return derived, nil
}

// createActivity records the email as an activity. Running it twice for the same
// email and activity type returns the existing activity.
func (ae *ActionExecutor) createActivity(ctx context.Context, a models.CreateActivity, state *ExecutionState) (*uuid.UUID, error) {
	if state.Contact == nil {
		return nil, models.NotFoundf("create_activity", "no contact resolved for email")
	}

	email := state.Email
	activityType := a.ActivityType
	if activityType == "" {
		activityType = models.DefaultActivityType
	}

	if email.ID != uuid.Nil {
		existing, err := ae.stores.Activities.FindActivityByCommunication(ctx, email.ID, activityType)
		if err == nil {
			return &existing.ID, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up activity: %w", err)
		}
	}

	now := ae.config.Now()
	activity := &models.Activity{
		ID:           uuid.New(),
		ContactID:    state.Contact.ID,
		ActivityType: activityType,
		Direction:    email.Direction,
		Source:       state.Tags[models.FieldTypeSource],
		SubSource:    state.Tags[models.FieldTypeSubSource],
		Notes:        a.Notes,
		OccurredAt:   email.OccurredAt,
		CreatedAt:    now,
	}
	if activity.Direction == "" {
		activity.Direction = models.DirectionInbound
	}
	if activity.Notes == "" {
		activity.Notes = email.Subject
	}
	if activity.OccurredAt.IsZero() {
		activity.OccurredAt = now
	}
	if email.ID != uuid.Nil {
		activity.CommunicationID = &email.ID
	}
	if opp := state.Opportunity; opp != nil {
		activity.OpportunityID = &opp.ID
		if activity.Source == "" {
			activity.Source = opp.Source
		}
		if activity.SubSource == "" {
			activity.SubSource = opp.SubSource
		}
	}

	if err := ae.stores.Activities.CreateActivity(ctx, activity); err != nil {
		return nil, fmt.Errorf("failed to create activity: %w", err)
	}

	id := activity.ID
	return &id, nil
}

// createFollowup schedules a followup for the resolved contact
func (ae *ActionExecutor) createFollowup(ctx context.Context, a models.CreateFollowup, state *ExecutionState) (*uuid.UUID, error) {
	if state.Contact == nil {
		return nil, models.NotFoundf("create_followup", "no contact resolved for email")
	}

	now := ae.config.Now()
	scheduled := now.AddDate(0, 0, ae.config.DefaultFollowupDays)
	switch {
	case a.ScheduledDate != nil:
		scheduled = *a.ScheduledDate
	case a.DaysOffset > 0:
		scheduled = now.AddDate(0, 0, a.DaysOffset)
	}

	followup := &models.Followup{
		ID:            uuid.New(),
		ContactID:     state.Contact.ID,
		ScheduledDate: scheduled,
		FollowupType:  a.FollowupType,
		Status:        models.FollowupStatusPending,
		Notes:         a.Notes,
		CreatedAt:     now,
	}
	if followup.FollowupType == "" {
		followup.FollowupType = ae.config.DefaultFollowupType
	}
	if state.Opportunity != nil {
		followup.OpportunityID = &state.Opportunity.ID
	}

	if err := ae.stores.Activities.CreateFollowup(ctx, followup); err != nil {
		return nil, fmt.Errorf("failed to create followup: %w", err)
	}

	id := followup.ID
	return &id, nil
}

// updateOpportunityStage writes a new stage and an audit entry
func (ae *ActionExecutor) updateOpportunityStage(ctx context.Context, a models.UpdateOpportunityStage, state *ExecutionState) error {
	if a.Stage == "" {
		return models.ConfigErrorf("update_opportunity_stage", "stage is required")
	}
	opp, err := ae.resolveOpportunity(ctx, state)
	if err != nil {
		return err
	}
	if opp.Stage == a.Stage {
		state.Opportunity = opp
		return nil
	}

	updated, err := ae.stores.Opportunities.UpdateStage(ctx, opp.ID, a.Stage, state.changedBy(a.ChangedBy))
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	state.Opportunity = updated
	return nil
}

// linkToOpportunity sets the email's opportunity link
func (ae *ActionExecutor) linkToOpportunity(ctx context.Context, a models.LinkToOpportunity, state *ExecutionState) error {
	var (
		opp *models.Opportunity
		err error
	)
	if a.OpportunityID != nil {
		opp, err = ae.stores.Opportunities.GetByID(ctx, *a.OpportunityID)
	} else {
		opp, err = ae.resolveOpportunity(ctx, state)
	}
	if err != nil {
		return err
	}

	email := state.Email
	if email.ID == uuid.Nil {
		return models.NotFoundf("link_to_opportunity", "email has not been stored")
	}
	if err := ae.stores.Communications.LinkOpportunity(ctx, email.ID, opp.ID); err != nil {
		return fmt.Errorf("failed to link opportunity: %w", err)
	}
	email.OpportunityID = &opp.ID
	state.Opportunity = opp
	return nil
}

// markOpportunityWon moves the resolved opportunity from open to won and snapshots it
func (ae *ActionExecutor) markOpportunityWon(ctx context.Context, a models.MarkOpportunityWon, state *ExecutionState) (*uuid.UUID, error) {
	opp, err := ae.resolveOpportunity(ctx, state)
	if err != nil {
		return nil, err
	}
	firstTouch, err := ae.firstTouch(ctx, opp)
	if err != nil {
		return nil, err
	}

	snapshot, err := ae.stores.Opportunities.MarkWon(ctx, opp.ID, models.WinRequest{
		FinalValue: a.FinalValue,
		Owner:      a.Owner,
		LockOwner:  a.LockOwner,
		ChangedBy:  state.changedBy(a.ChangedBy),
		FirstTouch: firstTouch,
	})
	if err != nil {
		return nil, err
	}

	if won, err := ae.stores.Opportunities.GetByID(ctx, opp.ID); err == nil {
		state.Opportunity = won
	}
	return &snapshot.ID, nil
}

// createCommissionSnapshot snapshots a won opportunity that has no snapshot yet
func (ae *ActionExecutor) createCommissionSnapshot(ctx context.Context, a models.CreateCommissionSnapshot, state *ExecutionState) (*uuid.UUID, error) {
	opp, err := ae.resolveOpportunity(ctx, state)
	if err != nil {
		return nil, err
	}
	firstTouch, err := ae.firstTouch(ctx, opp)
	if err != nil {
		return nil, err
	}

	snapshot, err := ae.stores.Opportunities.CreateCommissionSnapshot(ctx, opp.ID, models.SnapshotRequest{
		LockOwner:  a.LockOwner,
		ChangedBy:  state.changedBy(a.ChangedBy),
		FirstTouch: firstTouch,
	})
	if err != nil {
		return nil, err
	}
	return &snapshot.ID, nil
}

// resolveOpportunity returns the opportunity resolved earlier in this rule, the one the
// email is linked to, or the contact's open opportunity, in that order. Opportunities
// created by earlier rules of the same pass are never resolved.
func (ae *ActionExecutor) resolveOpportunity(ctx context.Context, state *ExecutionState) (*models.Opportunity, error) {
	if state.Opportunity != nil {
		return state.Opportunity, nil
	}
	if id := state.linkedOpportunity(); id != nil {
		opp, err := ae.stores.Opportunities.GetByID(ctx, *id)
		if err != nil {
			return nil, err
		}
		state.Opportunity = opp
		return opp, nil
	}
	if state.Contact != nil {
		opp, err := ae.stores.Opportunities.FindOpenByContact(ctx, state.Contact.ID)
		if err != nil {
			return nil, err
		}
		if state.pass.hidden(opp.ID, state.RuleID) {
			return nil, models.NotFoundf("resolve_opportunity", "contact's open opportunity was created by an earlier rule")
		}
		state.Opportunity = opp
		return opp, nil
	}
	return nil, models.NotFoundf("resolve_opportunity", "no opportunity resolved for email")
}

// firstTouch is the contact's earliest activity, or the opportunity itself when there is none
func (ae *ActionExecutor) firstTouch(ctx context.Context, opp *models.Opportunity) (models.FirstTouch, error) {
	earliest, err := ae.stores.Activities.EarliestForContact(ctx, opp.ContactID)
	switch {
	case err == nil:
		return models.FirstTouch{Date: earliest.OccurredAt, Type: earliest.ActivityType}, nil
	case errors.Is(err, models.ErrNotFound):
		return models.FirstTouch{Date: opp.CreatedAt, Type: FirstTouchTypeOpportunity}, nil
	default:
		return models.FirstTouch{}, fmt.Errorf("failed to compute first touch: %w", err)
	}
}

func contactTypeOrDefault(t models.ContactType) models.ContactType {
	if t == "" {
		return models.ContactTypeOther
	}
	return t
}

func localPart(address string) string {
	if i := strings.Index(address, "@"); i > 0 {
		return address[:i]
	}
	return address
}
