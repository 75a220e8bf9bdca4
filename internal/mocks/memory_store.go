package mocks

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory CRM database for testing.
// Its views (Rules, Contacts, ...) implement the engine and service store interfaces.
type MemoryStore struct {
	mu sync.Mutex

	rules      map[int64]*models.Rule
	nextRuleID int64

	contacts      map[uuid.UUID]*models.Contact
	opportunities map[uuid.UUID]*models.Opportunity
	emails        map[uuid.UUID]*models.Email
	claims        map[uuid.UUID]time.Time
	activities    []*models.Activity
	followups     []*models.Followup
	snapshots     map[uuid.UUID]*models.CommissionSnapshot // by opportunity id
	audit         []*models.AuditTrailEntry
	mappings      map[string]*models.CategoryMapping
	actionLog     []*models.ActionRecord

	failures map[string]error
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:         make(map[int64]*models.Rule),
		contacts:      make(map[uuid.UUID]*models.Contact),
		opportunities: make(map[uuid.UUID]*models.Opportunity),
		emails:        make(map[uuid.UUID]*models.Email),
		claims:        make(map[uuid.UUID]time.Time),
		snapshots:     make(map[uuid.UUID]*models.CommissionSnapshot),
		mappings:      make(map[string]*models.CategoryMapping),
		failures:      make(map[string]error),
		now:           time.Now,
	}
}

// FailOn makes every call of the named method return err until cleared with a nil err
func (s *MemoryStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// fail must be called with mu held
func (s *MemoryStore) fail(method string) error {
	return s.failures[method]
}

// Views

func (s *MemoryStore) Rules() *MemoryRules                   { return &MemoryRules{s} }
func (s *MemoryStore) Contacts() *MemoryContacts             { return &MemoryContacts{s} }
func (s *MemoryStore) Opportunities() *MemoryOpportunities   { return &MemoryOpportunities{s} }
func (s *MemoryStore) Activities() *MemoryActivities         { return &MemoryActivities{s} }
func (s *MemoryStore) Communications() *MemoryCommunications { return &MemoryCommunications{s} }
func (s *MemoryStore) Categories() *MemoryCategories         { return &MemoryCategories{s} }

// Inspection helpers for assertions

// AllContacts returns copies of every contact
func (s *MemoryStore) AllContacts() []*models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// AllOpportunities returns copies of every opportunity, oldest first
func (s *MemoryStore) AllOpportunities() []*models.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Opportunity, 0, len(s.opportunities))
	for _, o := range s.opportunities {
		cp := *o
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AllActivities returns copies of every activity in insertion order
func (s *MemoryStore) AllActivities() []*models.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// AllFollowups returns copies of every followup in insertion order
func (s *MemoryStore) AllFollowups() []*models.Followup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Followup, 0, len(s.followups))
	for _, f := range s.followups {
		cp := *f
		out = append(out, &cp)
	}
	return out
}

// AllSnapshots returns copies of every commission snapshot
func (s *MemoryStore) AllSnapshots() []*models.CommissionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CommissionSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		cp := *snap
		out = append(out, &cp)
	}
	return out
}

// AuditTrail returns copies of every audit entry in insertion order
func (s *MemoryStore) AuditTrail() []*models.AuditTrailEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AuditTrailEntry, 0, len(s.audit))
	for _, e := range s.audit {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// ActionLog returns copies of every recorded action outcome
func (s *MemoryStore) ActionLog() []*models.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ActionRecord, 0, len(s.actionLog))
	for _, r := range s.actionLog {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// MemoryRules is the rule view of a MemoryStore
type MemoryRules struct{ s *MemoryStore }

// Create stores a rule and assigns it the next id
func (r *MemoryRules) Create(ctx context.Context, rule *models.Rule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("CreateRule"); err != nil {
		return err
	}
	r.s.nextRuleID++
	now := r.s.now()
	rule.ID = r.s.nextRuleID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	cp := *rule
	r.s.rules[rule.ID] = &cp
	return nil
}

// GetByID retrieves a rule by id
func (r *MemoryRules) GetByID(ctx context.Context, id int64) (*models.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[id]
	if !ok {
		return nil, models.NotFoundf("get_rule", "rule %d not found", id)
	}
	cp := *rule
	return &cp, nil
}

// List returns every rule in evaluation order
func (r *MemoryRules) List(ctx context.Context) ([]*models.Rule, error) {
	return r.list(false)
}

// LoadEnabledRules returns enabled rules in evaluation order
func (r *MemoryRules) LoadEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	r.s.mu.Lock()
	err := r.s.fail("LoadEnabledRules")
	r.s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.list(true)
}

func (r *MemoryRules) list(enabledOnly bool) ([]*models.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.Rule, 0, len(r.s.rules))
	for _, rule := range r.s.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update replaces a stored rule
func (r *MemoryRules) Update(ctx context.Context, rule *models.Rule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.rules[rule.ID]
	if !ok {
		return models.NotFoundf("update_rule", "rule %d not found", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = r.s.now()
	cp := *rule
	r.s.rules[rule.ID] = &cp
	return nil
}

// SetEnabled enables or disables a rule
func (r *MemoryRules) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[id]
	if !ok {
		return models.NotFoundf("set_rule_enabled", "rule %d not found", id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = r.s.now()
	return nil
}

// Delete removes a rule
func (r *MemoryRules) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rules[id]; !ok {
		return models.NotFoundf("delete_rule", "rule %d not found", id)
	}
	delete(r.s.rules, id)
	return nil
}

// MemoryContacts is the contact view of a MemoryStore
type MemoryContacts struct{ s *MemoryStore }

// FindByEmail finds a contact by normalized email
func (c *MemoryContacts) FindByEmail(ctx context.Context, normalizedEmail string) (*models.Contact, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("FindByEmail"); err != nil {
		return nil, err
	}
	for _, contact := range c.s.contacts {
		if contact.Email == normalizedEmail {
			cp := *contact
			return &cp, nil
		}
	}
	return nil, models.NotFoundf("find_contact", "no contact with email %s", normalizedEmail)
}

// GetByID retrieves a contact by id
func (c *MemoryContacts) GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	contact, ok := c.s.contacts[id]
	if !ok {
		return nil, models.NotFoundf("get_contact", "contact %s not found", id)
	}
	cp := *contact
	return &cp, nil
}

// Create stores a contact, rejecting duplicate emails
func (c *MemoryContacts) Create(ctx context.Context, contact *models.Contact) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("CreateContact"); err != nil {
		return err
	}
	contact.Email = models.NormalizeEmail(contact.Email)
	for _, existing := range c.s.contacts {
		if existing.Email == contact.Email {
			return models.Conflictf("create_contact", "contact with email %s already exists", contact.Email)
		}
	}
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	cp := *contact
	c.s.contacts[contact.ID] = &cp
	return nil
}

// Update applies a non-destructive update
func (c *MemoryContacts) Update(ctx context.Context, id uuid.UUID, update *models.ContactUpdate) (*models.Contact, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	contact, ok := c.s.contacts[id]
	if !ok {
		return nil, models.NotFoundf("update_contact", "contact %s not found", id)
	}
	update.Apply(contact)
	contact.UpdatedAt = c.s.now()
	cp := *contact
	return &cp, nil
}

// MemoryOpportunities is the opportunity view of a MemoryStore
type MemoryOpportunities struct{ s *MemoryStore }

// Create stores an opportunity
func (o *MemoryOpportunities) Create(ctx context.Context, opp *models.Opportunity) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if err := o.s.fail("CreateOpportunity"); err != nil {
		return err
	}
	if _, ok := o.s.contacts[opp.ContactID]; !ok {
		return models.NotFoundf("create_opportunity", "contact %s not found", opp.ContactID)
	}
	if opp.ID == uuid.Nil {
		opp.ID = uuid.New()
	}
	if opp.Status == "" {
		opp.Status = models.OpportunityStatusOpen
	}
	cp := *opp
	o.s.opportunities[opp.ID] = &cp
	return nil
}

// GetByID retrieves an opportunity by id
func (o *MemoryOpportunities) GetByID(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if err := o.s.fail("GetOpportunity"); err != nil {
		return nil, err
	}
	opp, ok := o.s.opportunities[id]
	if !ok {
		return nil, models.NotFoundf("get_opportunity", "opportunity %s not found", id)
	}
	cp := *opp
	return &cp, nil
}

// FindOpenByContact returns the newest open opportunity of a contact
func (o *MemoryOpportunities) FindOpenByContact(ctx context.Context, contactID uuid.UUID) (*models.Opportunity, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	var newest *models.Opportunity
	for _, opp := range o.s.opportunities {
		if opp.ContactID != contactID || opp.Status != models.OpportunityStatusOpen {
			continue
		}
		if newest == nil || opp.CreatedAt.After(newest.CreatedAt) {
			newest = opp
		}
	}
	if newest == nil {
		return nil, models.NotFoundf("find_open_opportunity", "no open opportunity for contact %s", contactID)
	}
	cp := *newest
	return &cp, nil
}

// UpdateStage sets the stage and records the change
func (o *MemoryOpportunities) UpdateStage(ctx context.Context, id uuid.UUID, stage, changedBy string) (*models.Opportunity, error) {
	return o.SetField(ctx, id, models.FieldTypeStage, stage, changedBy)
}

// SetField sets a category-mappable field and records the change
func (o *MemoryOpportunities) SetField(ctx context.Context, id uuid.UUID, field models.FieldType, value, changedBy string) (*models.Opportunity, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if err := o.s.fail("SetField"); err != nil {
		return nil, err
	}
	opp, ok := o.s.opportunities[id]
	if !ok {
		return nil, models.NotFoundf("set_opportunity_field", "opportunity %s not found", id)
	}
	now := o.s.now()
	old := opp.FieldValue(field)
	opp.SetFieldValue(field, value)
	opp.UpdatedAt = now
	o.s.audit = append(o.s.audit, models.NewAuditTrailEntry(id, string(field), old, value, changedBy, now))
	cp := *opp
	return &cp, nil
}

// MarkWon moves an open opportunity to won and snapshots it under one lock
func (o *MemoryOpportunities) MarkWon(ctx context.Context, id uuid.UUID, req models.WinRequest) (*models.CommissionSnapshot, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if err := o.s.fail("MarkWon"); err != nil {
		return nil, err
	}
	opp, ok := o.s.opportunities[id]
	if !ok {
		return nil, models.NotFoundf("mark_opportunity_won", "opportunity %s not found", id)
	}
	if !models.CanTransition(opp.Status, models.OpportunityStatusWon) {
		return nil, models.Conflictf("mark_opportunity_won", "cannot transition opportunity from %s to won", opp.Status)
	}
	if _, exists := o.s.snapshots[id]; exists {
		return nil, models.Conflictf("mark_opportunity_won", "opportunity %s already has a commission snapshot", id)
	}

	now := o.s.now()
	won := *opp
	if req.FinalValue != nil && *req.FinalValue != won.Value {
		o.s.audit = append(o.s.audit, models.NewAuditTrailEntry(id, "value", strconv.FormatInt(won.Value, 10), strconv.FormatInt(*req.FinalValue, 10), req.ChangedBy, now))
		won.Value = *req.FinalValue
	}
	if req.Owner != "" && req.Owner != won.Owner {
		o.s.audit = append(o.s.audit, models.NewAuditTrailEntry(id, "owner", won.Owner, req.Owner, req.ChangedBy, now))
		won.Owner = req.Owner
	}
	o.s.audit = append(o.s.audit, models.NewAuditTrailEntry(id, "status", string(won.Status), string(models.OpportunityStatusWon), req.ChangedBy, now))
	won.Status = models.OpportunityStatusWon
	won.WonAt = &now
	won.UpdatedAt = now
	*opp = won

	snapshot := models.NewCommissionSnapshot(opp, req.FirstTouch, req.LockOwner, now)
	o.s.snapshots[id] = snapshot
	cp := *snapshot
	return &cp, nil
}

// CreateCommissionSnapshot snapshots a won opportunity once
func (o *MemoryOpportunities) CreateCommissionSnapshot(ctx context.Context, id uuid.UUID, req models.SnapshotRequest) (*models.CommissionSnapshot, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if err := o.s.fail("CreateCommissionSnapshot"); err != nil {
		return nil, err
	}
	opp, ok := o.s.opportunities[id]
	if !ok {
		return nil, models.NotFoundf("create_commission_snapshot", "opportunity %s not found", id)
	}
	if opp.Status != models.OpportunityStatusWon {
		return nil, models.Conflictf("create_commission_snapshot", "opportunity %s is %s, not won", id, opp.Status)
	}
	if _, exists := o.s.snapshots[id]; exists {
		return nil, models.Conflictf("create_commission_snapshot", "opportunity %s already has a commission snapshot", id)
	}
	snapshot := models.NewCommissionSnapshot(opp, req.FirstTouch, req.LockOwner, o.s.now())
	o.s.snapshots[id] = snapshot
	cp := *snapshot
	return &cp, nil
}

// Transition applies a legal status change other than won
func (o *MemoryOpportunities) Transition(ctx context.Context, id uuid.UUID, status models.OpportunityStatus, changedBy string) (*models.Opportunity, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if status == models.OpportunityStatusWon {
		return nil, models.ConfigErrorf("transition_opportunity", "won transitions must go through MarkWon")
	}
	opp, ok := o.s.opportunities[id]
	if !ok {
		return nil, models.NotFoundf("transition_opportunity", "opportunity %s not found", id)
	}
	if !models.CanTransition(opp.Status, status) {
		return nil, models.Conflictf("transition_opportunity", "cannot transition opportunity from %s to %s", opp.Status, status)
	}
	now := o.s.now()
	o.s.audit = append(o.s.audit, models.NewAuditTrailEntry(id, "status", string(opp.Status), string(status), changedBy, now))
	opp.Status = status
	opp.UpdatedAt = now
	cp := *opp
	return &cp, nil
}

// GetSnapshot returns the commission snapshot of an opportunity
func (o *MemoryOpportunities) GetSnapshot(ctx context.Context, id uuid.UUID) (*models.CommissionSnapshot, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	snapshot, ok := o.s.snapshots[id]
	if !ok {
		return nil, models.NotFoundf("get_commission_snapshot", "no snapshot for opportunity %s", id)
	}
	cp := *snapshot
	return &cp, nil
}

// ListAuditTrail returns an opportunity's audit entries, oldest first
func (o *MemoryOpportunities) ListAuditTrail(ctx context.Context, id uuid.UUID) ([]*models.AuditTrailEntry, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	out := []*models.AuditTrailEntry{}
	for _, e := range o.s.audit {
		if e.OpportunityID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryActivities is the activity view of a MemoryStore
type MemoryActivities struct{ s *MemoryStore }

// CreateActivity stores an activity
func (a *MemoryActivities) CreateActivity(ctx context.Context, activity *models.Activity) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.fail("CreateActivity"); err != nil {
		return err
	}
	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	cp := *activity
	a.s.activities = append(a.s.activities, &cp)
	return nil
}

// FindActivityByCommunication finds the activity recorded for an email
func (a *MemoryActivities) FindActivityByCommunication(ctx context.Context, communicationID uuid.UUID, activityType string) (*models.Activity, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, activity := range a.s.activities {
		if activity.CommunicationID != nil && *activity.CommunicationID == communicationID && activity.ActivityType == activityType {
			cp := *activity
			return &cp, nil
		}
	}
	return nil, models.NotFoundf("find_activity", "no %s activity for communication %s", activityType, communicationID)
}

// EarliestForContact returns the contact's earliest activity
func (a *MemoryActivities) EarliestForContact(ctx context.Context, contactID uuid.UUID) (*models.Activity, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var earliest *models.Activity
	for _, activity := range a.s.activities {
		if activity.ContactID != contactID {
			continue
		}
		if earliest == nil || activity.OccurredAt.Before(earliest.OccurredAt) {
			earliest = activity
		}
	}
	if earliest == nil {
		return nil, models.NotFoundf("earliest_activity", "no activity for contact %s", contactID)
	}
	cp := *earliest
	return &cp, nil
}

// CreateFollowup stores a followup
func (a *MemoryActivities) CreateFollowup(ctx context.Context, followup *models.Followup) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.fail("CreateFollowup"); err != nil {
		return err
	}
	if followup.ID == uuid.Nil {
		followup.ID = uuid.New()
	}
	cp := *followup
	a.s.followups = append(a.s.followups, &cp)
	return nil
}

// MemoryCommunications is the communication view of a MemoryStore
type MemoryCommunications struct{ s *MemoryStore }

// GetByID retrieves an email by id
func (c *MemoryCommunications) GetByID(ctx context.Context, id uuid.UUID) (*models.Email, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	email, ok := c.s.emails[id]
	if !ok {
		return nil, models.NotFoundf("get_communication", "communication %s not found", id)
	}
	return copyEmail(email), nil
}

// GetByExternalID retrieves an email by provider id
func (c *MemoryCommunications) GetByExternalID(ctx context.Context, externalID string) (*models.Email, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("GetByExternalID"); err != nil {
		return nil, err
	}
	for _, email := range c.s.emails {
		if email.ExternalID == externalID {
			return copyEmail(email), nil
		}
	}
	return nil, models.NotFoundf("get_communication", "communication %s not found", externalID)
}

// Upsert inserts an email or refreshes the provider fields of an existing one.
// The processed flag and links are kept on update; categories are only added.
func (c *MemoryCommunications) Upsert(ctx context.Context, email *models.Email) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("Upsert"); err != nil {
		return err
	}
	now := c.s.now()
	for _, existing := range c.s.emails {
		if existing.ExternalID != email.ExternalID {
			continue
		}
		existing.Subject = email.Subject
		existing.Body = email.Body
		existing.FromAddress = email.FromAddress
		existing.ToAddress = email.ToAddress
		existing.Direction = email.Direction
		existing.OccurredAt = email.OccurredAt
		existing.ConversationID = email.ConversationID
		for _, category := range email.Categories {
			if !existing.HasCategory(category) {
				existing.Categories = append(existing.Categories, category)
			}
		}
		existing.IsFlagged = email.IsFlagged
		existing.FolderID = email.FolderID
		if existing.ContactID == nil {
			existing.ContactID = email.ContactID
		}
		existing.UpdatedAt = now
		*email = *copyEmail(existing)
		return nil
	}
	if email.ID == uuid.Nil {
		email.ID = uuid.New()
	}
	email.CreatedAt = now
	email.UpdatedAt = now
	c.s.emails[email.ID] = copyEmail(email)
	return nil
}

// LinkContact sets the email's contact
func (c *MemoryCommunications) LinkContact(ctx context.Context, id, contactID uuid.UUID) error {
	return c.update("link_contact", id, func(e *models.Email) { e.ContactID = &contactID })
}

// LinkOpportunity sets the email's opportunity
func (c *MemoryCommunications) LinkOpportunity(ctx context.Context, id, opportunityID uuid.UUID) error {
	return c.update("link_opportunity", id, func(e *models.Email) { e.OpportunityID = &opportunityID })
}

// AddCategories appends categories the email does not carry yet
func (c *MemoryCommunications) AddCategories(ctx context.Context, id uuid.UUID, categories []string) error {
	return c.update("add_categories", id, func(e *models.Email) {
		for _, category := range categories {
			if !e.HasCategory(category) {
				e.Categories = append(e.Categories, category)
			}
		}
	})
}

// MarkProcessed sets processed_by_rules
func (c *MemoryCommunications) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	c.s.mu.Lock()
	err := c.s.fail("MarkProcessed")
	c.s.mu.Unlock()
	if err != nil {
		return err
	}
	return c.update("mark_processed", id, func(e *models.Email) {
		e.ProcessedByRules = true
		delete(c.s.claims, id)
	})
}

// Claim takes the processing claim on an email
func (c *MemoryCommunications) Claim(ctx context.Context, id uuid.UUID, lease time.Duration, unprocessedOnly bool) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("Claim"); err != nil {
		return false, err
	}
	email, ok := c.s.emails[id]
	if !ok || (unprocessedOnly && email.ProcessedByRules) {
		return false, nil
	}
	now := c.s.now()
	if started, held := c.s.claims[id]; held && now.Sub(started) < lease {
		return false, nil
	}
	c.s.claims[id] = now
	return true, nil
}

// ReleaseClaim drops the processing claim
func (c *MemoryCommunications) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.claims, id)
	return nil
}

func (c *MemoryCommunications) update(op string, id uuid.UUID, fn func(*models.Email)) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	email, ok := c.s.emails[id]
	if !ok {
		return models.NotFoundf(op, "communication %s not found", id)
	}
	fn(email)
	email.UpdatedAt = c.s.now()
	return nil
}

// RecordActions appends action outcomes
func (c *MemoryCommunications) RecordActions(ctx context.Context, records []*models.ActionRecord) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("RecordActions"); err != nil {
		return err
	}
	for _, r := range records {
		cp := *r
		cp.ID = int64(len(c.s.actionLog) + 1)
		c.s.actionLog = append(c.s.actionLog, &cp)
	}
	return nil
}

// ListUnprocessed returns unprocessed emails, oldest first
func (c *MemoryCommunications) ListUnprocessed(ctx context.Context, limit int) ([]*models.Email, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail("ListUnprocessed"); err != nil {
		return nil, err
	}
	out := []*models.Email{}
	for _, email := range c.s.emails {
		if !email.ProcessedByRules {
			out = append(out, copyEmail(email))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryCategories is the category mapping view of a MemoryStore
type MemoryCategories struct{ s *MemoryStore }

// GetByName retrieves a mapping by category name
func (m *MemoryCategories) GetByName(ctx context.Context, name string) (*models.CategoryMapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.fail("GetCategoryMapping"); err != nil {
		return nil, err
	}
	mapping, ok := m.s.mappings[name]
	if !ok {
		return nil, models.NotFoundf("get_category_mapping", "no mapping for category %q", name)
	}
	cp := *mapping
	return &cp, nil
}

// List returns every mapping ordered by name
func (m *MemoryCategories) List(ctx context.Context) ([]*models.CategoryMapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*models.CategoryMapping, 0, len(m.s.mappings))
	for _, mapping := range m.s.mappings {
		cp := *mapping
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].CategoryName, out[j].CategoryName) < 0 })
	return out, nil
}

// Upsert stores a mapping
func (m *MemoryCategories) Upsert(ctx context.Context, mapping *models.CategoryMapping) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := m.s.now()
	if existing, ok := m.s.mappings[mapping.CategoryName]; ok {
		mapping.CreatedAt = existing.CreatedAt
	} else {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now
	cp := *mapping
	m.s.mappings[mapping.CategoryName] = &cp
	return nil
}

// Delete removes a mapping
func (m *MemoryCategories) Delete(ctx context.Context, name string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.mappings[name]; !ok {
		return models.NotFoundf("delete_category_mapping", "no mapping for category %q", name)
	}
	delete(m.s.mappings, name)
	return nil
}

// MapCategoryToField maps a category without any cache
func (m *MemoryCategories) MapCategoryToField(ctx context.Context, name string) (*models.FieldMapping, error) {
	mapping, err := m.GetByName(ctx, name)
	if err != nil {
		if models.KindOf(err) == models.ErrorKindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return mapping.Mapping(), nil
}

func copyEmail(e *models.Email) *models.Email {
	cp := *e
	cp.Categories = append([]string(nil), e.Categories...)
	return &cp
}
