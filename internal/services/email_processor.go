package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidmoltin/crm-rules/internal/engine"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/davidmoltin/crm-rules/pkg/validator"
	"github.com/google/uuid"
)

// MessageFetcher loads the body of a message from the mail provider.
// The access token is handed over untouched.
type MessageFetcher interface {
	FetchBody(ctx context.Context, accessToken, externalID string) (string, error)
}

// ProcessResult is the outcome of processing one email. It is always returned, even on failure.
type ProcessResult struct {
	ExternalID  string                   `json:"external_id,omitempty"`
	EmailID     uuid.UUID                `json:"email_id,omitempty"`
	ContactID   *uuid.UUID               `json:"contact_id,omitempty"`
	Success     bool                     `json:"success"`
	Skipped     bool                     `json:"skipped,omitempty"`
	RuleResults *engine.RuleEngineResult `json:"rule_results,omitempty"`
	Error       string                   `json:"error,omitempty"`
	ErrorKind   models.ErrorKind         `json:"error_kind,omitempty"`
}

func (r *ProcessResult) skip(email *models.Email) *ProcessResult {
	r.EmailID = email.ID
	r.ContactID = email.ContactID
	r.Success = true
	r.Skipped = true
	return r
}

func (r *ProcessResult) fail(err error) *ProcessResult {
	r.Success = false
	r.Error = err.Error()
	r.ErrorKind = models.KindOf(err)
	return r
}

// EmailProcessorConfig holds email processor settings
type EmailProcessorConfig struct {
	// MailboxOwner is the address of the synced mailbox, used to infer direction
	MailboxOwner       string
	AutoCreateContacts bool
	// ProcessingLease bounds how long a crashed run keeps an email claimed
	ProcessingLease time.Duration
	Now             engine.Clock
}

// DefaultProcessingLease is used when no processing lease is configured
const DefaultProcessingLease = 10 * time.Minute

// EmailProcessor resolves contacts, stores synced emails and runs the rule engine on them
type EmailProcessor struct {
	contacts       engine.ContactStore
	communications engine.CommunicationStore
	engine         *engine.RuleEngine
	fetcher        MessageFetcher
	validator      *validator.Validator
	config         EmailProcessorConfig
	logger         *logger.Logger
	metrics        *metrics.Metrics
}

// NewEmailProcessor creates a new email processor. fetcher may be nil.
func NewEmailProcessor(
	contacts engine.ContactStore,
	communications engine.CommunicationStore,
	ruleEngine *engine.RuleEngine,
	fetcher MessageFetcher,
	cfg EmailProcessorConfig,
	m *metrics.Metrics,
	log *logger.Logger,
) *EmailProcessor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = DefaultProcessingLease
	}
	cfg.MailboxOwner = models.NormalizeEmail(cfg.MailboxOwner)
	if log == nil {
		log = logger.Default()
	}
	return &EmailProcessor{
		contacts:       contacts,
		communications: communications,
		engine:         ruleEngine,
		fetcher:        fetcher,
		validator:      validator.New(),
		config:         cfg,
		logger:         log,
		metrics:        m,
	}
}

// ProcessEmail stores a synced email record and runs the enabled rules against it.
// An email already processed is skipped unless forceReprocess is set, and so is one
// another run is evaluating right now.
func (p *EmailProcessor) ProcessEmail(ctx context.Context, raw *models.EmailRecord, accessToken string, forceReprocess bool) *ProcessResult {
	start := time.Now()
	result := &ProcessResult{}
	if raw != nil {
		result.ExternalID = raw.ExternalID
	}
	defer func() { p.recordMetrics(result, start) }()

	if raw == nil {
		return result.fail(models.ConfigErrorf("process_email", "missing email record"))
	}
	if err := p.validator.Validate(raw); err != nil {
		return result.fail(models.WrapError(models.ErrConfiguration, "process_email", err))
	}

	existing, err := p.communications.GetByExternalID(ctx, raw.ExternalID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return result.fail(fmt.Errorf("failed to look up email: %w", err))
	}
	if existing != nil && existing.ProcessedByRules && !forceReprocess {
		return result.skip(existing)
	}

	email := newEmail(raw, p.config.MailboxOwner)
	if email.OccurredAt.IsZero() {
		email.OccurredAt = p.config.Now()
	}
	if existing != nil {
		email.ID = existing.ID
	}
	p.fillBody(ctx, email, accessToken)

	contact, err := p.resolveContact(ctx, email)
	if err != nil {
		return result.fail(err)
	}
	if contact != nil {
		email.ContactID = &contact.ID
	}

	if err := p.communications.Upsert(ctx, email); err != nil {
		return result.fail(fmt.Errorf("failed to store email: %w", err))
	}
	result.EmailID = email.ID

	claimed, err := p.claim(ctx, email.ID, !forceReprocess)
	if err != nil {
		return result.fail(err)
	}
	if !claimed {
		p.logger.Debug("Email is being processed by another run", logger.EmailID(email.ID))
		return result.skip(email)
	}
	defer p.release(ctx, email.ID)

	return p.run(ctx, email, contact, result)
}

// ProcessStored runs the rules against a stored email. An email already processed
// is skipped unless force is set.
func (p *EmailProcessor) ProcessStored(ctx context.Context, id uuid.UUID, force bool) *ProcessResult {
	return p.reprocess(ctx, id, !force)
}

// ReprocessEmail runs the rules again against a stored email, regardless of its processed flag.
// It fails with a conflict while another run is evaluating the email.
func (p *EmailProcessor) ReprocessEmail(ctx context.Context, id uuid.UUID) *ProcessResult {
	return p.reprocess(ctx, id, false)
}

// reprocess claims a stored email and runs the rules against it. When the claim is
// refused and unprocessedOnly is set, the email is done or in flight and is skipped.
func (p *EmailProcessor) reprocess(ctx context.Context, id uuid.UUID, unprocessedOnly bool) *ProcessResult {
	start := time.Now()
	result := &ProcessResult{EmailID: id}
	defer func() { p.recordMetrics(result, start) }()

	claimed, err := p.claim(ctx, id, unprocessedOnly)
	if err != nil {
		return result.fail(err)
	}
	if claimed {
		defer p.release(ctx, id)
	}

	email, err := p.communications.GetByID(ctx, id)
	if err != nil {
		return result.fail(err)
	}
	result.ExternalID = email.ExternalID
	if !claimed {
		if unprocessedOnly {
			return result.skip(email)
		}
		return result.fail(models.Conflictf("reprocess_email", "email %s is being processed by another run", id))
	}

	var contact *models.Contact
	if email.ContactID != nil {
		contact, err = p.contacts.GetByID(ctx, *email.ContactID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return result.fail(fmt.Errorf("failed to load contact: %w", err))
		}
	}
	if contact == nil {
		if contact, err = p.resolveContact(ctx, email); err != nil {
			return result.fail(err)
		}
		if contact != nil {
			if err := p.communications.LinkContact(ctx, email.ID, contact.ID); err != nil {
				return result.fail(fmt.Errorf("failed to link contact: %w", err))
			}
			email.ContactID = &contact.ID
		}
	}

	return p.run(ctx, email, contact, result)
}

// ProcessPending reprocesses up to limit emails left unprocessed, oldest first
func (p *EmailProcessor) ProcessPending(ctx context.Context, limit int) ([]*ProcessResult, error) {
	emails, err := p.communications.ListUnprocessed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed emails: %w", err)
	}

	results := make([]*ProcessResult, 0, len(emails))
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := p.reprocess(ctx, email.ID, true)
		results = append(results, res)
		if res.ErrorKind == models.ErrorKindTransient {
			// The store is unavailable; the rest would fail the same way.
			return results, fmt.Errorf("reprocessing stopped at email %s: %s", email.ID, res.Error)
		}
	}
	return results, nil
}

func (p *EmailProcessor) claim(ctx context.Context, id uuid.UUID, unprocessedOnly bool) (bool, error) {
	claimed, err := p.communications.Claim(ctx, id, p.config.ProcessingLease, unprocessedOnly)
	if err != nil {
		return false, fmt.Errorf("failed to claim email: %w", err)
	}
	return claimed, nil
}

func (p *EmailProcessor) release(ctx context.Context, id uuid.UUID) {
	if err := p.communications.ReleaseClaim(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("Failed to release email claim", logger.EmailID(id), logger.Err(err))
	}
}

func (p *EmailProcessor) run(ctx context.Context, email *models.Email, contact *models.Contact, result *ProcessResult) *ProcessResult {
	ruleResults, runErr := p.engine.ProcessEmail(ctx, email, contact)
	result.RuleResults = ruleResults
	if email.ContactID != nil {
		result.ContactID = email.ContactID
	}

	if ruleResults != nil && len(ruleResults.ActionResults) > 0 {
		now := p.config.Now()
		records := make([]*models.ActionRecord, 0, len(ruleResults.ActionResults))
		for _, ar := range ruleResults.ActionResults {
			records = append(records, ar.Record(email.ID, now))
		}
		if err := p.communications.RecordActions(ctx, records); err != nil {
			p.logger.Warn("Failed to record action outcomes",
				logger.EmailID(email.ID),
				logger.Err(err),
			)
			if runErr == nil {
				runErr = fmt.Errorf("failed to record action outcomes: %w", err)
			}
		}
	}

	if runErr != nil {
		p.logger.Error("Email processing aborted",
			logger.EmailID(email.ID),
			logger.Err(runErr),
		)
		return result.fail(runErr)
	}

	result.Success = true
	p.logger.Info("Email processed",
		logger.EmailID(email.ID),
		logger.Int("rules_evaluated", ruleResults.RulesEvaluated),
		logger.Int("rules_matched", len(ruleResults.MatchedRules)),
	)
	return result
}

// resolveContact finds the counterparty contact, creating it when enabled.
// A malformed or missing address yields no contact and no error.
func (p *EmailProcessor) resolveContact(ctx context.Context, email *models.Email) (*models.Contact, error) {
	address, displayName, err := models.ParseAddress(email.CounterpartyAddress())
	if err != nil {
		p.logger.Warn("Email has no usable counterparty address",
			logger.String("external_id", email.ExternalID),
			logger.Err(err),
		)
		return nil, nil
	}
	if address == p.config.MailboxOwner {
		return nil, nil
	}

	contact, err := p.contacts.FindByEmail(ctx, address)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to find contact: %w", err)
	}
	if !p.config.AutoCreateContacts {
		return nil, nil
	}

	name := displayName
	if name == "" {
		name, _, _ = strings.Cut(address, "@")
	}
	now := p.config.Now()
	contact = &models.Contact{
		ID:          uuid.New(),
		Name:        name,
		Email:       address,
		ContactType: models.ContactTypeOther,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = p.contacts.Create(ctx, contact)
	if errors.Is(err, models.ErrConflict) {
		// Created concurrently by another writer
		return p.contacts.FindByEmail(ctx, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	p.logger.Info("Contact created from email",
		logger.ContactID(contact.ID),
		logger.String("external_id", email.ExternalID),
	)
	return contact, nil
}

func (p *EmailProcessor) fillBody(ctx context.Context, email *models.Email, accessToken string) {
	if p.fetcher == nil || email.Body != "" {
		return
	}
	body, err := p.fetcher.FetchBody(ctx, accessToken, email.ExternalID)
	if err != nil {
		p.logger.Warn("Failed to fetch email body",
			logger.String("external_id", email.ExternalID),
			logger.Err(err),
		)
		return
	}
	email.Body = body
}

func (p *EmailProcessor) recordMetrics(result *ProcessResult, start time.Time) {
	status := "processed"
	switch {
	case result.Skipped:
		status = "skipped"
	case !result.Success:
		status = "failed"
	}
	p.metrics.RecordEmailProcessed(status, time.Since(start))
}

// newEmail converts a provider record into an email. A missing direction is inferred
// from the mailbox owner: mail sent from the owner is outbound.
func newEmail(raw *models.EmailRecord, mailboxOwner string) *models.Email {
	direction := raw.Direction
	if direction == "" {
		direction = models.DirectionInbound
		if mailboxOwner != "" {
			if from, _, err := models.ParseAddress(raw.FromAddress); err == nil && from == mailboxOwner {
				direction = models.DirectionOutbound
			}
		}
	}

	categories := make([]string, len(raw.Categories))
	copy(categories, raw.Categories)

	return &models.Email{
		ExternalID:     raw.ExternalID,
		Subject:        raw.Subject,
		Body:           raw.Body,
		FromAddress:    raw.FromAddress,
		ToAddress:      raw.ToAddress,
		Direction:      direction,
		OccurredAt:     raw.OccurredAt,
		ConversationID: raw.ConversationID,
		Categories:     categories,
		IsFlagged:      raw.IsFlagged,
		FolderID:       raw.FolderID,
	}
}
