package models

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction represents whether an email was received or sent by the mailbox owner
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Email is a synced communication as stored by the CRM
type Email struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	ExternalID       string     `json:"external_id" db:"external_id"`
	Subject          string     `json:"subject" db:"subject"`
	Body             string     `json:"body,omitempty" db:"body"`
	FromAddress      string     `json:"from_address" db:"from_address"`
	ToAddress        string     `json:"to_address" db:"to_address"`
	Direction        Direction  `json:"direction" db:"direction"`
	OccurredAt       time.Time  `json:"occurred_at" db:"occurred_at"`
	ConversationID   string     `json:"conversation_id,omitempty" db:"conversation_id"`
	Categories       []string   `json:"categories" db:"categories"`
	IsFlagged        bool       `json:"is_flagged" db:"is_flagged"`
	FolderID         string     `json:"folder_id,omitempty" db:"folder_id"`
	ProcessedByRules bool       `json:"processed_by_rules" db:"processed_by_rules"`
	ContactID        *uuid.UUID `json:"contact_id,omitempty" db:"contact_id"`
	OpportunityID    *uuid.UUID `json:"opportunity_id,omitempty" db:"opportunity_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// EmailRecord is a normalized record supplied by the mail provider sync
type EmailRecord struct {
	ExternalID     string    `json:"external_id" validate:"required"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	FromAddress    string    `json:"from_address"`
	ToAddress      string    `json:"to_address"`
	Direction      Direction `json:"direction,omitempty" validate:"omitempty,oneof=inbound outbound"`
	OccurredAt     time.Time `json:"occurred_at"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Categories     []string  `json:"categories"`
	IsFlagged      bool      `json:"is_flagged"`
	FolderID       string    `json:"folder_id,omitempty"`
}

// HasCategory reports whether the email carries category (exact match)
func (e *Email) HasCategory(category string) bool {
	for _, c := range e.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// CounterpartyAddress returns the address of the other party of the email
func (e *Email) CounterpartyAddress() string {
	if e.Direction == DirectionOutbound {
		return e.ToAddress
	}
	return e.FromAddress
}

// ParseAddress parses a single RFC 5322 address ("Name <user@host>" or "user@host")
// and returns the normalized address and display name.
func ParseAddress(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", NewError(ErrNotFound, "parse_address", "empty address")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", "", WrapError(ErrConfiguration, "parse_address", err)
	}
	return NormalizeEmail(addr.Address), strings.TrimSpace(addr.Name), nil
}

// NormalizeEmail lower-cases and trims an email address
func NormalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ProcessEmailRequest is the body of a single-email ingest
type ProcessEmailRequest struct {
	Email       EmailRecord `json:"email"`
	AccessToken string      `json:"access_token,omitempty"`
	Force       bool        `json:"force,omitempty"`
}

// SyncRequest is the body of a mailbox batch sync
type SyncRequest struct {
	Mailbox     string         `json:"mailbox" validate:"required,mailbox"`
	AccessToken string         `json:"access_token,omitempty"`
	Emails      []*EmailRecord `json:"emails"`
}
