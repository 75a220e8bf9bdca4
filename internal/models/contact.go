package models

import (
	"time"

	"github.com/google/uuid"
)

// ContactType classifies a contact
type ContactType string

const (
	ContactTypeAgent    ContactType = "Agent"
	ContactTypeDirect   ContactType = "Direct"
	ContactTypeOther    ContactType = "Other"
	ContactTypeSpam     ContactType = "Spam"
	ContactTypeInternal ContactType = "Internal"
)

// IsValid reports whether t is a known contact type
func (t ContactType) IsValid() bool {
	switch t {
	case ContactTypeAgent, ContactTypeDirect, ContactTypeOther, ContactTypeSpam, ContactTypeInternal:
		return true
	}
	return false
}

// Contact is a CRM contact, unique by normalized email
type Contact struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Email       string      `json:"email" db:"email"`
	Phone       string      `json:"phone,omitempty" db:"phone"`
	Company     string      `json:"company,omitempty" db:"company"`
	ContactType ContactType `json:"contact_type" db:"contact_type"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// ContactUpdate carries fields for a non-destructive update.
// Blank fields leave the stored value untouched.
type ContactUpdate struct {
	Name        string      `json:"name,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	Company     string      `json:"company,omitempty"`
	ContactType ContactType `json:"contact_type,omitempty" validate:"omitempty,oneof=Agent Direct Other Spam Internal"`
}

// Apply merges non-blank fields into c
func (u *ContactUpdate) Apply(c *Contact) {
	if u.Name != "" {
		c.Name = u.Name
	}
	if u.Phone != "" {
		c.Phone = u.Phone
	}
	if u.Company != "" {
		c.Company = u.Company
	}
	if u.ContactType != "" {
		c.ContactType = u.ContactType
	}
}
