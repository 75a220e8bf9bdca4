package engine

import (
	"errors"
	"testing"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
)

func testEmail() *models.Email {
	return &models.Email{
		Subject:     "Web General Enquiry - Villa Booking",
		Body:        "Hello, we would like to book the villa for August.",
		FromAddress: "Guest@Example.com",
		ToAddress:   "sales@crm.test",
		Direction:   models.DirectionInbound,
		Categories:  []string{"Source – Webform", "VIP"},
		IsFlagged:   true,
		FolderID:    "inbox-1",
	}
}

func TestEvaluateCondition(t *testing.T) {
	evaluator := NewEvaluator(logger.NewForTesting())

	tests := []struct {
		name      string
		condition models.Condition
		email     *models.Email
		expected  bool
		shouldErr bool
	}{
		{
			name:      "subject contains ignores case",
			condition: models.SubjectContains{Value: "web general enquiry"},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "subject contains case sensitive",
			condition: models.SubjectContains{Value: "web general enquiry", CaseSensitive: true},
			email:     testEmail(),
			expected:  false,
		},
		{
			name:      "subject contains on empty subject",
			condition: models.SubjectContains{Value: "anything"},
			email:     &models.Email{},
			expected:  false,
		},
		{
			name:      "subject contains without value",
			condition: models.SubjectContains{},
			email:     testEmail(),
			shouldErr: true,
		},
		{
			name:      "subject matches pattern",
			condition: mustDecodeCondition(t, models.ConditionSubjectMatches, `^web .* - villa`),
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "subject matches uncompiled pattern",
			condition: models.SubjectMatches{Pattern: `booking$`},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "subject matches invalid pattern fails closed",
			condition: models.SubjectMatches{Pattern: `([unclosed`},
			email:     testEmail(),
			expected:  false,
		},
		{
			name:      "from contains",
			condition: models.FromContains{Value: "@example.com"},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "to contains no match",
			condition: models.ToContains{Value: "support@"},
			email:     testEmail(),
			expected:  false,
		},
		{
			name:      "to contains on absent address",
			condition: models.ToContains{Value: "sales"},
			email:     &models.Email{Subject: "x"},
			expected:  false,
		},
		{
			name:      "body contains",
			condition: models.BodyContains{Value: "AUGUST"},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "has category exact",
			condition: models.HasCategory{Category: "VIP"},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "has category is case sensitive",
			condition: models.HasCategory{Category: "vip"},
			email:     testEmail(),
			expected:  false,
		},
		{
			name:      "is flagged",
			condition: models.IsFlagged{},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "is flagged on unflagged email",
			condition: models.IsFlagged{},
			email:     &models.Email{},
			expected:  false,
		},
		{
			name:      "in folder",
			condition: models.InFolder{FolderID: "inbox-1"},
			email:     testEmail(),
			expected:  true,
		},
		{
			name:      "in other folder",
			condition: models.InFolder{FolderID: "archive"},
			email:     testEmail(),
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.EvaluateCondition(tt.condition, tt.email)

			if tt.shouldErr {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if !errors.Is(err, models.ErrConfiguration) {
					t.Errorf("Expected configuration error, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	evaluator := NewEvaluator(logger.NewForTesting())
	email := testEmail()

	t.Run("empty condition list matches", func(t *testing.T) {
		matched, err := evaluator.Matches(&models.Rule{}, email)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !matched {
			t.Error("Expected rule without conditions to match")
		}
	})

	t.Run("all conditions must hold", func(t *testing.T) {
		rule := &models.Rule{Conditions: []models.Condition{
			models.SubjectContains{Value: "villa"},
			models.IsFlagged{},
			models.InFolder{FolderID: "archive"},
		}}
		matched, err := evaluator.Matches(rule, email)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if matched {
			t.Error("Expected rule not to match")
		}
	})

	t.Run("every condition true", func(t *testing.T) {
		rule := &models.Rule{Conditions: []models.Condition{
			models.SubjectContains{Value: "villa"},
			models.FromContains{Value: "guest"},
			models.HasCategory{Category: "VIP"},
		}}
		matched, err := evaluator.Matches(rule, email)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !matched {
			t.Error("Expected rule to match")
		}
	})

	t.Run("missing value surfaces as configuration error", func(t *testing.T) {
		rule := &models.Rule{Conditions: []models.Condition{
			models.SubjectContains{Value: "villa"},
			models.BodyContains{},
		}}
		_, err := evaluator.Matches(rule, email)
		if !errors.Is(err, models.ErrConfiguration) {
			t.Errorf("Expected configuration error, got %v", err)
		}
	})
}

func mustDecodeCondition(t *testing.T, ct models.ConditionType, value string) models.Condition {
	t.Helper()
	c, err := models.DecodeCondition(models.ConditionDefinition{Type: ct, Value: value})
	if err != nil {
		t.Fatalf("DecodeCondition failed: %v", err)
	}
	return c
}
