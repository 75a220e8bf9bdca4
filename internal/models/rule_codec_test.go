package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCondition(t *testing.T) {
	tests := []struct {
		name     string
		def      ConditionDefinition
		expected Condition
		wantErr  bool
	}{
		{
			name:     "subject contains",
			def:      ConditionDefinition{Type: ConditionSubjectContains, Value: "Enquiry"},
			expected: SubjectContains{Value: "Enquiry"},
		},
		{
			name:     "case sensitive operator",
			def:      ConditionDefinition{Type: ConditionBodyContains, Value: "URGENT", Operator: "case_sensitive"},
			expected: BodyContains{Value: "URGENT", CaseSensitive: true},
		},
		{
			name:     "is flagged ignores value",
			def:      ConditionDefinition{Type: ConditionIsFlagged},
			expected: IsFlagged{},
		},
		{
			name:     "in folder",
			def:      ConditionDefinition{Type: ConditionInFolder, Value: "AAMk-inbox"},
			expected: InFolder{FolderID: "AAMk-inbox"},
		},
		{
			name:    "missing value",
			def:     ConditionDefinition{Type: ConditionFromContains},
			wantErr: true,
		},
		{
			name:    "missing type",
			def:     ConditionDefinition{Value: "x"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			def:     ConditionDefinition{Type: "sender_is", Value: "x"},
			wantErr: true,
		},
		{
			name:    "unknown operator",
			def:     ConditionDefinition{Type: ConditionSubjectContains, Value: "x", Operator: "regex"},
			wantErr: true,
		},
		{
			name:    "invalid pattern",
			def:     ConditionDefinition{Type: ConditionSubjectMatches, Value: "([a-z"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeCondition(tt.def)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c)
		})
	}
}

func TestDecodeCondition_SubjectMatchesIsCaseInsensitive(t *testing.T) {
	c, err := DecodeCondition(ConditionDefinition{Type: ConditionSubjectMatches, Value: `^re: quote #\d+`})
	require.NoError(t, err)

	matches, ok := c.(SubjectMatches)
	require.True(t, ok)
	assert.True(t, matches.Regexp.MatchString("RE: Quote #1042"))
	assert.False(t, matches.Regexp.MatchString("Fwd: RE: Quote #1042"))
}

func TestDecodeAction(t *testing.T) {
	oppID := uuid.New()

	tests := []struct {
		name     string
		def      ActionDefinition
		expected Action
		wantErr  bool
	}{
		{
			name:     "create contact without params",
			def:      ActionDefinition{Type: ActionCreateContact},
			expected: CreateContact{},
		},
		{
			name:     "create opportunity from JSON numbers",
			def:      ActionDefinition{Type: ActionCreateOpportunity, Params: map[string]interface{}{"source": "webform", "value": float64(125000)}},
			expected: CreateOpportunity{Source: "webform", Value: 125000},
		},
		{
			name:     "followup with offset",
			def:      ActionDefinition{Type: ActionCreateFollowup, Params: map[string]interface{}{"days_offset": float64(5), "followup_type": "call"}},
			expected: CreateFollowup{DaysOffset: 5, FollowupType: "call"},
		},
		{
			name:     "link to explicit opportunity",
			def:      ActionDefinition{Type: ActionLinkToOpportunity, Params: map[string]interface{}{"opportunity_id": oppID.String()}},
			expected: LinkToOpportunity{OpportunityID: &oppID},
		},
		{
			name:    "update stage requires stage",
			def:     ActionDefinition{Type: ActionUpdateOpportunityStage},
			wantErr: true,
		},
		{
			name:    "invalid contact type",
			def:     ActionDefinition{Type: ActionCreateContact, Params: map[string]interface{}{"contact_type": "Vendor"}},
			wantErr: true,
		},
		{
			name:    "fractional value",
			def:     ActionDefinition{Type: ActionCreateOpportunity, Params: map[string]interface{}{"value": 12.5}},
			wantErr: true,
		},
		{
			name:    "negative offset",
			def:     ActionDefinition{Type: ActionCreateFollowup, Params: map[string]interface{}{"days_offset": float64(-1)}},
			wantErr: true,
		},
		{
			name:    "bad opportunity id",
			def:     ActionDefinition{Type: ActionLinkToOpportunity, Params: map[string]interface{}{"opportunity_id": "opp-1"}},
			wantErr: true,
		},
		{
			name:    "string param of wrong type",
			def:     ActionDefinition{Type: ActionAssignCategory, Params: map[string]interface{}{"category": 3}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			def:     ActionDefinition{Type: "send_sms"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := DecodeAction(tt.def)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, a)
		})
	}
}

func TestDecodeAction_MarkWonFinalValue(t *testing.T) {
	a, err := DecodeAction(ActionDefinition{Type: ActionMarkOpportunityWon, Params: map[string]interface{}{"final_value": float64(0)}})
	require.NoError(t, err)

	won := a.(MarkOpportunityWon)
	require.NotNil(t, won.FinalValue, "an explicit zero must not be dropped")
	assert.Equal(t, int64(0), *won.FinalValue)

	a, err = DecodeAction(ActionDefinition{Type: ActionMarkOpportunityWon})
	require.NoError(t, err)
	assert.Nil(t, a.(MarkOpportunityWon).FinalValue)
}

func TestDecodeAction_FinalValueOutOfRange(t *testing.T) {
	for _, v := range []float64{1e20, -1e20, math.Inf(1), 9223372036854775808} {
		_, err := DecodeAction(ActionDefinition{Type: ActionMarkOpportunityWon, Params: map[string]interface{}{"final_value": v}})
		assert.Error(t, err, "%v", v)
		assert.Equal(t, ErrorKindConfiguration, KindOf(err))
	}

	a, err := DecodeAction(ActionDefinition{Type: ActionMarkOpportunityWon, Params: map[string]interface{}{"final_value": float64(9007199254740992)}})
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740992), *a.(MarkOpportunityWon).FinalValue)
}

func TestDecodeAction_ScheduledDate(t *testing.T) {
	a, err := DecodeAction(ActionDefinition{Type: ActionCreateFollowup, Params: map[string]interface{}{"scheduled_date": "2024-07-01"}})
	require.NoError(t, err)

	followup := a.(CreateFollowup)
	require.NotNil(t, followup.ScheduledDate)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), *followup.ScheduledDate)
}

func TestRuleJSONRoundTrip(t *testing.T) {
	final := int64(99000)
	rule := Rule{
		ID:       42,
		Name:     "closed deals",
		Priority: 10,
		Enabled:  true,
		Conditions: []Condition{
			SubjectContains{Value: "signed"},
			IsFlagged{},
		},
		Actions: []Action{
			CreateContact{ContactType: ContactTypeDirect},
			MarkOpportunityWon{FinalValue: &final, LockOwner: "carol"},
		},
	}

	data, err := json.Marshal(rule)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"subject_contains"`)
	assert.Contains(t, string(data), `"type":"mark_opportunity_won"`)

	var decoded Rule
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rule.Conditions, decoded.Conditions)
	assert.Equal(t, rule.Actions, decoded.Actions)
	assert.Equal(t, rule.Priority, decoded.Priority)
}

func TestRuleUnmarshal_RejectsMalformedDefinitions(t *testing.T) {
	payload := `{"name":"bad","conditions":[{"type":"subject_contains"}],"actions":[{"type":"create_contact"}]}`

	var rule Rule
	err := json.Unmarshal([]byte(payload), &rule)

	require.Error(t, err)
	assert.Equal(t, ErrorKindConfiguration, KindOf(err))
}

func TestCreateRuleRequest_ToRule(t *testing.T) {
	disabled := false
	req := &CreateRuleRequest{
		Name:       "web enquiries",
		Priority:   3,
		Enabled:    &disabled,
		Conditions: []ConditionDefinition{{Type: ConditionSubjectContains, Value: "Web General Enquiry"}},
		Actions:    []ActionDefinition{{Type: ActionCreateContact}, {Type: ActionCreateOpportunity, Params: map[string]interface{}{"source": "webform"}}},
	}

	rule, err := req.ToRule()
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
	assert.Len(t, rule.Conditions, 1)
	assert.Equal(t, CreateOpportunity{Source: "webform"}, rule.Actions[1])

	req.Enabled = nil
	rule, err = req.ToRule()
	require.NoError(t, err)
	assert.True(t, rule.Enabled, "rules are enabled by default")
}
