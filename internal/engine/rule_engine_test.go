package engine

import (
	"context"
	"testing"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) addRule(t *testing.T, name string, priority int, conditions []models.Condition, actions ...models.Action) *models.Rule {
	t.Helper()
	rule := &models.Rule{
		Name:       name,
		Priority:   priority,
		Enabled:    true,
		Conditions: conditions,
		Actions:    actions,
	}
	require.NoError(t, f.store.Rules().Create(context.Background(), rule))
	return rule
}

func (f *fixture) processed(t *testing.T, email *models.Email) bool {
	t.Helper()
	stored, err := f.store.Communications().GetByID(context.Background(), email.ID)
	require.NoError(t, err)
	return stored.ProcessedByRules
}

func TestSortRules(t *testing.T) {
	rules := []*models.Rule{
		{ID: 3, Priority: 10},
		{ID: 1, Priority: 5},
		{ID: 2, Priority: 10},
		{ID: 4, Priority: -1},
	}

	sorted := SortRules(rules)

	ids := make([]int64, 0, len(sorted))
	for _, r := range sorted {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{2, 3, 1, 4}, ids)
	assert.Equal(t, int64(3), rules[0].ID, "input must not be reordered")
}

func TestRuleEngine_PriorityOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.createContact(t, "guest@example.com", "Guest")
	email := f.storeEmail(t, "Booking", "guest@example.com")

	low := f.addRule(t, "low", 5, nil, models.CreateActivity{ActivityType: "low"})
	firstTen := f.addRule(t, "first ten", 10, nil, models.CreateActivity{ActivityType: "first-ten"})
	secondTen := f.addRule(t, "second ten", 10, nil, models.CreateActivity{ActivityType: "second-ten"})

	result, err := f.engine.ProcessEmail(ctx, email, contact)
	require.NoError(t, err)

	require.Len(t, result.MatchedRules, 3)
	assert.Equal(t, firstTen.ID, result.MatchedRules[0].RuleID)
	assert.Equal(t, secondTen.ID, result.MatchedRules[1].RuleID)
	assert.Equal(t, low.ID, result.MatchedRules[2].RuleID)

	activities := f.store.AllActivities()
	require.Len(t, activities, 3)
	assert.Equal(t, "first-ten", activities[0].ActivityType)
	assert.Equal(t, "second-ten", activities[1].ActivityType)
	assert.Equal(t, "low", activities[2].ActivityType)
}

func TestRuleEngine_WebformEnquiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "web enquiries", 10,
		[]models.Condition{models.SubjectContains{Value: "Web General Enquiry"}},
		models.CreateContact{},
		models.CreateOpportunity{Source: "webform"},
	)
	email := f.storeEmail(t, "Web General Enquiry - villa booking", "guest@example.com")

	result, err := f.engine.ProcessEmail(ctx, email, nil)
	require.NoError(t, err)

	require.Len(t, result.MatchedRules, 1)
	for _, r := range result.ActionResults {
		assert.True(t, r.Success, r.Error)
	}

	contacts := f.store.AllContacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "guest@example.com", contacts[0].Email)

	opportunities := f.store.AllOpportunities()
	require.Len(t, opportunities, 1)
	assert.Equal(t, models.OpportunityStatusOpen, opportunities[0].Status)
	assert.Equal(t, "webform", opportunities[0].Source)
	assert.Equal(t, contacts[0].ID, opportunities[0].ContactID)

	assert.True(t, f.processed(t, email))
}

func TestRuleEngine_CategoryMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Categories().Upsert(ctx, &models.CategoryMapping{
		CategoryName: "Source – Webform",
		FieldType:    models.FieldTypeSource,
		FieldValue:   "webform",
	}))
	f.addRule(t, "categorised", 1,
		[]models.Condition{models.HasCategory{Category: "Source – Webform"}},
		models.CreateContact{},
		models.AssignCategory{},
		models.CreateOpportunity{},
		models.CreateActivity{},
	)
	email := f.storeEmail(t, "Villa enquiry", "guest@example.com", "Source – Webform")

	_, err := f.engine.ProcessEmail(ctx, email, nil)
	require.NoError(t, err)

	opportunities := f.store.AllOpportunities()
	require.Len(t, opportunities, 1)
	assert.Equal(t, "webform", opportunities[0].Source)

	activities := f.store.AllActivities()
	require.Len(t, activities, 1)
	assert.Equal(t, "webform", activities[0].Source)
	require.NotNil(t, activities[0].OpportunityID)
	assert.Equal(t, opportunities[0].ID, *activities[0].OpportunityID)
}

func TestRuleEngine_MarksProcessedOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("no rules", func(t *testing.T) {
		f := newFixture(t)
		email := f.storeEmail(t, "Anything", "guest@example.com")

		result, err := f.engine.ProcessEmail(ctx, email, nil)

		require.NoError(t, err)
		assert.Zero(t, result.RulesEvaluated)
		assert.Empty(t, result.MatchedRules)
		assert.True(t, f.processed(t, email))
	})

	t.Run("no matching rule", func(t *testing.T) {
		f := newFixture(t)
		f.addRule(t, "never", 1, []models.Condition{models.SubjectContains{Value: "invoice"}}, models.CreateContact{})
		email := f.storeEmail(t, "Booking", "guest@example.com")

		result, err := f.engine.ProcessEmail(ctx, email, nil)

		require.NoError(t, err)
		assert.Equal(t, 1, result.RulesEvaluated)
		assert.Empty(t, result.MatchedRules)
		assert.Empty(t, f.store.AllContacts())
		assert.True(t, f.processed(t, email))
	})

	t.Run("disabled rules are not evaluated", func(t *testing.T) {
		f := newFixture(t)
		rule := f.addRule(t, "disabled", 1, nil, models.CreateContact{})
		require.NoError(t, f.store.Rules().SetEnabled(ctx, rule.ID, false))
		email := f.storeEmail(t, "Booking", "guest@example.com")

		result, err := f.engine.ProcessEmail(ctx, email, nil)

		require.NoError(t, err)
		assert.Zero(t, result.RulesEvaluated)
		assert.Empty(t, f.store.AllContacts())
	})
}

func TestRuleEngine_FailuresDoNotStopOtherRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "broken order", 10, nil,
		models.CreateOpportunity{Source: "webform"}, // no contact yet
		models.CreateContact{},
	)
	f.addRule(t, "misconfigured", 5, []models.Condition{models.BodyContains{}}, models.CreateFollowup{})
	f.addRule(t, "followup", 1, nil, models.CreateFollowup{})
	email := f.storeEmail(t, "Booking", "guest@example.com")

	result, err := f.engine.ProcessEmail(ctx, email, nil)
	require.NoError(t, err)

	require.Len(t, result.MatchedRules, 2)
	first := result.MatchedRules[0].ActionResults
	require.Len(t, first, 2)
	assert.False(t, first[0].Success)
	assert.Equal(t, models.ErrorKindNotFound, first[0].ErrorKind)
	assert.True(t, first[1].Success, first[1].Error)

	require.Len(t, result.SkippedRules, 1)
	assert.Equal(t, "misconfigured", result.SkippedRules[0].RuleName)
	assert.Equal(t, models.ErrorKindConfiguration, result.SkippedRules[0].ErrorKind)

	// the contact created by the first rule is available to later rules
	assert.Len(t, f.store.AllFollowups(), 1)
	assert.Empty(t, f.store.AllOpportunities())
	assert.True(t, f.processed(t, email))
}

func TestRuleEngine_TransientErrorLeavesEmailUnprocessed(t *testing.T) {
	ctx := context.Background()

	t.Run("during an action", func(t *testing.T) {
		f := newFixture(t)
		contact := f.createContact(t, "guest@example.com", "Guest")
		f.addRule(t, "activity", 10, nil, models.CreateActivity{}, models.CreateFollowup{})
		f.addRule(t, "later", 1, nil, models.CreateFollowup{})
		f.store.FailOn("CreateActivity", models.WrapError(models.ErrTransient, "create_activity", assert.AnError))
		email := f.storeEmail(t, "Booking", "guest@example.com")

		result, err := f.engine.ProcessEmail(ctx, email, contact)

		require.Error(t, err)
		assert.True(t, models.IsTransient(err))
		require.Len(t, result.ActionResults, 1)
		assert.Empty(t, f.store.AllFollowups())
		assert.False(t, f.processed(t, email))
	})

	t.Run("while loading rules", func(t *testing.T) {
		f := newFixture(t)
		f.store.FailOn("LoadEnabledRules", models.WrapError(models.ErrTransient, "load_rules", assert.AnError))
		email := f.storeEmail(t, "Booking", "guest@example.com")

		_, err := f.engine.ProcessEmail(ctx, email, nil)

		assert.True(t, models.IsTransient(err))
		assert.False(t, f.processed(t, email))
	})
}

func TestRuleEngine_CommissionSnapshotAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "closed deals", 1,
		[]models.Condition{models.SubjectContains{Value: "contract signed"}},
		models.CreateContact{},
		models.CreateOpportunity{Source: "webform"},
		models.MarkOpportunityWon{},
		models.CreateCommissionSnapshot{},
		models.CreateCommissionSnapshot{},
	)
	email := f.storeEmail(t, "Contract signed", "guest@example.com")

	result, err := f.engine.ProcessEmail(ctx, email, nil)
	require.NoError(t, err)

	actions := result.ActionResults
	require.Len(t, actions, 5)
	assert.True(t, actions[2].Success, actions[2].Error)
	assert.False(t, actions[3].Success)
	assert.Equal(t, models.ErrorKindConflict, actions[3].ErrorKind)
	assert.False(t, actions[4].Success)
	assert.Len(t, f.store.AllSnapshots(), 1)
}

func TestRuleEngine_IllegalWonTransition(t *testing.T) {
	ctx := context.Background()

	for _, status := range []models.OpportunityStatus{models.OpportunityStatusWon, models.OpportunityStatusLost} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			contact := f.createContact(t, "guest@example.com", "Guest")
			opp := f.createOpportunity(t, contact)
			if status == models.OpportunityStatusWon {
				_, err := f.store.Opportunities().MarkWon(ctx, opp.ID, models.WinRequest{ChangedBy: "setup"})
				require.NoError(t, err)
			} else {
				_, err := f.store.Opportunities().Transition(ctx, opp.ID, status, "setup")
				require.NoError(t, err)
			}
			snapshotsBefore := len(f.store.AllSnapshots())
			auditBefore := len(f.store.AuditTrail())

			f.addRule(t, "win", 1, nil, models.LinkToOpportunity{OpportunityID: &opp.ID}, models.MarkOpportunityWon{})
			email := f.storeEmail(t, "Contract signed", "guest@example.com")

			result, err := f.engine.ProcessEmail(ctx, email, contact)
			require.NoError(t, err)

			require.Len(t, result.ActionResults, 2)
			assert.True(t, result.ActionResults[0].Success, result.ActionResults[0].Error)
			assert.False(t, result.ActionResults[1].Success)
			assert.Equal(t, models.ErrorKindConflict, result.ActionResults[1].ErrorKind)

			stored, err := f.store.Opportunities().GetByID(ctx, opp.ID)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Len(t, f.store.AllSnapshots(), snapshotsBefore)
			assert.Len(t, f.store.AuditTrail(), auditBefore)
		})
	}
}

func TestRuleEngine_OpportunityCreatedByEarlierRuleIsInvisible(t *testing.T) {
	ctx := context.Background()

	t.Run("later rule finds no opportunity", func(t *testing.T) {
		f := newFixture(t)
		f.addRule(t, "open", 10, nil, models.CreateContact{}, models.CreateOpportunity{Source: "webform"})
		f.addRule(t, "win", 5, nil, models.MarkOpportunityWon{})
		email := f.storeEmail(t, "Contract signed", "guest@example.com")

		result, err := f.engine.ProcessEmail(ctx, email, nil)
		require.NoError(t, err)

		require.Len(t, result.MatchedRules, 2)
		win := result.MatchedRules[1].ActionResults
		require.Len(t, win, 1)
		assert.False(t, win[0].Success)
		assert.Equal(t, models.ErrorKindNotFound, win[0].ErrorKind)

		opportunities := f.store.AllOpportunities()
		require.Len(t, opportunities, 1)
		assert.Equal(t, models.OpportunityStatusOpen, opportunities[0].Status)
		assert.Empty(t, f.store.AllSnapshots())
	})

	t.Run("later rule keeps acting on the opportunity linked before the pass", func(t *testing.T) {
		f := newFixture(t)
		contact := f.createContact(t, "guest@example.com", "Guest")
		existing := f.createOpportunity(t, contact)
		email := f.storeEmail(t, "Re: quote", "guest@example.com")
		require.NoError(t, f.store.Communications().LinkOpportunity(ctx, email.ID, existing.ID))
		email.OpportunityID = &existing.ID

		f.addRule(t, "open", 10, nil, models.CreateOpportunity{Title: "Second villa"})
		f.addRule(t, "advance", 5, nil, models.UpdateOpportunityStage{Stage: "negotiation"})

		result, err := f.engine.ProcessEmail(ctx, email, contact)
		require.NoError(t, err)
		for _, res := range result.ActionResults {
			assert.True(t, res.Success, res.Error)
		}

		advanced, err := f.store.Opportunities().GetByID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, "negotiation", advanced.Stage)

		opportunities := f.store.AllOpportunities()
		require.Len(t, opportunities, 2)
		assert.Equal(t, "Second villa", opportunities[1].Title)
		assert.Equal(t, models.DefaultOpportunityStage, opportunities[1].Stage)
	})
}
