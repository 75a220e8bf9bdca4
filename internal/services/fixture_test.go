package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/davidmoltin/crm-rules/internal/engine"
	"github.com/davidmoltin/crm-rules/internal/mocks"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/database"
	"github.com/davidmoltin/crm-rules/pkg/distlock"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/davidmoltin/crm-rules/pkg/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const mailboxOwner = "sales@villas.example"

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *mocks.MemoryStore
	mr        *miniredis.Miniredis
	redis     *redis.Client
	executor  *engine.ActionExecutor
	rules     *RuleService
	mapper    *CategoryMapper
	processor *EmailProcessor
	sync      *SyncService
	opps      *OpportunityService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr, client := testutil.NewRedis(t)
	rc := database.NewRedisClientFromClient(client)

	log := logger.NewForTesting()
	m := metrics.NewForTesting()
	store := mocks.NewMemoryStore()
	now := func() time.Time { return fixedNow }

	evaluator := engine.NewEvaluator(log)
	rules := NewRuleService(store.Rules(), evaluator, rc, log)
	mapper := NewCategoryMapper(store.Categories(), rc, time.Minute, m, log)

	executor := engine.NewActionExecutor(engine.Stores{
		Contacts:       store.Contacts(),
		Opportunities:  store.Opportunities(),
		Activities:     store.Activities(),
		Communications: store.Communications(),
	}, mapper, engine.ActionExecutorConfig{Now: now}, m, log)
	ruleEngine := engine.NewRuleEngine(rules, evaluator, executor, store.Communications(), m, log)

	processor := NewEmailProcessor(store.Contacts(), store.Communications(), ruleEngine, nil, EmailProcessorConfig{
		MailboxOwner:       mailboxOwner,
		AutoCreateContacts: true,
		Now:                now,
	}, m, log)

	return &fixture{
		store:     store,
		mr:        mr,
		redis:     client,
		executor:  executor,
		rules:     rules,
		mapper:    mapper,
		processor: processor,
		sync:      NewSyncService(processor, distlock.NewLocker(client, time.Minute), time.Minute, m, log),
		opps:      NewOpportunityService(store.Opportunities(), store.Activities(), log),
	}
}

// processorWith builds a processor over the fixture's store that loads rules from loader
func (f *fixture) processorWith(loader engine.RuleLoader) *EmailProcessor {
	log := logger.NewForTesting()
	ruleEngine := engine.NewRuleEngine(loader, engine.NewEvaluator(log), f.executor, f.store.Communications(), nil, log)
	return NewEmailProcessor(f.store.Contacts(), f.store.Communications(), ruleEngine, nil, EmailProcessorConfig{
		MailboxOwner:       mailboxOwner,
		AutoCreateContacts: true,
		Now:                func() time.Time { return fixedNow },
	}, nil, log)
}

func (f *fixture) createRule(t *testing.T, req *models.CreateRuleRequest) *models.Rule {
	t.Helper()
	rule, err := f.rules.Create(context.Background(), req)
	require.NoError(t, err)
	return rule
}

func record(externalID, subject, from string) *models.EmailRecord {
	return &models.EmailRecord{
		ExternalID:  externalID,
		Subject:     subject,
		FromAddress: from,
		ToAddress:   mailboxOwner,
		OccurredAt:  fixedNow.Add(-time.Hour),
		Categories:  []string{},
	}
}

func condition(t models.ConditionType, value string) models.ConditionDefinition {
	return models.ConditionDefinition{Type: t, Value: value}
}

func action(t models.ActionType, params map[string]interface{}) models.ActionDefinition {
	return models.ActionDefinition{Type: t, Params: params}
}
