package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/davidmoltin/crm-rules/internal/api/rest/handlers"
	"github.com/davidmoltin/crm-rules/internal/engine"
	"github.com/davidmoltin/crm-rules/internal/mocks"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/auth"
	"github.com/davidmoltin/crm-rules/pkg/database"
	"github.com/davidmoltin/crm-rules/pkg/distlock"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/davidmoltin/crm-rules/pkg/testutil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mailboxOwner = "sales@villas.example"

type testServer struct {
	handler http.Handler
	store   *mocks.MemoryStore
	mr      *miniredis.Miniredis
	redis   *redis.Client
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	mr, client := testutil.NewRedis(t)
	rc := database.NewRedisClientFromClient(client)

	log := logger.NewForTesting()
	m := metrics.NewForTesting()
	store := mocks.NewMemoryStore()

	evaluator := engine.NewEvaluator(log)
	rules := services.NewRuleService(store.Rules(), evaluator, rc, log)
	mapper := services.NewCategoryMapper(store.Categories(), rc, time.Minute, m, log)
	executor := engine.NewActionExecutor(engine.Stores{
		Contacts:       store.Contacts(),
		Opportunities:  store.Opportunities(),
		Activities:     store.Activities(),
		Communications: store.Communications(),
	}, mapper, engine.ActionExecutorConfig{}, m, log)
	ruleEngine := engine.NewRuleEngine(rules, evaluator, executor, store.Communications(), m, log)
	processor := services.NewEmailProcessor(store.Contacts(), store.Communications(), ruleEngine, nil,
		services.EmailProcessorConfig{MailboxOwner: mailboxOwner, AutoCreateContacts: true}, m, log)

	h := handlers.NewHandlers(log, &handlers.Services{
		Rules:         rules,
		Categories:    mapper,
		Processor:     processor,
		Sync:          services.NewSyncService(processor, distlock.NewLocker(client, time.Minute), time.Minute, m, log),
		Opportunities: services.NewOpportunityService(store.Opportunities(), store.Activities(), log),
	}, &handlers.HealthCheckers{Redis: rc}, "test")

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	router := NewRouter(log, h, m, opts)
	router.SetupRoutes()

	return &testServer{handler: router.Handler(), store: store, mr: mr, redis: client}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	testutil.DecodeJSON(t, rec, dst)
}

func enquiryRule() map[string]interface{} {
	return map[string]interface{}{
		"name":     "web enquiries",
		"priority": 10,
		"conditions": []map[string]interface{}{
			{"type": "subject_contains", "value": "Web General Enquiry"},
		},
		"actions": []map[string]interface{}{
			{"type": "create_contact"},
			{"type": "create_activity", "params": map[string]interface{}{"activity_type": "enquiry"}},
		},
	}
}

func enquiry(externalID, from string) models.EmailRecord {
	return models.EmailRecord{
		ExternalID:  externalID,
		Subject:     "Web General Enquiry - Villa Rosa",
		FromAddress: from,
		ToAddress:   mailboxOwner,
		OccurredAt:  time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.mr.Close()
	rec = s.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body handlers.HealthResponse
	decode(t, rec, &body)
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["redis"].Status)
	_, hasDB := body.Checks["database"]
	assert.False(t, hasDB, "unset checkers are skipped")
}

func TestRuleEndpoints(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(t, http.MethodPost, "/api/v1/rules", enquiryRule(), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Rule
	decode(t, rec, &created)
	assert.Equal(t, "web enquiries", created.Name)
	assert.True(t, created.Enabled)

	rec = s.do(t, http.MethodGet, "/api/v1/rules/1", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/rules/999", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/rules/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rules/1/disable", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/rules", nil, "")
	var list struct {
		Rules []models.Rule `json:"rules"`
		Total int           `json:"total"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.False(t, list.Rules[0].Enabled)

	rec = s.do(t, http.MethodDelete, "/api/v1/rules/1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/rules/1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleEndpoints_ValidationErrors(t *testing.T) {
	s := newTestServer(t, Options{})

	invalid := enquiryRule()
	delete(invalid, "name")
	rec := s.do(t, http.MethodPost, "/api/v1/rules", invalid, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body handlers.ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, models.ErrorKindConfiguration, body.Kind)
	assert.Contains(t, body.Fields, "name")

	badRegex := enquiryRule()
	badRegex["conditions"] = []map[string]interface{}{{"type": "subject_matches", "value": "("}}
	rec = s.do(t, http.MethodPost, "/api/v1/rules/validate", badRegex, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rules/validate", enquiryRule(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rules", "not an object", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rules, err := s.store.Rules().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleEndpoints_DryRun(t *testing.T) {
	s := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/rules", enquiryRule(), "").Code)

	rec := s.do(t, http.MethodPost, "/api/v1/rules/1/test", models.TestRuleRequest{Email: enquiry("msg-1", "guest@example.com")}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.TestRuleResponse
	decode(t, rec, &result)
	assert.True(t, result.Matched)
	assert.Len(t, result.Actions, 2)
	assert.Empty(t, s.store.AllContacts(), "dry run writes nothing")
}

func TestEmailEndpoints(t *testing.T) {
	s := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/rules", enquiryRule(), "").Code)

	rec := s.do(t, http.MethodPost, "/api/v1/emails", models.ProcessEmailRequest{Email: enquiry("msg-1", "Guest <guest@example.com>")}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result services.ProcessResult
	decode(t, rec, &result)
	assert.True(t, result.Success)
	require.NotNil(t, result.RuleResults)
	assert.Len(t, result.RuleResults.MatchedRules, 1)
	assert.Len(t, s.store.AllActivities(), 1)

	// Idempotent unless forced
	rec = s.do(t, http.MethodPost, "/api/v1/emails", models.ProcessEmailRequest{Email: enquiry("msg-1", "guest@example.com")}, "")
	decode(t, rec, &result)
	assert.True(t, result.Skipped)

	rec = s.do(t, http.MethodPost, "/api/v1/emails/"+result.EmailID.String()+"/reprocess?force=false", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var skipped services.ProcessResult
	decode(t, rec, &skipped)
	assert.True(t, skipped.Skipped)

	rec = s.do(t, http.MethodPost, "/api/v1/emails/"+result.EmailID.String()+"/reprocess", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, s.store.AllActivities(), 1, "activity creation is idempotent per email")

	rec = s.do(t, http.MethodPost, "/api/v1/emails/"+uuid.NewString()+"/reprocess", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/emails", models.ProcessEmailRequest{Email: models.EmailRecord{Subject: "no id"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/emails/reprocess-pending?limit=10", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/emails/reprocess-pending?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmailEndpoints_Sync(t *testing.T) {
	s := newTestServer(t, Options{})
	ctx := context.Background()

	a, b := enquiry("msg-1", "one@example.com"), enquiry("msg-2", "two@example.com")
	req := models.SyncRequest{Mailbox: mailboxOwner, Emails: []*models.EmailRecord{&a, &b}}

	rec := s.do(t, http.MethodPost, "/api/v1/emails/sync", req, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary services.SyncSummary
	decode(t, rec, &summary)
	assert.Equal(t, 2, summary.Synced)

	held, err := distlock.NewLocker(s.redis, time.Minute).TryLock(ctx, "sync:"+mailboxOwner)
	require.NoError(t, err)
	require.NotNil(t, held)
	rec = s.do(t, http.MethodPost, "/api/v1/emails/sync", req, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, held.Release(ctx))

	for _, mailbox := range []string{"", "Sales <sales@villas.example>"} {
		rec = s.do(t, http.MethodPost, "/api/v1/emails/sync", models.SyncRequest{Mailbox: mailbox}, "")
		body := testutil.AssertErrorResponse(t, rec, http.StatusBadRequest, "")
		assert.Contains(t, body["fields"], "mailbox")
	}
}

func TestCategoryEndpoints(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(t, http.MethodPut, "/api/v1/categories/Web", map[string]string{"field_type": "source", "field_value": "Website"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/categories/Web", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var mapping models.FieldMapping
	decode(t, rec, &mapping)
	assert.Equal(t, "Website", mapping.FieldValue)

	rec = s.do(t, http.MethodPut, "/api/v1/categories/Web", map[string]string{"field_type": "owner", "field_value": "Alice"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/categories/Web", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/categories/Web", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpportunityEndpoints(t *testing.T) {
	s := newTestServer(t, Options{})
	ctx := context.Background()

	contact := &models.Contact{ID: uuid.New(), Name: "Guest", Email: "guest@example.com"}
	require.NoError(t, s.store.Contacts().Create(ctx, contact))
	opp := &models.Opportunity{ID: uuid.New(), ContactID: contact.ID, Title: "Villa Rosa", Value: 1000, Owner: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.store.Opportunities().Create(ctx, opp))
	base := "/api/v1/opportunities/" + opp.ID.String()

	rec := s.do(t, http.MethodGet, base+"/snapshot", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/status", models.StatusChangeRequest{Status: models.OpportunityStatusWon, ChangedBy: "bob"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, base+"/status", models.StatusChangeRequest{Status: models.OpportunityStatusWon, ChangedBy: "bob"}, "")
	testutil.AssertErrorResponse(t, rec, http.StatusConflict, string(models.ErrorKindConflict))

	rec = s.do(t, http.MethodGet, base+"/snapshot", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot models.CommissionSnapshot
	decode(t, rec, &snapshot)
	assert.Equal(t, int64(1000), snapshot.FinalValue)

	rec = s.do(t, http.MethodGet, base+"/audit-trail", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Entries []models.AuditTrailEntry `json:"entries"`
	}
	decode(t, rec, &trail)
	assert.Len(t, trail.Entries, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/opportunities/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticatedAPI(t *testing.T) {
	tokens := auth.NewJWTManager("secret", "crm-rules", time.Minute)
	s := newTestServer(t, Options{Tokens: tokens})

	admin, err := tokens.GenerateAccessToken("alice", []string{AdminRole})
	require.NoError(t, err)
	viewer, err := tokens.GenerateAccessToken("bob", []string{"viewer"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/rules", nil, "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/rules", nil, viewer).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/rules", enquiryRule(), viewer).Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/rules", enquiryRule(), admin).Code)
}
