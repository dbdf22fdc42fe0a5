package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/gateway"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/account"
	"github.com/ctenopoma/llm-gateway/internal/services/balancer"
	"github.com/ctenopoma/llm-gateway/internal/services/budget"
	"github.com/ctenopoma/llm-gateway/internal/services/endpoint"
	"github.com/ctenopoma/llm-gateway/internal/services/key"
	"github.com/ctenopoma/llm-gateway/internal/services/proxy"
	"github.com/ctenopoma/llm-gateway/internal/services/ratelimit"
	"github.com/ctenopoma/llm-gateway/internal/services/usage"
)

// --- fakes ---------------------------------------------------------------

type memKeySource struct {
	mu   sync.Mutex
	keys map[uuid.UUID]*models.APIKey
}

func (m *memKeySource) ActiveKeys(ctx context.Context) ([]models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (m *memKeySource) KeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (m *memKeySource) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

type memAccountStore struct {
	mu    sync.Mutex
	users map[string]*models.User
	costs map[string]float64
}

func (m *memAccountStore) UserByOID(ctx context.Context, oid string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[oid]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memAccountStore) AppByID(ctx context.Context, appID string) (*models.App, error) {
	return nil, nil
}

func (m *memAccountStore) MarkExpired(ctx context.Context, oid string) error { return nil }

func (m *memAccountStore) AddUserCost(ctx context.Context, oid string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.costs == nil {
		m.costs = map[string]float64{}
	}
	m.costs[oid] += amount
	return nil
}

func (m *memAccountStore) BulkExpireUsers(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type memBudgetStore struct {
	mu    sync.Mutex
	usage map[uuid.UUID]float64
}

func (m *memBudgetStore) ResetMonth(ctx context.Context, keyID uuid.UUID, month string) error {
	return nil
}

func (m *memBudgetStore) AddKeyUsage(ctx context.Context, keyID uuid.UUID, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage == nil {
		m.usage = map[uuid.UUID]float64{}
	}
	m.usage[keyID] += amount
	return nil
}

type memModelSource struct {
	models map[string]*models.Model
}

func (m *memModelSource) ModelByID(ctx context.Context, id string) (*models.Model, error) {
	mdl, ok := m.models[id]
	if !ok {
		return nil, nil
	}
	cp := *mdl
	return &cp, nil
}

func (m *memModelSource) ActiveModels(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	for _, mdl := range m.models {
		if mdl.IsActive {
			out = append(out, *mdl)
		}
	}
	return out, nil
}

type memEndpointSource struct {
	rows []models.ModelEndpoint
}

func (m *memEndpointSource) ActiveEndpoints(ctx context.Context) ([]models.ModelEndpoint, error) {
	return m.rows, nil
}

type memRecordStore struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (m *memRecordStore) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecordStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	return 0, nil
}

// --- fixture -------------------------------------------------------------

type chatFixture struct {
	handler   *ChatHandler
	keySource *memKeySource
	budgets   *memBudgetStore
	accounts  *memAccountStore
	records   *memRecordStore
	epSource  *memEndpointSource
	registry  *endpoint.Registry
	plaintext string
	apiKey    *models.APIKey
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gen, err := key.Generate(key.DefaultPrefix)
	require.NoError(t, err)

	limit := 100.0
	apiKey := &models.APIKey{
		BaseModel:      models.BaseModel{ID: uuid.New()},
		UserOID:        "user-1",
		HashedKey:      gen.HashedKey,
		Salt:           gen.Salt,
		RateLimitRPM:   60,
		BudgetMonthly:  &limit,
		LastResetMonth: models.CurrentMonth(time.Now()),
		IsActive:       true,
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			AdmissionTimeout: 5 * time.Second,
			MaxBodyBytes:     1 << 20,
		},
		Gateway: config.GatewayConfig{
			KeyPrefix:    key.DefaultPrefix,
			DefaultModel: "gpt-test",
		},
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60},
		Budget:    config.BudgetConfig{SoftLimitRatio: 0.8, ReservationGrace: time.Minute},
	}

	f := &chatFixture{
		keySource: &memKeySource{keys: map[uuid.UUID]*models.APIKey{apiKey.ID: apiKey}},
		budgets:   &memBudgetStore{},
		accounts: &memAccountStore{users: map[string]*models.User{
			"user-1": {OID: "user-1", PaymentStatus: models.PaymentStatusActive},
		}},
		records:   &memRecordStore{},
		epSource:  &memEndpointSource{},
		plaintext: gen.Plaintext,
		apiKey:    apiKey,
	}

	modelSrc := &memModelSource{models: map[string]*models.Model{
		"gpt-test": {
			ID:                   "gpt-test",
			UpstreamName:         "upstream-test",
			InputCostPerMillion:  100,
			OutputCostPerMillion: 200,
			ContextWindow:        8192,
			MaxOutputTokens:      256,
			SupportsStreaming:    true,
			MaxRetries:           1,
			IsActive:             true,
		},
	}}

	keys := key.NewStore(f.keySource, rdb, logger, key.DefaultPrefix, time.Minute, 5*time.Second)
	accounts := account.NewService(f.accounts, logger)
	reserver := budget.NewReserver(rdb, f.budgets, logger, time.Minute, 0.8, nil)
	pipeline := gateway.NewPipeline(cfg, keys, accounts,
		ratelimit.NewLimiter(rdb, logger), reserver, modelSrc, logger)

	f.registry = endpoint.NewRegistry(f.epSource, logger)
	dispatcher := gateway.NewDispatcher(f.registry, balancer.New(f.registry, logger),
		proxy.NewEngine(logger), modelSrc, logger)

	recorder := usage.NewRecorder(f.records, nil, logger)
	f.handler = NewChatHandler(cfg, pipeline, dispatcher, reserver, accounts, recorder, logger)
	return f
}

func (f *chatFixture) addEndpoint(t *testing.T, baseURL string) {
	t.Helper()
	f.epSource.rows = append(f.epSource.rows, models.ModelEndpoint{
		BaseModel:      models.BaseModel{ID: uuid.New()},
		ModelID:        "gpt-test",
		EndpointType:   models.EndpointTypeVLLM,
		BaseURL:        baseURL,
		TimeoutSeconds: 5,
		IsActive:       true,
	})
	require.NoError(t, f.registry.Reload(context.Background()))
}

func (f *chatFixture) do(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.plaintext)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	f.handler.Completions(w, req)
	return w
}

const chatJSON = `{"model":"gpt-test","messages":[{"role":"user","content":"hello there"}]}`

func upstreamOK(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-up","object":"chat.completion","model":"upstream-test",`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12,`+
			`"cache_creation_tokens":4,"cache_read_tokens":3}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- tests ---------------------------------------------------------------

func TestCompletionsHappyPath(t *testing.T) {
	f := newChatFixture(t)
	f.addEndpoint(t, upstreamOK(t).URL)

	w := f.do(t, chatJSON)

	require.Equal(t, http.StatusOK, w.Code)
	var resp proxy.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gpt-test", resp.Model)

	// One completed usage record, cost settled on the key and the user.
	f.records.mu.Lock()
	require.Len(t, f.records.records, 1)
	rec := f.records.records[0]
	f.records.mu.Unlock()
	assert.Equal(t, models.UsageStatusCompleted, rec.Status)
	assert.Equal(t, 5, rec.InputTokens)
	assert.Equal(t, 7, rec.OutputTokens)
	assert.Equal(t, 4, rec.CacheCreateTokens)
	assert.Equal(t, 3, rec.CacheReadTokens)
	assert.Greater(t, rec.Cost, 0.0)
	require.NotNil(t, rec.APIKeyID)
	assert.Equal(t, f.apiKey.ID, *rec.APIKeyID)

	f.budgets.mu.Lock()
	assert.InDelta(t, rec.Cost, f.budgets.usage[f.apiKey.ID], 1e-9)
	f.budgets.mu.Unlock()

	f.accounts.mu.Lock()
	assert.InDelta(t, rec.Cost, f.accounts.costs["user-1"], 1e-9)
	f.accounts.mu.Unlock()
}

func TestCompletionsUnauthorized(t *testing.T) {
	f := newChatFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatJSON))
	w := httptest.NewRecorder()
	f.handler.Completions(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)
	// Rejected before admission: no usage record.
	assert.Empty(t, f.records.records)
}

func TestCompletionsBudgetExceeded(t *testing.T) {
	f := newChatFixture(t)
	tiny := 0.00001
	f.apiKey.BudgetMonthly = &tiny
	f.addEndpoint(t, upstreamOK(t).URL)

	w := f.do(t, chatJSON)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), `"budget_exceeded"`)
	assert.Empty(t, f.records.records)
}

func TestCompletionsNoEndpoint(t *testing.T) {
	f := newChatFixture(t)

	w := f.do(t, chatJSON)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"no_endpoint"`)

	// Admitted, so a failed usage record exists and nothing was charged.
	f.records.mu.Lock()
	require.Len(t, f.records.records, 1)
	rec := f.records.records[0]
	f.records.mu.Unlock()
	assert.Equal(t, models.UsageStatusFailed, rec.Status)
	assert.Equal(t, "no_endpoint", rec.ErrorCode)
	assert.Zero(t, rec.Cost)

	f.budgets.mu.Lock()
	assert.Zero(t, f.budgets.usage[f.apiKey.ID])
	f.budgets.mu.Unlock()
}

func TestCompletionsUpstreamFailure(t *testing.T) {
	f := newChatFixture(t)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)
	f.addEndpoint(t, failing.URL)

	w := f.do(t, chatJSON)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"upstream_500"`)

	f.records.mu.Lock()
	require.Len(t, f.records.records, 1)
	assert.Equal(t, models.UsageStatusFailed, f.records.records[0].Status)
	f.records.mu.Unlock()
}

func TestCompletionsStreaming(t *testing.T) {
	f := newChatFixture(t)
	streamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"c1","object":"chat.completion.chunk","model":"upstream-test","choices":[{"index":0,"delta":{"role":"assistant","content":"hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"upstream-test","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, fr := range frames {
			fmt.Fprintf(w, "data: %s\n\n", fr)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(streamSrv.Close)
	f.addEndpoint(t, streamSrv.URL)

	body := `{"model":"gpt-test","stream":true,"messages":[{"role":"user","content":"hello there"}]}`
	w := f.do(t, body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"model":"gpt-test"`)
	assert.Contains(t, w.Body.String(), "data: [DONE]")

	f.records.mu.Lock()
	require.Len(t, f.records.records, 1)
	rec := f.records.records[0]
	f.records.mu.Unlock()
	assert.Equal(t, models.UsageStatusCompleted, rec.Status)
	assert.True(t, rec.Streamed)
	assert.Equal(t, 2, rec.OutputTokens)
	require.NotNil(t, rec.TTFTMS)
}

func TestCompletionsBodyTooLarge(t *testing.T) {
	f := newChatFixture(t)
	big := fmt.Sprintf(`{"model":"gpt-test","messages":[{"role":"user","content":"%s"}]}`,
		strings.Repeat("a", 2<<20))

	w := f.do(t, big)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
