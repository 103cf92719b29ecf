package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/janhq/companion-memory/internal/domain/crisis"
	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneHotEmbedder gives each distinct text its own axis, so no two texts merge.
type oneHotEmbedder struct {
	mu   sync.Mutex
	axis map[string]int
}

func (e *oneHotEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.axis == nil {
		e.axis = map[string]int{}
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		idx, ok := e.axis[text]
		if !ok {
			idx = len(e.axis)
			e.axis[text] = idx
		}
		vec := make([]float32, 128)
		vec[idx%128] = 1
		out[i] = vec
	}
	return out, nil
}

func (e *oneHotEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	out, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

type staticExtractor struct {
	requests []memory.AddMemoryRequest
	summary  string
}

func (e staticExtractor) ExtractFromConversation(ctx context.Context, userID, userMessage, assistantMessage string) []memory.AddMemoryRequest {
	out := make([]memory.AddMemoryRequest, len(e.requests))
	for i, req := range e.requests {
		req.UserID = userID
		out[i] = req
	}
	return out
}

func (e staticExtractor) GenerateSessionSummary(ctx context.Context, messages []memory.Message) (string, error) {
	return e.summary, nil
}

func newTestMemoryHandler(extractor staticExtractor) *MemoryHandler {
	store := memory.NewStore(&oneHotEmbedder{}, search.NewRanker(search.RankerConfig{}), nil, memory.StoreConfig{})
	svc := memory.NewService(store, extractor, crisis.NewKeywordDetector(), nil, memory.ServiceConfig{})
	items, _ := search.LoadKnowledge("")
	kb := search.NewKnowledgeBase(items, &oneHotEmbedder{}, search.NewRanker(search.RankerConfig{}), 5)
	return NewMemoryHandler(svc, kb, nil)
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(method, target, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMemoryHandler_ProcessThenContext(t *testing.T) {
	h := newTestMemoryHandler(staticExtractor{requests: []memory.AddMemoryRequest{
		{MemoryType: memory.MemoryTypeGoal, Content: "想考研", Importance: 0.8},
	}})

	rec := doJSON(t, h.HandleProcess, http.MethodPost, "/v1/memory/process", processRequest{
		UserID: "u1", UserMessage: "我打算明年考研", AssistantMessage: "很棒的目标",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["memories_created"])

	rec = doJSON(t, h.HandleContext, http.MethodPost, "/v1/memory/context", contextRequest{UserID: "u1", Message: "考研的事"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "目标：想考研", body["user_profile_summary"])
	assert.Contains(t, body["formatted"], "## 用户档案\n目标：想考研")
	assert.Equal(t, []interface{}{"想考研"}, body["key_reminders"])
	assert.NotContains(t, body, "knowledge_context")

	rec = doJSON(t, h.HandleContext, http.MethodPost, "/v1/memory/context", contextRequest{UserID: "u1", Message: "我很孤独", IncludeKnowledge: true})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Contains(t, body, "knowledge_context")
	assert.NotEmpty(t, body["knowledge_context"])
}

func TestMemoryHandler_ProcessCrisis(t *testing.T) {
	h := newTestMemoryHandler(staticExtractor{})

	rec := doJSON(t, h.HandleProcess, http.MethodPost, "/v1/memory/process", processRequest{
		UserID: "u1", UserMessage: "我想自杀", AssistantMessage: "请联系热线",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.MemoriesCreated)
	assert.Equal(t, memory.MemoryTypeEvent, resp.Memories[0].MemoryType)
	assert.Equal(t, 1.0, resp.Memories[0].Importance)
}

func TestMemoryHandler_Validation(t *testing.T) {
	h := newTestMemoryHandler(staticExtractor{})

	tests := []struct {
		name    string
		handler http.HandlerFunc
		method  string
		target  string
		body    interface{}
		want    int
	}{
		{"context wrong method", h.HandleContext, http.MethodGet, "/v1/memory/context", nil, http.StatusMethodNotAllowed},
		{"context missing user", h.HandleContext, http.MethodPost, "/v1/memory/context", contextRequest{Message: "hi"}, http.StatusBadRequest},
		{"process missing message", h.HandleProcess, http.MethodPost, "/v1/memory/process", processRequest{UserID: "u1"}, http.StatusBadRequest},
		{"stats missing user", h.HandleStats, http.MethodGet, "/v1/memory/stats", nil, http.StatusBadRequest},
		{"list bad type", h.HandleList, http.MethodGet, "/v1/memory/list?user_id=u1&types=hobby", nil, http.StatusBadRequest},
		{"search missing query", h.HandleSearch, http.MethodPost, "/v1/memory/search", searchRequest{UserID: "u1"}, http.StatusBadRequest},
		{"search top_k too large", h.HandleSearch, http.MethodPost, "/v1/memory/search", searchRequest{UserID: "u1", Query: "q", TopK: 500}, http.StatusBadRequest},
		{"delete missing id", h.HandleDelete, http.MethodPost, "/v1/memory/delete", deleteRequest{UserID: "u1"}, http.StatusBadRequest},
		{"clear wrong method", h.HandleClear, http.MethodGet, "/v1/memory/clear", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, tt.handler, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMemoryHandler_InvalidBody(t *testing.T) {
	h := newTestMemoryHandler(staticExtractor{})

	rec := httptest.NewRecorder()
	h.HandleSearch(rec, httptest.NewRequest(http.MethodPost, "/v1/memory/search", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decode(t, rec)["error"])
}

func TestMemoryHandler_ListSearchDeleteClear(t *testing.T) {
	h := newTestMemoryHandler(staticExtractor{requests: []memory.AddMemoryRequest{
		{MemoryType: memory.MemoryTypeConcern, Content: "担心父母身体", Importance: 0.7},
		{MemoryType: memory.MemoryTypeCoping, Content: "写日记", Importance: 0.5},
	}})

	rec := doJSON(t, h.HandleProcess, http.MethodPost, "/v1/memory/process", processRequest{UserID: "u1", UserMessage: "最近担心父母身体"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h.HandleList, http.MethodGet, "/v1/memory/list?user_id=u1&types=coping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = doJSON(t, h.HandleSearch, http.MethodPost, "/v1/memory/search", searchRequest{UserID: "u1", Query: "父母", MinImportance: 0.6})
	require.Equal(t, http.StatusOK, rec.Code)
	var found struct {
		Results []memory.MemorySearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.Len(t, found.Results, 1)
	memoryID := found.Results[0].Memory.ID

	rec = doJSON(t, h.HandleDelete, http.MethodPost, "/v1/memory/delete", deleteRequest{UserID: "u1", MemoryID: memoryID})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h.HandleDelete, http.MethodPost, "/v1/memory/delete", deleteRequest{UserID: "u1", MemoryID: memoryID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h.HandleStats, http.MethodGet, "/v1/memory/stats?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total_memories"])

	rec = doJSON(t, h.HandleClear, http.MethodPost, "/v1/memory/clear", clearRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["deleted_count"])
}

func TestMemoryHandler_EndSession(t *testing.T) {
	h := newTestMemoryHandler(staticExtractor{summary: "用户聊了考试焦虑"})

	rec := doJSON(t, h.HandleEndSession, http.MethodPost, "/v1/memory/session/end", endSessionRequest{
		UserID:   "u1",
		Messages: []memory.Message{{Role: "user", Content: "考试好紧张"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp endSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.SummaryCreated)
	require.NotNil(t, resp.Summary)
	assert.Equal(t, memory.MemoryTypeSummary, resp.Summary.MemoryType)

	h = newTestMemoryHandler(staticExtractor{})
	rec = doJSON(t, h.HandleEndSession, http.MethodPost, "/v1/memory/session/end", endSessionRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["summary_created"])
}

func TestKnowledgeHandler_Search(t *testing.T) {
	items, err := search.LoadKnowledge("")
	require.NoError(t, err)
	h := NewKnowledgeHandler(search.NewKnowledgeBase(items, &oneHotEmbedder{}, search.NewRanker(search.RankerConfig{}), 5))

	rec := doJSON(t, h.HandleSearch, http.MethodPost, "/v1/knowledge/search", knowledgeSearchRequest{Query: "晚上总是失眠"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []search.KnowledgeMatch `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "sleep", resp.Results[0].Topic)

	rec = doJSON(t, h.HandleSearch, http.MethodPost, "/v1/knowledge/search", knowledgeSearchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrisisHandler_Detect(t *testing.T) {
	h := NewCrisisHandler(crisis.NewKeywordDetector())

	rec := doJSON(t, h.HandleDetect, http.MethodPost, "/v1/crisis/detect", crisisRequest{Message: "我不想活了"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["is_crisis"])
	assert.Equal(t, crisis.IntentCrisis, body["intent"])
	assert.Equal(t, crisis.Resources, body["resources"])

	rec = doJSON(t, h.HandleDetect, http.MethodPost, "/v1/crisis/detect", crisisRequest{Message: "工作上和同事有矛盾"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["is_crisis"])
	assert.Equal(t, "work", body["intent"])
	assert.NotContains(t, body, "resources")
}

type stubChecker struct {
	err error
}

func (c stubChecker) HealthCheck(ctx context.Context) error { return c.err }

func TestHealthHandler(t *testing.T) {
	items, err := search.LoadKnowledge("")
	require.NoError(t, err)
	kb := search.NewKnowledgeBase(items, &oneHotEmbedder{}, search.NewRanker(search.RankerConfig{}), 5)

	tests := []struct {
		name       string
		redis      HealthChecker
		wantStatus string
		wantRedis  interface{}
	}{
		{"no redis", nil, "healthy", nil},
		{"redis reachable", stubChecker{}, "healthy", "ok"},
		{"redis down", stubChecker{err: errors.New("dial tcp: connection refused")}, "degraded", "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(kb, tt.redis)

			rec := doJSON(t, h.HandleHealth, http.MethodGet, "/healthz", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, false, body["knowledge_ready"])
			assert.Equal(t, tt.wantRedis, body["redis"])
		})
	}
}
