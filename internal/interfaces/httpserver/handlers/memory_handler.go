package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/janhq/companion-memory/internal/interfaces/httpserver/responses"
	"github.com/janhq/companion-memory/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const maxSearchTopK = 50

type MemoryHandler struct {
	service  *memory.Service
	kb       *search.KnowledgeBase
	redactor *telemetry.Redactor
}

// NewMemoryHandler creates the memory endpoints. kb may be nil, in which case
// include_knowledge is ignored.
func NewMemoryHandler(service *memory.Service, kb *search.KnowledgeBase, redactor *telemetry.Redactor) *MemoryHandler {
	return &MemoryHandler{service: service, kb: kb, redactor: redactor}
}

type contextRequest struct {
	UserID           string `json:"user_id"`
	Message          string `json:"message"`
	IncludeKnowledge bool   `json:"include_knowledge,omitempty"`
}

type contextResponse struct {
	*memory.ConversationMemoryContext
	Formatted        string   `json:"formatted"`
	KnowledgeContext []string `json:"knowledge_context,omitempty"`
}

type processRequest struct {
	UserID           string `json:"user_id"`
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
}

type processResponse struct {
	MemoriesCreated int                    `json:"memories_created"`
	Memories        []*memory.MemoryRecord `json:"memories"`
}

type endSessionRequest struct {
	UserID   string           `json:"user_id"`
	Messages []memory.Message `json:"messages"`
}

type endSessionResponse struct {
	SummaryCreated bool                 `json:"summary_created"`
	Summary        *memory.MemoryRecord `json:"summary,omitempty"`
}

type searchRequest struct {
	UserID        string   `json:"user_id"`
	Query         string   `json:"query"`
	Types         []string `json:"types,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	MinImportance float64  `json:"min_importance,omitempty"`
}

type deleteRequest struct {
	UserID   string `json:"user_id"`
	MemoryID string `json:"memory_id"`
}

type clearRequest struct {
	UserID string `json:"user_id"`
}

// HandleContext handles POST /v1/memory/context
func (h *MemoryHandler) HandleContext(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode context request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	logger.Info().
		Str("user_id", h.redactor.UserID(req.UserID)).
		Str("message", h.redactor.Text(req.Message)).
		Msg("Memory context request received")

	mc := h.service.GetConversationContext(r.Context(), req.UserID, req.Message)
	resp := contextResponse{
		ConversationMemoryContext: mc,
		Formatted:                 memory.FormatContextForPrompt(mc),
	}
	if req.IncludeKnowledge && h.kb != nil && req.Message != "" {
		resp.KnowledgeContext = h.kb.Contexts(r.Context(), req.Message)
	}

	responses.JSON(w, r, http.StatusOK, resp)
}

// HandleProcess handles POST /v1/memory/process
func (h *MemoryHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode process request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_message is required")
		return
	}

	created, err := h.service.ProcessConversationForMemories(r.Context(), req.UserID, req.UserMessage, req.AssistantMessage)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to process conversation")
		responses.Error(w, r, statusFor(err), "failed to process conversation")
		return
	}

	responses.JSON(w, r, http.StatusOK, processResponse{
		MemoriesCreated: len(created),
		Memories:        created,
	})
}

// HandleEndSession handles POST /v1/memory/session/end
func (h *MemoryHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode session end request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	logger.Info().
		Str("user_id", h.redactor.UserID(req.UserID)).
		Int("message_count", len(req.Messages)).
		Msg("Session end request received")

	summary, err := h.service.EndSession(r.Context(), req.UserID, req.Messages)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store session summary")
		responses.Error(w, r, statusFor(err), "failed to store session summary")
		return
	}

	responses.JSON(w, r, http.StatusOK, endSessionResponse{
		SummaryCreated: summary != nil,
		Summary:        summary,
	})
}

// HandleStats handles GET /v1/memory/stats
func (h *MemoryHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	responses.JSON(w, r, http.StatusOK, h.service.GetMemoryStats(r.Context(), userID))
}

// HandleList handles GET /v1/memory/list
func (h *MemoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	var raw []string
	if t := r.URL.Query().Get("types"); t != "" {
		raw = strings.Split(t, ",")
	}
	types, err := parseTypes(raw)
	if err != nil {
		responses.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}

	memories := h.service.Store().GetUserMemories(r.Context(), userID, types)
	responses.JSON(w, r, http.StatusOK, map[string]interface{}{
		"memories": memories,
		"count":    len(memories),
	})
}

// HandleSearch handles POST /v1/memory/search
func (h *MemoryHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode search request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Query == "" {
		responses.Error(w, r, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK < 0 || req.TopK > maxSearchTopK {
		responses.Error(w, r, http.StatusBadRequest, "top_k must be between 1 and 50")
		return
	}
	types, err := parseTypes(req.Types)
	if err != nil {
		responses.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.service.Store().Search(r.Context(), req.UserID, req.Query, memory.SearchOptions{
		Types:         types,
		TopK:          req.TopK,
		MinImportance: req.MinImportance,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to search memories")
		responses.Error(w, r, statusFor(err), "failed to search memories")
		return
	}

	responses.JSON(w, r, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// HandleDelete handles POST /v1/memory/delete
func (h *MemoryHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode delete request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" || req.MemoryID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id and memory_id are required")
		return
	}

	if !h.service.Store().DeleteMemory(r.Context(), req.UserID, req.MemoryID) {
		responses.Error(w, r, http.StatusNotFound, "memory not found")
		return
	}

	responses.JSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"memory_id": req.MemoryID,
	})
}

// HandleClear handles POST /v1/memory/clear
func (h *MemoryHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode clear request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		responses.Error(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	count := h.service.ClearMemories(r.Context(), req.UserID)
	responses.JSON(w, r, http.StatusOK, map[string]interface{}{
		"deleted_count": count,
	})
}

func parseTypes(raw []string) ([]memory.MemoryType, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	types := make([]memory.MemoryType, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		t, err := memory.ParseMemoryType(s)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// statusFor maps the memory failure classes onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrValidationRejected):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
