package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/janhq/companion-memory/internal/interfaces/httpserver/responses"
	"github.com/rs/zerolog/log"
)

type KnowledgeHandler struct {
	kb *search.KnowledgeBase
}

func NewKnowledgeHandler(kb *search.KnowledgeBase) *KnowledgeHandler {
	return &KnowledgeHandler{kb: kb}
}

type knowledgeSearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// HandleSearch handles POST /v1/knowledge/search
func (h *KnowledgeHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req knowledgeSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode knowledge search request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
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

	matches, err := h.kb.Retrieve(r.Context(), req.Query, req.TopK)
	if err != nil {
		logger.Error().Err(err).Msg("Knowledge retrieval failed")
		responses.Error(w, r, statusFor(err), "knowledge retrieval failed")
		return
	}

	responses.JSON(w, r, http.StatusOK, map[string]interface{}{
		"results": matches,
		"count":   len(matches),
	})
}
