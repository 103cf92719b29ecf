package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/janhq/companion-memory/internal/domain/crisis"
	"github.com/janhq/companion-memory/internal/interfaces/httpserver/responses"
	"github.com/rs/zerolog/log"
)

type CrisisHandler struct {
	detector *crisis.KeywordDetector
}

func NewCrisisHandler(detector *crisis.KeywordDetector) *CrisisHandler {
	return &CrisisHandler{detector: detector}
}

type crisisRequest struct {
	Message string `json:"message"`
}

// HandleDetect handles POST /v1/crisis/detect
func (h *CrisisHandler) HandleDetect(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	if logger == nil {
		logger = &log.Logger
	}

	if r.Method != http.MethodPost {
		responses.Error(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req crisisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode crisis request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	assessment := h.detector.Assess(req.Message)
	if assessment.IsCrisis {
		logger.Warn().Str("intent", assessment.Intent).Msg("Crisis signal detected")
	}

	responses.JSON(w, r, http.StatusOK, assessment)
}
