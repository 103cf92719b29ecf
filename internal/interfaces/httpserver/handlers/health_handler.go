package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/janhq/companion-memory/internal/interfaces/httpserver/responses"
	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = time.Second

// HealthChecker is a backing dependency that can report its own reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	kb    *search.KnowledgeBase
	redis HealthChecker
}

// NewHealthHandler creates the /healthz handler. redis may be nil when the
// embedding cache is not redis backed.
func NewHealthHandler(kb *search.KnowledgeBase, redis HealthChecker) *HealthHandler {
	return &HealthHandler{kb: kb, redis: redis}
}

// HandleHealth handles GET /healthz. A redis outage only degrades the
// embedding cache, so it is reported without failing the probe.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":          "healthy",
		"service":         "companion-memory",
		"knowledge_ready": h.kb.Ready(),
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := h.redis.HealthCheck(ctx); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("Embedding cache redis is unreachable")
			body["status"] = "degraded"
			body["redis"] = "unavailable"
		} else {
			body["redis"] = "ok"
		}
	}

	responses.JSON(w, r, http.StatusOK, body)
}
