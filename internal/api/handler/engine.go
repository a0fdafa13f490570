package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/service"
)

// EngineHandler exposes the dedup engine's write path.
type EngineHandler struct {
	engine *service.Engine
}

// NewEngineHandler creates a new engine handler.
func NewEngineHandler(engine *service.Engine) *EngineHandler {
	return &EngineHandler{engine: engine}
}

// Resolve handles POST /api/v1/candidates.
func (h *EngineHandler) Resolve(c *gin.Context) {
	var req domain.Candidate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := h.engine.Resolve(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	c.JSON(status, out)
}

// Enrich handles POST /api/v1/templates/:id/enrichment.
func (h *EngineHandler) Enrich(c *gin.Context) {
	var patch domain.EnrichmentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	if err := h.engine.MergeTemplate(c.Request.Context(), id, &patch); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template_id": id})
}

// AdvanceStatus handles POST /api/v1/status.
func (h *EngineHandler) AdvanceStatus(c *gin.Context) {
	var req domain.StatusAdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	changed, err := h.engine.AdvanceStatus(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entity_id":   req.EntityID,
		"entity_kind": req.EntityKind,
		"status":      req.TargetStatus,
		"changed":     changed,
	})
}

// DeleteTemplate handles DELETE /api/v1/templates/:id.
func (h *EngineHandler) DeleteTemplate(c *gin.Context) {
	if err := h.engine.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Samples handles GET /api/v1/templates/samples.
func (h *EngineHandler) Samples(c *gin.Context) {
	rows, err := h.engine.TemplatesWithSamples(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"templates": rows,
		"total":     len(rows),
	})
}
