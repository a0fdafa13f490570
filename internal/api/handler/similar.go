package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/memedex/internal/domain"
)

const defaultTopK = 10

// PerceptualQuery is the body of POST /api/v1/similar/phash.
// MaxDistance defaults to the near-duplicate threshold.
type PerceptualQuery struct {
	Hash        string `json:"hash" binding:"required"`
	MaxDistance *int   `json:"max_distance"`
}

// EmbeddingQuery is the body of POST /api/v1/similar/embedding.
type EmbeddingQuery struct {
	Space  domain.EmbeddingSpace `json:"space" binding:"required"`
	Vector []float32             `json:"vector" binding:"required"`
	TopK   int                   `json:"top_k"`
}

// SimilarByPerceptualHash handles POST /api/v1/similar/phash.
func (h *EngineHandler) SimilarByPerceptualHash(c *gin.Context) {
	var req PerceptualQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	maxDistance := h.engine.PHashThreshold()
	if req.MaxDistance != nil {
		maxDistance = *req.MaxDistance
	}

	matches, err := h.engine.FindSimilarByPerceptualHash(c.Request.Context(), req.Hash, maxDistance)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": matches,
		"total":   len(matches),
	})
}

// SimilarByEmbedding handles POST /api/v1/similar/embedding.
func (h *EngineHandler) SimilarByEmbedding(c *gin.Context) {
	var req EmbeddingQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	matches, err := h.engine.FindSimilarByEmbedding(c.Request.Context(), req.Space, req.Vector, req.TopK)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": matches,
		"total":   len(matches),
	})
}
