package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sb-analytics/pipeline/internal/privacy"
)

// optOutRequest is POST /v1/opt-out's body. Struct tags drive gin's
// bound-in go-playground/validator/v10 instance.
type optOutRequest struct {
	AppUUID    string `json:"app_uuid" binding:"required,uuid"`
	AnonUserID string `json:"anon_user_id" binding:"required,min=4"`
}

// privacyDeleteRequest is POST /v1/privacy/delete's body.
type privacyDeleteRequest struct {
	AppUUID      string `json:"app_uuid" binding:"required,uuid"`
	AnonUserID   string `json:"anon_user_id" binding:"required,min=4"`
	DeleteOptOut bool   `json:"delete_opt_out"`
}

// RegisterRoutes wires the ingest, opt-out and privacy-delete endpoints
// onto an already-authenticated route group. ingestLimiter and
// privacyLimiter are applied per-route so /v1/events and the privacy
// endpoints draw from independent rate-limit budgets.
func RegisterRoutes(rg gin.IRoutes, svc *Service, pool *pgxpool.Pool, ingestLimiter, privacyLimiter gin.HandlerFunc) {
	rg.POST("/v1/events", ingestLimiter, func(c *gin.Context) {
		var docs []map[string]any
		if err := c.ShouldBindJSON(&docs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a non-empty JSON array"})
			return
		}
		if len(docs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a non-empty JSON array"})
			return
		}

		result, err := svc.IngestBatch(c.Request.Context(), docs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
			return
		}

		// spec.md §6: 422 in strict mode when every item in the batch was
		// rejected outright; any partial accept (including pure dedup) is
		// still a 200.
		if svc.StrictEnvelope() && result.Accepted == 0 && result.Deduped == 0 && len(result.Rejected) == len(docs) {
			c.JSON(http.StatusUnprocessableEntity, result)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	rg.POST("/v1/opt-out", privacyLimiter, func(c *gin.Context) {
		var req optOutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := privacy.OptOut(c.Request.Context(), pool, req.AppUUID, req.AnonUserID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "opt-out failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	rg.POST("/v1/privacy/delete", privacyLimiter, func(c *gin.Context) {
		var req privacyDeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := privacy.DeleteUser(c.Request.Context(), pool, req.AppUUID, req.AnonUserID, req.DeleteOptOut)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"app_uuid":     result.AppUUID,
			"anon_user_id": result.AnonUserID,
			"deleted":      result.Deleted,
			"notes":        result.Notes,
		})
	})
}
