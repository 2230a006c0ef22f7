package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/auth"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/ingest"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// IngestService is what the ingestion endpoints need from internal/ingest.
type IngestService interface {
	Ingest(ctx context.Context, caller string, req models.IngestRequest) (models.IngestResponse, error)
	IngestStream(ctx context.Context, caller, device string, sinceSeq int64, src ingest.Source) (models.IngestResponse, error)
	Health(ctx context.Context) (models.IngestHealth, error)
}

// RegisterIngestRoutes registers the device ingestion endpoints.
//
// POST /ingest
// - Requires device credentials
// - Durable: returns ack_seq only after the batch transaction commits
// - Idempotent: duplicates detected via (device_id, event_id) uniqueness
//
// POST /ingest/stream?since_seq=N&device_id=...
// - Body is NDJSON, or msgpack values with Content-Type application/msgpack
// - Committed in chunks; a retry deduplicates what already landed
func RegisterIngestRoutes(r gin.IRoutes, svc IngestService) {
	r.POST("/ingest", func(c *gin.Context) {
		var req models.IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		resp, err := svc.Ingest(c.Request.Context(), auth.DeviceID(c), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/ingest/stream", func(c *gin.Context) {
		var since int64
		if raw := c.Query("since_seq"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since_seq must be a non-negative integer"})
				return
			}
			since = v
		}

		src := ingest.NewStreamSource(c.ContentType(), c.Request.Body)
		resp, err := svc.IngestStream(c.Request.Context(), auth.DeviceID(c), c.Query("device_id"), since, src)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})
}

// RegisterIngestHealthRoutes registers the read-only sync diagnostics.
//
// GET /ingest/health
func RegisterIngestHealthRoutes(r gin.IRoutes, svc IngestService) {
	r.GET("/ingest/health", func(c *gin.Context) {
		h, err := svc.Health(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, h)
	})
}
