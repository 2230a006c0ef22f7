package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/auth"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/telemetry"
)

// RegisterDeviceTelemetryRoutes registers the endpoints devices report to.
//
// POST /gps-data
// POST /pi-heartbeat
func RegisterDeviceTelemetryRoutes(r gin.IRoutes, hub *telemetry.Hub) {
	r.POST("/gps-data", func(c *gin.Context) {
		var report telemetry.GPSReport
		if err := c.ShouldBindJSON(&report); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		p, err := hub.Positions.Record(c.Request.Context(), auth.DeviceID(c), report)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "id": p.ID})
	})

	r.POST("/pi-heartbeat", func(c *gin.Context) {
		hub.Heartbeats.Touch(auth.DeviceID(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": models.UnixSeconds(time.Now())})
	})
}

// RegisterLiveRoutes registers the dashboard live views.
//
// GET /pi-live-status
// GET /vehicle-locations
// GET /vehicle-locations/stream (server-sent events, one "vehicles" event per broadcast)
func RegisterLiveRoutes(r gin.IRoutes, hub *telemetry.Hub) {
	r.GET("/pi-live-status", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Heartbeats.Status())
	})

	r.GET("/vehicle-locations", func(c *gin.Context) {
		vehicles, err := hub.Positions.Vehicles(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"vehicles": vehicles, "timestamp": models.UnixSeconds(time.Now())})
	})

	r.GET("/vehicle-locations/stream", func(c *gin.Context) {
		ch, unsubscribe, err := hub.Broadcaster.Subscribe("sse-"+uuid.NewString(), 1)
		if err != nil {
			writeError(c, err)
			return
		}
		defer unsubscribe()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")

		if vehicles, err := hub.Positions.Vehicles(c.Request.Context()); err == nil {
			c.SSEvent("vehicles", telemetry.Snapshot{At: time.Now().UTC(), Vehicles: vehicles})
			c.Writer.Flush()
		}

		ctx := c.Request.Context()
		c.Stream(func(_ io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case s, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("vehicles", s)
				return true
			}
		})
	})
}
