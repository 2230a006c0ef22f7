package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/auth"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/config"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/handlers"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/telemetry"
)

// Pinger reports whether the central store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the router exposes.
type Deps struct {
	Store     Pinger
	Ingest    handlers.IngestService
	Archive   handlers.Archive
	Reports   handlers.Reports
	Telemetry *telemetry.Hub
	Log       zerolog.Logger
}

// NewRouter wires public endpoints and device APIs.
// Public: /health, /ready, dashboard reads
// Device authenticated: /ingest, /ingest/stream, /upload-data, /gps-data, /pi-heartbeat
func NewRouter(cfg config.ServerConfig, d Deps) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLog(d.Log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Device group: every authenticated request counts as a heartbeat.
	deviceGroup := r.Group("/")
	deviceGroup.Use(auth.DeviceMiddleware(auth.NewKeyring(cfg.DeviceKeys)))
	deviceGroup.Use(func(c *gin.Context) {
		d.Telemetry.Heartbeats.Touch(auth.DeviceID(c))
		c.Next()
	})

	handlers.RegisterIngestRoutes(deviceGroup, d.Ingest)
	handlers.RegisterUploadRoutes(deviceGroup, d.Archive, cfg.MaxUploadBytes, d.Log)
	handlers.RegisterDeviceTelemetryRoutes(deviceGroup, d.Telemetry)

	// Dashboard group: read-only, no credentials.
	readGroup := r.Group("/")

	handlers.RegisterIngestHealthRoutes(readGroup, d.Ingest)
	handlers.RegisterReportRoutes(readGroup, d.Reports)
	handlers.RegisterLiveRoutes(readGroup, d.Telemetry)

	return r
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("device_id", auth.DeviceID(c)).
			Msg("request")
	}
}
