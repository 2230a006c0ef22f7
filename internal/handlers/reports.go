package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/aggregate"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// Reports is the read side served to the dashboard.
type Reports interface {
	Location() *time.Location
	Counts(ctx context.Context, ref time.Time, f aggregate.Filter) (aggregate.Counts, error)
	Population(ctx context.Context, day time.Time, f aggregate.Filter) (aggregate.Population, error)
	History(ctx context.Context, f aggregate.Filter) (aggregate.History, error)
	Details(ctx context.Context, p aggregate.Period, t time.Time, f aggregate.Filter) ([]models.PassengerEvent, error)
}

// parseDate parses YYYY-MM-DD in loc, defaulting to today.
func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Now().In(loc), nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}

// RegisterReportRoutes registers the passenger count endpoints.
//
// All accept the optional filters pi_id, toda_id and etrike_id.
// GET /passenger-counts?reference_time=RFC3339
// GET /population-data?date=YYYY-MM-DD
// GET /historical-data
// GET /passenger-details?date=YYYY-MM-DD&period=daily|weekly|monthly
func RegisterReportRoutes(r gin.IRoutes, rep Reports) {
	r.GET("/passenger-counts", func(c *gin.Context) {
		var f aggregate.Filter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
			return
		}
		var ref time.Time
		if raw := c.Query("reference_time"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "reference_time must be RFC3339"})
				return
			}
			ref = t
		}

		counts, err := rep.Counts(c.Request.Context(), ref, f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	})

	r.GET("/population-data", func(c *gin.Context) {
		var f aggregate.Filter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
			return
		}
		day, err := parseDate(c.Query("date"), rep.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}

		pop, err := rep.Population(c.Request.Context(), day, f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, pop)
	})

	r.GET("/historical-data", func(c *gin.Context) {
		var f aggregate.Filter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
			return
		}
		h, err := rep.History(c.Request.Context(), f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, h)
	})

	r.GET("/passenger-details", func(c *gin.Context) {
		var f aggregate.Filter
		if err := c.ShouldBindQuery(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
			return
		}
		day, err := parseDate(c.Query("date"), rep.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		period := aggregate.Period(c.DefaultQuery("period", string(aggregate.PeriodDaily)))

		records, err := rep.Details(c.Request.Context(), period, day, f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"date":    day.Format("2006-01-02"),
			"period":  period,
			"total":   len(records),
			"records": records,
		})
	})
}
