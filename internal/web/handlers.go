// internal/web/handlers.go
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ravenhub/internal/database"
	"ravenhub/internal/downsample"
	"ravenhub/internal/monitoring"
	"ravenhub/internal/queue"
	"ravenhub/internal/reconcile"
	"ravenhub/internal/status"
)

// POST /api/ingest - queue one agent batch
func (s *Server) ingestBatch(c *gin.Context) {
	agentID := c.GetHeader(AgentHeader)
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": AgentHeader + " header is required"})
		return
	}

	body := c.Request.Body
	if limit := s.config.Ingest.MaxPayload; limit > 0 {
		body = http.MaxBytesReader(c.Writer, body, limit)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read payload"})
		return
	}
	if len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty payload"})
		return
	}

	future, err := s.engine.SubmitBatch(agentID, payload)
	if err != nil {
		s.respondSubmitError(c, err)
		return
	}

	s.respond(c, future)
}

// GET /api/agents/:agent/series - the agent's series, live only unless all=true
func (s *Server) getAgentSeries(c *gin.Context) {
	filter := database.SeriesFilter{
		AgentID:  c.Param("agent"),
		LiveOnly: c.Query("all") != "true",
	}

	var series []database.HostSeries
	err := s.store.View(c.Request.Context(), func(tx database.Tx) error {
		var err error
		series, err = tx.FindSeries(filter)
		return err
	})
	if err != nil {
		logrus.WithError(err).WithField("agent_id", filter.AgentID).Error("Failed to get series")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get series"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  series,
		"count": len(series),
	})
}

// GET /api/series/:id/samples - samples reduced to ?points, statuses resolved
func (s *Server) getSeriesSamples(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid series id"})
		return
	}

	points := s.config.Downsample.ReadPoints
	if raw := c.Query("points"); raw != "" {
		points, err = strconv.Atoi(raw)
		if err != nil || points < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "points must be a positive integer"})
			return
		}
	}

	var since uint32
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = database.SentAtFromTime(t)
	}

	var (
		series  *database.HostSeries
		samples []database.Sample
		total   int
	)
	err = s.store.View(c.Request.Context(), func(tx database.Tx) error {
		var err error
		if series, err = tx.GetSeries(id); err != nil {
			return err
		}

		stored, err := tx.FindSamples(id, since)
		if err != nil {
			return err
		}
		total = len(stored)

		interner, err := status.Load(tx)
		if err != nil {
			return err
		}

		samples = downsample.Reduce(stored, points)
		for i := range samples {
			if samples[i].StatusCode != 0 {
				samples[i].Status = interner.Lookup(samples[i].StatusCode)
			}
		}
		return nil
	})
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Series not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("series_id", id).Error("Failed to get samples")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get samples"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   samples,
		"series": series,
		"count":  len(samples),
		"total":  total,
	})
}

// POST /api/maintenance/:job - run a maintenance job on the queue
func (s *Server) triggerMaintenance(c *gin.Context) {
	future, err := s.engine.SubmitMaintenance(c.Param("job"))
	if err != nil {
		s.respondSubmitError(c, err)
		return
	}

	s.respond(c, future)
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get database stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":        stats,
		"queue_depth": s.engine.QueueDepth(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   Version,
	})
}

// respond replies 202 with the ticket, or with the job outcome when the
// caller asked to wait and the job finished in time.
func (s *Server) respond(c *gin.Context, future *queue.Future) {
	accepted := gin.H{
		"job_id": future.JobID,
		"ticket": future.Ticket,
	}

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, accepted)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.Ingest.WaitTimeout)
	defer cancel()

	result, err := future.Wait(ctx)
	if err != nil {
		c.JSON(http.StatusAccepted, accepted)
		return
	}
	if result.Err != nil {
		c.JSON(statusFor(result.Err), gin.H{
			"error":  result.Err.Error(),
			"job_id": future.JobID,
			"ticket": future.Ticket,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result.Value})
}

func (s *Server) respondSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrDuplicateInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "A job for this agent is already in flight"})
	case errors.Is(err, queue.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Shutting down"})
	case errors.Is(err, monitoring.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logrus.WithError(err).Error("Failed to submit job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, reconcile.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
