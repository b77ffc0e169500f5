package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"villagecal/pkg/api/middleware"
	"villagecal/pkg/models"
	"villagecal/pkg/queue"
	"villagecal/pkg/status"
)

// EnqueuePDFRequest is the render request body. Watermark is forced on
// for free-tier and guest renders regardless of what the client asks.
type EnqueuePDFRequest struct {
	Watermark *bool `json:"watermark"`
}

// enqueuePDF handles POST /api/v1/calendars/:id/pdf
func (s *Server) enqueuePDF(c *gin.Context) {
	calendarID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid calendar ID"})
		return
	}

	var req EnqueuePDFRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := ""
	paid := false
	if claims, ok := middleware.GetUserFromContext(c); ok {
		userID = claims.UserID
		paid = claims.Paid
	}

	watermark := true
	if paid && req.Watermark != nil {
		watermark = *req.Watermark
	}

	jobID, err := s.facade.EnqueuePdfGeneration(c.Request.Context(), calendarID, watermark, userID)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		case errors.Is(err, queue.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found"})
		default:
			s.log.Error("enqueue pdf failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue render"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

// getJobStatus handles GET /api/v1/jobs/:id
func (s *Server) getJobStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	st, err := s.facade.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job"})
		return
	}

	c.JSON(http.StatusOK, st)
}

// cancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	cancelled, err := s.facade.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job is already running or finished"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// listJobs handles GET /api/v1/admin/jobs
func (s *Server) listJobs(c *gin.Context) {
	filter := queue.ListFilter{
		QueueName: c.Query("queue"),
		ActorID:   c.Query("actor"),
	}
	if st := c.Query("state"); st != "" {
		switch models.JobState(st) {
		case models.JobStatePending, models.JobStateInProgress, models.JobStateSucceeded, models.JobStateFailed:
			filter.State = models.JobState(st)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state filter"})
			return
		}
	}

	jobs, err := s.facade.ListJobs(c.Request.Context(), filter, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// retryJob handles POST /api/v1/admin/jobs/:id/retry
func (s *Server) retryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	newID, err := s.facade.RetryFailed(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, status.ErrNotRetryable):
			c.JSON(http.StatusConflict, gin.H{"error": "job is not in a failed state"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry job"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": newID})
}
