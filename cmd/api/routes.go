package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"notification-queue/internal/jobs"
	"notification-queue/internal/queue"
	"notification-queue/internal/store"

	"github.com/gin-gonic/gin"
)

type inspector interface {
	Remove(ctx context.Context, id string) error
	Counts(ctx context.Context) (queue.Counts, error)
}

type jobOptions struct {
	JobID        string `json:"job_id"`
	Priority     *int   `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
	DedupeKey    string `json:"dedupe_key"`
}

func (o jobOptions) build() []queue.Option {
	var opts []queue.Option
	if o.JobID != "" {
		opts = append(opts, queue.WithJobID(o.JobID))
	}
	if o.Priority != nil {
		opts = append(opts, queue.WithPriority(*o.Priority))
	}
	if o.DelaySeconds > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(o.DelaySeconds)*time.Second))
	}
	if o.DedupeKey != "" {
		opts = append(opts, queue.WithDedupeKey(o.DedupeKey))
	}
	return opts
}

func registerRoutes(r *gin.Engine, c *jobs.Creator, q inspector, s *store.Store, apiKey string) {
	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", requireAPIKey(apiKey))

	api.POST("/jobs/welcome", func(ctx *gin.Context) {
		var req struct {
			PhoneNumber string `json:"phone_number" binding:"required"`
			Name        string `json:"name" binding:"required"`
			jobOptions
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := c.Welcome(ctx.Request.Context(), jobs.WelcomeParams{PhoneNumber: req.PhoneNumber, Name: req.Name}, req.build()...)
		accepted(ctx, res, err)
	})

	api.POST("/jobs/otp", func(ctx *gin.Context) {
		var req struct {
			PhoneNumber   string `json:"phone_number" binding:"required"`
			Name          string `json:"name"`
			Code          string `json:"code" binding:"required"`
			ExpiryMinutes int    `json:"expiry_minutes" binding:"required,min=1"`
			jobOptions
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := c.OTP(ctx.Request.Context(), jobs.OTPParams{
			PhoneNumber:   req.PhoneNumber,
			Name:          req.Name,
			Code:          req.Code,
			ExpiryMinutes: req.ExpiryMinutes,
		}, req.build()...)
		accepted(ctx, res, err)
	})

	api.POST("/jobs/notification", func(ctx *gin.Context) {
		var req struct {
			PhoneNumber string         `json:"phone_number" binding:"required"`
			Name        string         `json:"name"`
			Message     string         `json:"message" binding:"required"`
			Metadata    map[string]any `json:"metadata"`
			jobOptions
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := c.Notification(ctx.Request.Context(), jobs.NotificationParams{
			PhoneNumber: req.PhoneNumber,
			Name:        req.Name,
			Message:     req.Message,
			Metadata:    req.Metadata,
		}, req.build()...)
		accepted(ctx, res, err)
	})

	api.GET("/jobs/:id", func(ctx *gin.Context) {
		rec, err := s.GetJob(ctx.Request.Context(), ctx.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, rec)
	})

	api.DELETE("/jobs/:id", func(ctx *gin.Context) {
		err := q.Remove(ctx.Request.Context(), ctx.Param("id"))
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, queue.ErrNotPending):
			ctx.JSON(http.StatusConflict, gin.H{"error": "job is no longer pending"})
		case err != nil:
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			ctx.Status(http.StatusNoContent)
		}
	})

	api.GET("/jobs", func(ctx *gin.Context) {
		state, err := queue.ParseState(ctx.DefaultQuery("state", "failed"))
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit, _ := strconv.ParseInt(ctx.DefaultQuery("limit", "50"), 10, 64)
		records, err := s.List(ctx.Request.Context(), state, limit)
		if err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, records)
	})

	api.GET("/stats", func(ctx *gin.Context) {
		counts, err := q.Counts(ctx.Request.Context())
		if err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, counts)
	})
}

func accepted(ctx *gin.Context, res jobs.Enqueued, err error) {
	if err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusAccepted, res)
}

func requireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key != "" && c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}
