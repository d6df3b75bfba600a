package http

import (
	"net/http"
	"strconv"
	"time"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	"passpot/internal/core/services"
	"passpot/internal/infrastructure/middleware"
	"passpot/pkg/errors"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

// CallLogHandler exposes the call history REST surface. Clients upload one
// entry per terminated call and fetch their own history; entries are
// append-only.
type CallLogHandler struct {
	repo        ports.CallLogRepository
	authService services.AuthService
}

func NewCallLogHandler(repo ports.CallLogRepository, authService services.AuthService) *CallLogHandler {
	return &CallLogHandler{
		repo:        repo,
		authService: authService,
	}
}

func (h *CallLogHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/calls")
	api.Use(middleware.AuthMiddleware(h.authService))
	{
		api.POST("", h.CreateEntry)
		api.GET("", h.ListEntries)
	}
}

type CreateEntryRequest struct {
	CallerID   string `json:"caller_id" binding:"required,max=64"`
	ReceiverID string `json:"receiver_id" binding:"required,max=64"`
	CallType   string `json:"call_type" binding:"required,oneof=audio video"`
	Status     string `json:"status" binding:"required,oneof=completed missed rejected busy"`
	Duration   int64  `json:"duration" binding:"min=0"`
	StartTime  string `json:"start_time" binding:"required"`
	EndTime    string `json:"end_time" binding:"required"`
}

func (h *CallLogHandler) CreateEntry(c *gin.Context) {
	var req CreateEntryRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		c.Error(errors.NewInvalidInputError("start_time must be RFC 3339"))
		return
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		c.Error(errors.NewInvalidInputError("end_time must be RFC 3339"))
		return
	}
	if endTime.Before(startTime) {
		c.Error(errors.NewInvalidInputError("end_time precedes start_time"))
		return
	}

	// An uploader may only log calls it took part in.
	userID := c.MustGet("user_id").(domain.UserID)
	if domain.UserID(req.CallerID) != userID && domain.UserID(req.ReceiverID) != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "entry does not involve authenticated user"})
		return
	}

	entry := &domain.CallLogEntry{
		CallerID:   domain.UserID(req.CallerID),
		ReceiverID: domain.UserID(req.ReceiverID),
		CallType:   domain.MediaKind(req.CallType),
		Status:     domain.CallStatus(req.Status),
		Duration:   req.Duration,
		StartTime:  startTime,
		EndTime:    endTime,
	}

	if err := h.repo.Save(c.Request.Context(), entry); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": entry.ID})
}

func (h *CallLogHandler) ListEntries(c *gin.Context) {
	userID := c.MustGet("user_id").(domain.UserID)

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.Error(errors.NewInvalidInputError("limit must be between 1 and 500"))
			return
		}
		limit = parsed
	}

	entries, err := h.repo.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": entries,
		"count": len(entries),
	})
}
