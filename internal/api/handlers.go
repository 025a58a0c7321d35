package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/desh0cc/psychopass/internal/parser"
	"github.com/desh0cc/psychopass/internal/result"
	"github.com/desh0cc/psychopass/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Services groups the domain services served over HTTP
type Services struct {
	Identity *services.IdentityService
	Chats    *services.ChatService
	Messages *services.MessageService
	Stats    *services.StatsService
	Search   *services.SearchService
	Ingest   *services.IngestService
	Archives *services.ArchiveService
	Parsers  *parser.Registry
}

// Handler holds all handlers and dependencies
type Handler struct {
	db   *gorm.DB
	svc  Services
	jobs *JobTracker
	ctx  context.Context
	log  *zap.Logger
}

// NewHandler creates a new handler instance. Background ingest jobs run under
// ctx and stop when it is cancelled.
func NewHandler(ctx context.Context, db *gorm.DB, svc Services, log *zap.Logger) *Handler {
	return &Handler{
		db:   db,
		svc:  svc,
		jobs: NewJobTracker(),
		ctx:  ctx,
		log:  log,
	}
}

// Wait blocks until every running ingest job has finished
func (h *Handler) Wait() {
	h.jobs.Wait()
}

// HealthCheck handles health check endpoint
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyCheck handles readiness check endpoint
func (h *Handler) ReadyCheck(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "database_connection_failed",
		})
		return
	}

	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "database_ping_failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

// GetStats returns the aggregate counters
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.svc.Stats.Get(c.Request.Context())
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ListPlatforms lists the platforms an export can be ingested from
func (h *Handler) ListPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platforms":      h.svc.Parsers.Platforms(),
		"search_engines": h.svc.Search.Engines(),
	})
}

// ListProfiles lists every profile
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles, err := h.svc.Identity.List(c.Request.Context())
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// GetProfile gets profile details
func (h *Handler) GetProfile(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	profile, err := h.svc.Identity.Get(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// UpdateProfile changes profile fields
func (h *Handler) UpdateProfile(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	var req services.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_BODY", "Invalid request body", err)
		return
	}
	res := h.svc.Identity.Update(c.Request.Context(), id, req)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": res.Value})
}

// DeleteProfile deletes a profile with everything it owns
func (h *Handler) DeleteProfile(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	res := h.svc.Identity.Delete(c.Request.Context(), id)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, res.Value)
}

type mergeRequest struct {
	SecondaryIDs []uint `json:"secondary_ids" binding:"required"`
}

// MergeProfiles folds secondary profiles into the profile in the path
func (h *Handler) MergeProfiles(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_BODY", "secondary_ids is required", err)
		return
	}
	res := h.svc.Identity.Merge(c.Request.Context(), id, req.SecondaryIDs)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, res.Value)
}

type unmergeRequest struct {
	PlatformUserIDs []uint `json:"platform_user_ids" binding:"required"`
}

// UnmergeProfiles restores profiles previously merged into the one in the path
func (h *Handler) UnmergeProfiles(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	var req unmergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_BODY", "platform_user_ids is required", err)
		return
	}
	res := h.svc.Identity.Unmerge(c.Request.Context(), id, req.PlatformUserIDs)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, res.Value)
}

// ProfileMessages pages through a profile's messages, optionally by emotion
func (h *Handler) ProfileMessages(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		msgs []services.MessageView
		err  error
	)
	if emotion := c.Query("emotion"); emotion != "" {
		msgs, err = h.svc.Messages.ByEmotion(ctx, id, emotion)
	} else {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if limit > 1000 {
			limit = 1000
		}
		msgs, err = h.svc.Messages.ByProfile(ctx, id, limit, offset)
	}
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// EmotionStats returns the emotion distribution, for one profile when
// profile_id is given. by_year=true splits it per year.
func (h *Handler) EmotionStats(c *gin.Context) {
	var profileID *uint
	if raw := c.Query("profile_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			h.errorResponse(c, http.StatusBadRequest, "INVALID_ID", "Invalid profile ID", err)
			return
		}
		pid := uint(id)
		profileID = &pid
	}

	ctx := c.Request.Context()
	if c.Query("by_year") == "true" {
		stats, err := h.svc.Messages.EmotionStatsByYear(ctx, profileID)
		if err != nil {
			h.failure(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
		return
	}

	stats, err := h.svc.Messages.EmotionStats(ctx, profileID)
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListChats lists every chat with its participants
func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.svc.Chats.List(c.Request.Context())
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat gets chat details
func (h *Handler) GetChat(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	chat, err := h.svc.Chats.Get(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// UpdateChat changes chat fields
func (h *Handler) UpdateChat(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	var req services.ChatUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_BODY", "Invalid request body", err)
		return
	}
	res := h.svc.Chats.Update(c.Request.Context(), id, req)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": res.Value})
}

// DeleteChat deletes a chat and its messages
func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	res := h.svc.Chats.Delete(c.Request.Context(), id)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, res.Value)
}

// ChatMessages returns a chat's messages in timestamp order
func (h *Handler) ChatMessages(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	msgs, err := h.svc.Messages.ByChat(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetMessage gets one message
func (h *Handler) GetMessage(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	msg, err := h.svc.Messages.Get(c.Request.Context(), id)
	if err != nil {
		h.failure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// SearchMessages runs a text query on the requested engine
func (h *Handler) SearchMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	res := h.svc.Search.Search(c.Request.Context(), c.Query("q"), c.Query("engine"), limit)
	if !res.IsOk() {
		h.failure(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": res.Value})
}

// idParam parses a numeric path parameter, answering 400 when it is invalid
func (h *Handler) idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_ID", "Invalid "+name, err)
		return 0, false
	}
	return uint(id), true
}

// failure renders err using its result kind
func (h *Handler) failure(c *gin.Context, err error) {
	var f *result.Failure
	if !errors.As(err, &f) {
		h.errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred", err)
		return
	}
	status, code := statusFor(f.Kind)
	message := f.Message
	if f.Kind == result.Fatal {
		message = "An internal error occurred"
	}
	h.errorResponse(c, status, code, message, err)
}

func statusFor(kind result.Kind) (int, string) {
	switch kind {
	case result.NotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case result.Conflict:
		return http.StatusConflict, "CONFLICT"
	case result.Invalid:
		return http.StatusBadRequest, "INVALID_REQUEST"
	case result.Integrity:
		return http.StatusUnprocessableEntity, "INTEGRITY_VIOLATION"
	case result.ExternalIO:
		return http.StatusBadGateway, "EXTERNAL_IO"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// errorResponse sends a standardized error response
func (h *Handler) errorResponse(c *gin.Context, status int, code, message string, err error) {
	requestID := c.GetString("request_id")

	response := gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
		"request_id": requestID,
	}

	if err != nil {
		fields := []zap.Field{
			zap.String("code", code),
			zap.String("message", message),
			zap.Error(err),
			zap.String("request_id", requestID),
		}
		if status >= http.StatusInternalServerError {
			h.log.Error("Request error", fields...)
		} else {
			h.log.Warn("Request error", fields...)
		}
	}

	c.AbortWithStatusJSON(status, response)
}

func isValidZipFile(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".zip")
}
