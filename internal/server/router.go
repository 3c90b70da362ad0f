package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JayPonda/TeliScript/internal/ingest"
	"github.com/JayPonda/TeliScript/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "teliscript_subject"

var (
	errMissingStoreService  = errors.New("store service dependency required")
	errMissingScrapeRunner  = errors.New("scrape runner dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// ScrapeController triggers background backup runs and reports their status.
type ScrapeController interface {
	Start(ctx context.Context) (string, error)
	Status() ingest.StatusSnapshot
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Store  *store.Service
	Scrape ScrapeController
	Tokens *TokenIssuer
	Logger *zap.Logger
}

// NewHTTPHandler builds the gin router. Reads are open; interaction updates
// and scrape control require a bearer token from the issuer.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStoreService
	}
	if deps.Scrape == nil {
		return nil, errMissingScrapeRunner
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:  deps.Store,
		scrape: deps.Scrape,
		tokens: deps.Tokens,
		logger: logger,
	}

	api := router.Group("/api")
	api.GET("/messages", handler.handleListMessages)
	api.GET("/channels", handler.handleListChannels)
	api.GET("/stats", handler.handleStats)
	api.GET("/scrape/status", handler.handleScrapeStatus)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/messages/:id/read", handler.handleMarkRead)
	protected.PUT("/messages/:id/like", handler.handleToggleLike)
	protected.PUT("/messages/:id/trash", handler.handleToggleTrash)
	protected.PUT("/messages/:id/tags", handler.handleUpdateTags)
	protected.PUT("/channels/:name/fetch-status", handler.handleChannelFetchStatus)
	protected.POST("/scrape/start", handler.handleScrapeStart)

	return router, nil
}

type httpHandler struct {
	store  *store.Service
	scrape ScrapeController
	tokens *TokenIssuer
	logger *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		h.logger.Warn("request rejected", zap.Error(errInvalidAuthorization))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := h.tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	filter := store.MessageFilter{
		ChannelName:    c.Query("channel"),
		Search:         c.Query("q"),
		MediaType:      c.Query("media_type"),
		Tag:            c.Query("tag"),
		OnlyUnread:     c.Query("unread") == "true",
		OnlyLiked:      c.Query("liked") == "true",
		IncludeTrashed: c.Query("include_trashed") == "true",
		OnlyTrashed:    c.Query("trashed") == "true",
		Since:          c.Query("since"),
		Until:          c.Query("until"),
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			filter.Limit = limit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			filter.Offset = offset
		}
	}

	messages, total, err := h.store.ListMessages(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("listing messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": total})
}

func (h *httpHandler) handleListChannels(c *gin.Context) {
	channels, err := h.store.ListChannels(c.Request.Context())
	if err != nil {
		h.logger.Error("listing channels failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels, "total": len(channels)})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Error("reading stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	messageID, ok := h.messageID(c)
	if !ok {
		return
	}
	if err := h.store.MarkRead(c.Request.Context(), messageID); err != nil {
		h.respondUpdateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "read": true})
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	messageID, ok := h.messageID(c)
	if !ok {
		return
	}
	liked, err := h.store.ToggleLike(c.Request.Context(), messageID)
	if err != nil {
		h.respondUpdateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "like": liked})
}

func (h *httpHandler) handleToggleTrash(c *gin.Context) {
	messageID, ok := h.messageID(c)
	if !ok {
		return
	}
	trashed, err := h.store.ToggleTrash(c.Request.Context(), messageID)
	if err != nil {
		h.respondUpdateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "trashed": trashed})
}

type tagsPayload struct {
	Tags []string `json:"tags"`
}

func (h *httpHandler) handleUpdateTags(c *gin.Context) {
	messageID, ok := h.messageID(c)
	if !ok {
		return
	}
	var payload tagsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.store.UpdateTags(c.Request.Context(), messageID, payload.Tags); err != nil {
		h.respondUpdateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type channelUpdatePayload struct {
	FetchStatus         *string `json:"fetchstatus"`
	FetchedStartedAt    *string `json:"fetchedStartedAt"`
	FetchedEndedAt      *string `json:"fetchedEndedAt"`
	LastBackupTimestamp *string `json:"last_backup_timestamp"`
}

func (h *httpHandler) handleChannelFetchStatus(c *gin.Context) {
	channelName := strings.TrimSpace(c.Param("name"))
	if channelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
		return
	}
	var payload channelUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.store.UpdateChannelFetchStatus(c.Request.Context(), channelName, store.ChannelUpdate{
		FetchStatus:         payload.FetchStatus,
		FetchedStartedAt:    payload.FetchedStartedAt,
		FetchedEndedAt:      payload.FetchedEndedAt,
		LastBackupTimestamp: payload.LastBackupTimestamp,
	})
	if errors.Is(err, store.ErrChannelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("channel update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleScrapeStart(c *gin.Context) {
	runID, err := h.scrape.Start(c.Request.Context())
	if errors.Is(err, ingest.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress"})
		return
	}
	if err != nil {
		h.logger.Error("failed to start run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "run_id": runID})
}

func (h *httpHandler) handleScrapeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scrape.Status())
}

func (h *httpHandler) messageID(c *gin.Context) (int64, bool) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return 0, false
	}
	return messageID, true
}

func (h *httpHandler) respondUpdateError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message_not_found"})
		return
	}
	h.logger.Error("message update failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
}
