package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/auth"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/metrics"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/reconcile"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/recurrence"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/tools"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "calendar_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingEngine        = errors.New("calendar engine dependency required")
	errMissingTools         = errors.New("tool invoker dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CalendarEngine is the state owner surface the HTTP layer drives.
type CalendarEngine interface {
	Execute(ctx context.Context, action calendar.Action) (calendar.Action, error)
	Undo(ctx context.Context) (calendar.Action, bool, error)
	Redo(ctx context.Context) (calendar.Action, bool, error)
	Events(ctx context.Context) ([]calendar.Event, error)
	History(ctx context.Context) ([]calendar.Action, error)
	Status(ctx context.Context) (engine.Status, error)
	ScanCheckpoints(ctx context.Context, messages []calendar.ChatMessage) ([]calendar.Checkpoint, error)
	Checkpoints(ctx context.Context) ([]calendar.Checkpoint, error)
	RevertToCheckpoint(ctx context.Context, messageID string) (engine.RevertResult, bool, error)
}

type ToolInvoker interface {
	Invoke(ctx context.Context, name string, arguments json.RawMessage) tools.Result
}

type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

type Syncer interface {
	SyncNow(ctx context.Context) (reconcile.Result, error)
}

// Dependencies wires the HTTP handler. Syncer is nil when remote sync is disabled.
// Credentialed cross-origin requests are accepted only from AllowedOrigins.
type Dependencies struct {
	Engine            CalendarEngine
	Tools             ToolInvoker
	Sessions          RequestValidator
	Syncer            Syncer
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Tools == nil {
		return nil, errMissingTools
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:            deps.Engine,
		tools:             deps.Tools,
		sessions:          deps.Sessions,
		syncer:            deps.Syncer,
		realtime:          deps.Realtime,
		heartbeatInterval: heartbeat,
		clock:             clock,
		logger:            logger,
	}

	metrics.InitMetrics()
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/events", handler.handleListEvents)
	protected.POST("/actions", handler.handleExecute)
	protected.POST("/undo", handler.handleUndo)
	protected.POST("/redo", handler.handleRedo)
	protected.GET("/history", handler.handleHistory)
	protected.POST("/checkpoints/scan", handler.handleScanCheckpoints)
	protected.GET("/checkpoints", handler.handleListCheckpoints)
	protected.POST("/checkpoints/:messageId/revert", handler.handleRevert)
	protected.GET("/tools", handler.handleListTools)
	protected.POST("/tools/:name", handler.handleInvokeTool)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/stream", handler.handleStream)
	protected.GET("/calendar.ics", handler.handleICS)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		// Bearer tokens only: any origin, never with cookies.
		corsConfig.AllowAllOrigins = true
		return cors.New(corsConfig)
	}
	corsConfig.AllowOrigins = append([]string(nil), allowedOrigins...)
	corsConfig.AllowCredentials = true
	return cors.New(corsConfig)
}

type httpHandler struct {
	engine            CalendarEngine
	tools             ToolInvoker
	sessions          RequestValidator
	syncer            Syncer
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" && c.GetHeader("Authorization") == "" {
		c.Request.Header.Set("Authorization", "Bearer "+token)
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func parseWindow(c *gin.Context) (time.Time, time.Time, bool) {
	start, startErr := time.Parse(time.RFC3339, c.Query("start"))
	end, endErr := time.Parse(time.RFC3339, c.Query("end"))
	if startErr != nil || endErr != nil || end.Before(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window"})
		return
	}
	events, err := h.engine.Events(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "list events failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recurrence.Expand(events, start, end)})
}

func (h *httpHandler) handleExecute(c *gin.Context) {
	var action calendar.Action
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if action.Source == "" {
		action.Source = calendar.SourceUser
	}
	if action.Source == calendar.SourceSystem {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source"})
		return
	}
	applied, err := h.engine.Execute(c.Request.Context(), action)
	if err != nil {
		h.respondEngineError(c, "execute action failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": applied})
}

type stepResponsePayload struct {
	Applied bool             `json:"applied"`
	Action  *calendar.Action `json:"action,omitempty"`
}

func (h *httpHandler) handleUndo(c *gin.Context) {
	effect, applied, err := h.engine.Undo(c.Request.Context())
	h.respondStep(c, "undo failed", effect, applied, err)
}

func (h *httpHandler) handleRedo(c *gin.Context) {
	effect, applied, err := h.engine.Redo(c.Request.Context())
	h.respondStep(c, "redo failed", effect, applied, err)
}

func (h *httpHandler) respondStep(c *gin.Context, message string, effect calendar.Action, applied bool, err error) {
	if err != nil {
		h.respondEngineError(c, message, err)
		return
	}
	response := stepResponsePayload{Applied: applied}
	if applied {
		response.Action = &effect
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	actions, err := h.engine.History(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "history failed", err)
		return
	}
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "status failed", err)
		return
	}
	if actions == nil {
		actions = []calendar.Action{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "status": status})
}

type scanRequestPayload struct {
	Messages []calendar.ChatMessage `json:"messages"`
}

func (h *httpHandler) handleScanCheckpoints(c *gin.Context) {
	var request scanRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.engine.ScanCheckpoints(c.Request.Context(), request.Messages)
	if err != nil {
		h.respondEngineError(c, "checkpoint scan failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

func (h *httpHandler) handleListCheckpoints(c *gin.Context) {
	checkpoints, err := h.engine.Checkpoints(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "list checkpoints failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	result, found, err := h.engine.RevertToCheckpoint(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		h.respondEngineError(c, "revert failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpoint_not_found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": tools.Definitions()})
}

func (h *httpHandler) handleInvokeTool(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, h.tools.Invoke(c.Request.Context(), c.Param("name"), json.RawMessage(body)))
}

func (h *httpHandler) handleSync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote_sync_disabled"})
		return
	}
	result, err := h.syncer.SyncNow(c.Request.Context())
	if err != nil {
		h.logger.Error("manual inbound sync failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
			return true
		}
	})
}

func (h *httpHandler) heartbeatPayload() gin.H {
	return gin.H{"source": realtimeSourceBackend, "timestamp": h.clock().UTC()}
}

func (h *httpHandler) handleICS(c *gin.Context) {
	events, err := h.engine.Events(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "ics export failed", err)
		return
	}
	if c.Query("start") != "" || c.Query("end") != "" {
		start, end, ok := parseWindow(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window"})
			return
		}
		events = recurrence.Expand(events, start, end)
	}
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(renderICS(events, h.clock())))
}

func (h *httpHandler) respondEngineError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, calendar.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
	case errors.Is(err, calendar.ErrEventExists):
		c.JSON(http.StatusConflict, gin.H{"error": "event_exists"})
	case errors.Is(err, calendar.ErrInvalidAction),
		errors.Is(err, calendar.ErrInstanceEvent),
		errors.Is(err, calendar.ErrInvalidEventID),
		errors.Is(err, calendar.ErrInvalidEventStart):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "detail": err.Error()})
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_unavailable"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
